package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-process backend. Each key has its own lock so checks on
// one key are linearizable without serializing unrelated keys.
type Memory struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	mu   sync.Mutex
	hits []time.Time
	span time.Duration
	dead bool
}

func NewMemory() *Memory {
	return &Memory{windows: make(map[string]*window), now: time.Now}
}

// WithClock replaces time.Now; used by tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Allow(_ context.Context, key string, rule Rule) (Result, error) {
	for {
		w := m.window(key)
		w.mu.Lock()
		if w.dead {
			// swept between lookup and lock
			w.mu.Unlock()
			continue
		}
		res := w.allow(m.now(), rule)
		w.mu.Unlock()
		return res, nil
	}
}

func (m *Memory) window(key string) *window {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	if !ok {
		w = &window{}
		m.windows[key] = w
	}
	return w
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.hits) && w.hits[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

func (w *window) allow(now time.Time, rule Rule) Result {
	w.span = rule.Window
	w.prune(now)

	res := Result{Limit: rule.Limit}
	if len(w.hits) >= rule.Limit {
		oldest := now
		if len(w.hits) > 0 {
			oldest = w.hits[0]
		}
		res.ResetAt = oldest.Add(rule.Window + resolution)
		res.RetryAfter = res.ResetAt.Sub(now)
		return res
	}
	w.hits = append(w.hits, now)
	res.Allowed = true
	res.Remaining = rule.Limit - len(w.hits)
	res.ResetAt = w.hits[0].Add(rule.Window + resolution)
	return res
}

// Sweep drops keys with no requests left inside their window. It returns the
// number of keys removed.
func (m *Memory) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, w := range m.windows {
		w.mu.Lock()
		w.prune(now)
		if len(w.hits) == 0 {
			w.dead = true
			delete(m.windows, k)
			n++
		}
		w.mu.Unlock()
	}
	return n
}

// Len reports the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
