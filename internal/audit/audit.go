// Package audit records authentication events. Events carry the internal
// classification of every failure; sinks decide where they go.
package audit

import (
	"context"
	"sync"
	"time"
)

type Type string

const (
	Register            Type = "REGISTER"
	LoginSuccess        Type = "LOGIN_SUCCESS"
	LoginFailure        Type = "LOGIN_FAILURE"
	TokenRefreshed      Type = "TOKEN_REFRESHED"
	TokenExpired        Type = "TOKEN_EXPIRED"
	TokenInvalid        Type = "TOKEN_INVALID"
	TokenReplayDetected Type = "TOKEN_REPLAY_DETECTED"
	Logout              Type = "LOGOUT"
	AccessDenied        Type = "ACCESS_DENIED"
	RateLimited         Type = "RATE_LIMITED"
)

type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failure"
)

type Severity string

const (
	Info     Severity = "info"
	Warning  Severity = "warning"
	Security Severity = "security"
)

// Event is one audit record. Reason holds the internal classification and is
// never sent to clients.
type Event struct {
	Time      time.Time `json:"time"`
	Type      Type      `json:"type"`
	Outcome   Outcome   `json:"outcome"`
	Severity  Severity  `json:"severity"`
	UserID    string    `json:"user_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Route     string    `json:"route,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block for long; callers do not wait on persistence.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events by type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
