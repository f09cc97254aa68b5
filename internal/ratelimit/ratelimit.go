// Package ratelimit bounds request rates per key with a sliding-window log:
// every accepted request is timestamped and a request is allowed only while
// fewer than Limit timestamps fall inside the trailing Window. Denied requests
// are not recorded.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var ErrUnavailable = errors.New("ratelimit: backend unavailable")

type Rule struct {
	Limit  int
	Window time.Duration
}

func (r Rule) String() string { return fmt.Sprintf("%d/%s", r.Limit, r.Window) }

// resolution is the step after which a request at the window edge stops
// counting. The window is closed: a request made exactly Window ago still counts.
const resolution = time.Millisecond

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is the first instant at which the oldest counted request has
	// left the window.
	ResetAt time.Time
	// RetryAfter is zero when Allowed.
	RetryAfter time.Duration
}

// Limiter is implemented by the in-process and Redis backends.
type Limiter interface {
	Allow(ctx context.Context, key string, rule Rule) (Result, error)
}

// Policy maps a route name to its rule.
type Policy map[string]Rule

// Route names used by the HTTP layer.
const (
	RouteLogin    = "login"
	RouteRefresh  = "refresh"
	RouteRegister = "register"
)

func DefaultPolicy() Policy {
	return Policy{
		RouteLogin:    {Limit: 5, Window: 15 * time.Minute},
		RouteRefresh:  {Limit: 5, Window: time.Minute},
		RouteRegister: {Limit: 3, Window: time.Hour},
	}
}

// ParsePolicy reads "login=5/15m,refresh=5/1m,register=3/1h".
func ParsePolicy(s string) (Policy, error) {
	p := Policy{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("ratelimit: %q: want name=limit/window", part)
		}
		lim, win, ok := strings.Cut(val, "/")
		if !ok {
			return nil, fmt.Errorf("ratelimit: %q: want name=limit/window", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(lim))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("ratelimit: %q: limit must be a positive integer", part)
		}
		d, err := time.ParseDuration(strings.TrimSpace(win))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("ratelimit: %q: window must be a positive duration", part)
		}
		name = strings.TrimSpace(name)
		if _, dup := p[name]; dup {
			return nil, fmt.Errorf("ratelimit: route %q configured twice", name)
		}
		p[name] = Rule{Limit: n, Window: d}
	}
	if len(p) == 0 {
		return nil, errors.New("ratelimit: empty policy")
	}
	return p, nil
}

func (p Policy) String() string {
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n + "=" + p[n].String()
	}
	return strings.Join(parts, ",")
}

// ClientIdentity is the key a client is limited under: its address plus a
// short digest of its user agent.
func ClientIdentity(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(userAgent))
	return ip + "|" + hex.EncodeToString(sum[:])[:8]
}

// Key scopes an identity to a route.
func Key(route, identity string) string {
	return route + ":" + identity
}
