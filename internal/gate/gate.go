// Package gate rejects state-changing browser requests that lack a header
// only same-origin script can set. It holds no state.
package gate

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/irisanalysis/datalab0826-sub001/internal/audit"
	"github.com/irisanalysis/datalab0826-sub001/internal/auth"
)

const (
	DefaultHeader = "X-Requested-With"
	DefaultValue  = "XMLHttpRequest"
)

var (
	errMissing  = errors.New("required header missing")
	errMismatch = errors.New("required header has unexpected value")
)

type Gate struct {
	header   string
	value    string
	sink     audit.Sink
	clientIP func(*http.Request) string
	now      func() time.Time
}

type Option func(*Gate)

// WithClientIP sets how the audited client address is derived.
func WithClientIP(f func(*http.Request) string) Option { return func(g *Gate) { g.clientIP = f } }

func New(header, value string, sink audit.Sink, opts ...Option) *Gate {
	if header == "" {
		header = DefaultHeader
	}
	if value == "" {
		value = DefaultValue
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	g := &Gate{header: header, value: value, sink: sink, clientIP: remoteHost, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Check returns an auth.ErrForbidden-kind error when the header is absent or
// wrong, and records an ACCESS_DENIED event.
func (g *Gate) Check(r *http.Request) error {
	got := strings.TrimSpace(r.Header.Get(g.header))
	var cause error
	switch {
	case got == "":
		cause = errMissing
	case !strings.EqualFold(got, g.value):
		cause = errMismatch
	default:
		return nil
	}
	g.sink.Emit(r.Context(), audit.Event{
		Time:      g.now().UTC(),
		Type:      audit.AccessDenied,
		Outcome:   audit.Failure,
		Severity:  audit.Warning,
		IP:        g.clientIP(r),
		UserAgent: r.UserAgent(),
		Route:     r.Method + " " + r.URL.Path,
		Reason:    g.header + ": " + cause.Error(),
	})
	return auth.Forbidden(cause)
}

// Middleware applies Check to every non-safe method. reject writes the
// response for a refused request.
func (g *Gate) Middleware(reject func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			if err := g.Check(r); err != nil {
				reject(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
