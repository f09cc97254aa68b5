package main

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/irisanalysis/datalab0826-sub001/internal/audit"
	"github.com/irisanalysis/datalab0826-sub001/internal/auth"
	"github.com/irisanalysis/datalab0826-sub001/internal/ratelimit"
)

type ctxKey int

const requestIDKey ctxKey = iota

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// clientIP is the remote host, or the first X-Forwarded-For hop when the
// service runs behind a trusted proxy.
func (a *App) clientIP(r *http.Request) string {
	if a.cfg.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// CORS middleware handles CORS headers. Only configured origins are echoed
// back because responses carry credentials.
func (a *App) CORS(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(a.cfg.CORSOrigins))
	for _, o := range a.cfg.CORSOrigins {
		allowed[o] = true
	}
	allowHeaders := "Content-Type, Authorization, " + a.cfg.CSRFHeader

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ipThrottle is a coarse token bucket per client address in front of every
// API route. Idle entries are dropped after ttl.
type ipThrottle struct {
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPThrottle(perMinute int) *ipThrottle {
	if perMinute <= 0 {
		return nil
	}
	burst := perMinute / 4
	if burst < 1 {
		burst = 1
	}
	return &ipThrottle{
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		ttl:     5 * time.Minute,
		clients: make(map[string]*clientLimiter),
	}
}

func (t *ipThrottle) allow(ip string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.clients[ip]
	if !ok {
		t.cleanupLocked(now)
		entry = &clientLimiter{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.clients[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (t *ipThrottle) cleanupLocked(now time.Time) {
	for ip, e := range t.clients {
		if now.Sub(e.lastSeen) > t.ttl {
			delete(t.clients, ip)
		}
	}
}

// Throttle applies the per-ip token bucket.
func (a *App) Throttle(next http.Handler) http.Handler {
	if a.throttle == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.throttle.allow(a.clientIP(r), time.Now()) {
			w.Header().Set("Retry-After", "1")
			a.writeAuthError(w, r, auth.RateLimited(nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RouteLimit enforces the sliding-window rule configured for route. Denied
// requests are audited and answered uniformly.
func (a *App) RouteLimit(route string, next http.Handler) http.Handler {
	rule, ok := a.limits[route]
	if !ok || a.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		ip := a.clientIP(r)
		key := ratelimit.Key(route, ratelimit.ClientIdentity(ip, r.UserAgent()))
		res, err := a.limiter.Allow(r.Context(), key, rule)
		if err != nil {
			a.writeAuthError(w, r, auth.Transient(err))
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		if !res.Allowed {
			retry := int((res.RetryAfter + time.Second - 1) / time.Second)
			if retry < 1 {
				retry = 1
			}
			h.Set("Retry-After", strconv.Itoa(retry))
			a.audit.Emit(r.Context(), audit.Event{
				Time:      time.Now().UTC(),
				Type:      audit.RateLimited,
				Outcome:   audit.Failure,
				Severity:  audit.Warning,
				IP:        ip,
				UserAgent: r.UserAgent(),
				Route:     route,
				Reason:    "limit " + rule.String() + " exceeded",
			})
			a.writeAuthError(w, r, auth.RateLimited(nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogging logs one line per request with a request id.
func (a *App) RequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))

		fields := []zap.Field{
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", a.clientIP(r)),
			zap.String("user_agent", r.UserAgent()),
		}
		switch {
		case wrapped.statusCode >= 500:
			a.log.Error("request", fields...)
		case wrapped.statusCode >= 400:
			a.log.Warn("request", fields...)
		default:
			a.log.Info("request", fields...)
		}
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
