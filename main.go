package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/irisanalysis/datalab0826-sub001/internal/audit"
	"github.com/irisanalysis/datalab0826-sub001/internal/auth"
	"github.com/irisanalysis/datalab0826-sub001/internal/config"
	"github.com/irisanalysis/datalab0826-sub001/internal/gate"
	"github.com/irisanalysis/datalab0826-sub001/internal/password"
	"github.com/irisanalysis/datalab0826-sub001/internal/ratelimit"
	"github.com/irisanalysis/datalab0826-sub001/internal/store"
	"github.com/irisanalysis/datalab0826-sub001/internal/token"
)

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    store.Store
	auth     *auth.Manager
	limiter  ratelimit.Limiter
	limits   ratelimit.Policy
	gate     *gate.Gate
	audit    audit.Sink
	throttle *ipThrottle
}

func newApp(cfg *config.Config, log *zap.Logger, st store.Store, mgr *auth.Manager, limiter ratelimit.Limiter, sink audit.Sink) *App {
	a := &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		auth:     mgr,
		limiter:  limiter,
		limits:   cfg.RateLimits,
		audit:    sink,
		throttle: newIPThrottle(cfg.GlobalRatePerMinute),
	}
	a.gate = gate.New(cfg.CSRFHeader, cfg.CSRFValue, sink, gate.WithClientIP(a.clientIP))
	return a
}

func (a *App) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(a.RequestLogging)
	r.Use(a.CORS)

	r.HandleFunc("/healthz", a.HandleHealth).Methods("GET")
	r.HandleFunc("/readyz", a.HandleReady).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(a.Throttle)

	guarded := a.gate.Middleware(a.writeAuthError)
	post := func(path, route string, h http.HandlerFunc) {
		api.Handle(path, guarded(a.RouteLimit(route, h))).Methods("POST", "OPTIONS")
	}
	post("/auth/register", ratelimit.RouteRegister, a.HandleRegister)
	post("/auth/login", ratelimit.RouteLogin, a.HandleLogin)
	post("/auth/refresh", ratelimit.RouteRefresh, a.HandleRefresh)
	post("/auth/logout", "logout", a.HandleLogout)

	api.HandleFunc("/auth/validate", a.HandleTokenValidate).Methods("GET")
	api.HandleFunc("/auth/introspect", a.HandleTokenIntrospect).Methods("POST", "OPTIONS")
	api.HandleFunc("/me", a.HandleMe).Methods("GET")
	return r
}

func newLogger(c *config.Config) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	if c.Production() {
		zc = zap.NewProductionConfig()
	}
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func openStore(c *config.Config, log *zap.Logger) (store.Store, error) {
	switch c.DBAdapter {
	case "sqlite":
		if dir := filepath.Dir(c.SQLiteFile); dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("sqlite dir: %w", err)
			}
		}
		return store.NewSQLiteDB(c.SQLiteFile)
	case "postgres":
		from, to, err := store.ApplyMigrations(c.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		log.Info("migrations applied", zap.Uint("from", from), zap.Uint("to", to))
		return store.NewPostgresDB(c.PostgresDSN)
	case "memory":
		log.Warn("using in-memory store (not recommended for production)")
		return store.NewMemoryDB(), nil
	}
	return nil, fmt.Errorf("unsupported DB_ADAPTER: %s", c.DBAdapter)
}

func openLimiter(ctx context.Context, c *config.Config) (ratelimit.Limiter, func() error, error) {
	if c.RateLimitBackend != "redis" {
		return ratelimit.NewMemory(), func() error { return nil }, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	return ratelimit.NewRedis(rdb, "auth:rl:"), rdb.Close, nil
}

func newManager(c *config.Config, st store.Store, sink audit.Sink) (*auth.Manager, error) {
	hasher, err := password.NewHasher(c.BcryptCost)
	if err != nil {
		return nil, err
	}
	policy, err := password.NewPolicy(c.PasswordRules, c.PasswordMinLength)
	if err != nil {
		return nil, err
	}
	var opts []token.Option
	if c.JWTIssuer != "" {
		opts = append(opts, token.WithIssuer(c.JWTIssuer))
	}
	codec, err := token.NewCodec([]byte(c.JWTSecret), opts...)
	if err != nil {
		return nil, err
	}
	return auth.New(auth.Config{AccessTTL: c.AccessTTL, RefreshTTL: c.RefreshTTL}, st, hasher, codec, policy, sink)
}

// housekeeping purges expired refresh tokens and idle limiter windows.
func housekeeping(ctx context.Context, log *zap.Logger, every time.Duration, st store.Store, limiter ratelimit.Limiter) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := st.PurgeExpired(ctx, now)
			if err != nil {
				log.Warn("purge expired refresh tokens", zap.Error(err))
			} else if n > 0 {
				log.Info("purged expired refresh tokens", zap.Int64("count", n))
			}
			if m, ok := limiter.(*ratelimit.Memory); ok {
				m.Sweep(now)
			}
		}
	}
}

func main() {
	c, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := newLogger(c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(c, log)
	if err != nil {
		log.Fatal("store init", zap.String("adapter", c.DBAdapter), zap.Error(err))
	}
	defer st.Close()

	limiter, closeLimiter, err := openLimiter(ctx, c)
	if err != nil {
		log.Fatal("rate limiter init", zap.Error(err))
	}
	defer closeLimiter()

	dispatcher := audit.NewDispatcher(audit.NewZapSink(log), c.AuditBuffer)
	defer func() {
		dispatcher.Close()
		if n := dispatcher.Dropped(); n > 0 {
			log.Warn("audit events dropped", zap.Uint64("count", n))
		}
	}()

	mgr, err := newManager(c, st, dispatcher)
	if err != nil {
		log.Fatal("session manager init", zap.Error(err))
	}

	app := newApp(c, log, st, mgr, limiter, dispatcher)
	go housekeeping(ctx, log, c.PurgeInterval, st, limiter)

	srv := &http.Server{
		Handler:           app.routes(),
		Addr:              ":" + c.Port,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("port", c.Port), zap.String("db", c.DBAdapter), zap.String("rate_limit_backend", c.RateLimitBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		log.Error("server error", zap.Error(err))
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", zap.Error(err))
	}
	log.Info("server exited properly")
}
