package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/irisanalysis/datalab0826-sub001/internal/password"
	"github.com/irisanalysis/datalab0826-sub001/internal/ratelimit"
)

const devSecret = "change-me"

// minProdSecret is the shortest signing secret accepted in production.
const minProdSecret = 32

type Config struct {
	Port     string
	Env      string
	LogLevel string

	DBAdapter  string
	SQLiteFile string
	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	JWTSecret  string
	JWTIssuer  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	BcryptCost        int
	PasswordMinLength int
	PasswordRules     []string

	RateLimits          ratelimit.Policy
	RateLimitBackend    string
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	GlobalRatePerMinute int

	CSRFHeader string
	CSRFValue  string

	CookieSecure   bool
	CookieSameSite http.SameSite
	CookieDomain   string
	CORSOrigins    []string
	TrustProxy     bool

	AuditBuffer   int
	PurgeInterval time.Duration
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getint(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q is not an integer", key, v)
	}
	return n, nil
}

func getbool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q is not a boolean", key, v)
	}
	return b, nil
}

// getduration accepts plain seconds ("900") or a Go duration ("15m").
func getduration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

func getlist(key, def string) []string {
	var out []string
	for _, s := range strings.Split(getenv(key, def), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseSameSite(v string) (http.SameSite, error) {
	switch strings.ToLower(v) {
	case "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	}
	return 0, fmt.Errorf("invalid COOKIE_SAMESITE: %q (lax, strict, none)", v)
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

// Production reports whether ENV names a production deployment.
func (c *Config) Production() bool {
	return c.Env == "production" || c.Env == "prod"
}

// Load reads .env files (missing files are ignored; real environment
// variables win) and then builds the Config.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return New()
}

func New() (*Config, error) {
	c := &Config{
		Port:       getenv("PORT", "8080"),
		Env:        strings.ToLower(getenv("ENV", "development")),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		DBAdapter:  getenv("DB_ADAPTER", "postgres"),
		SQLiteFile: getenv("SQLITE_FILE", "./data/auth.db"),

		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "auth")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "auth")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),

		JWTSecret:     getenv("JWT_SECRET", devSecret),
		JWTIssuer:     getenv("JWT_ISSUER", ""),
		PasswordRules: getlist("PASSWORD_RULES", strings.Join(password.DefaultRules, ",")),

		RateLimitBackend: strings.ToLower(getenv("RATE_LIMIT_BACKEND", "memory")),
		RedisAddr:        getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getenv("REDIS_PASSWORD", ""),

		CSRFHeader:   getenv("CSRF_HEADER", "X-Requested-With"),
		CSRFValue:    getenv("CSRF_VALUE", "XMLHttpRequest"),
		CookieDomain: getenv("COOKIE_DOMAIN", ""),
		CORSOrigins:  getlist("CORS_ORIGINS", ""),
	}

	var err error
	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	if c.Production() {
		if c.JWTSecret == devSecret || len(c.JWTSecret) < minProdSecret {
			return nil, fmt.Errorf("JWT_SECRET must be set to at least %d bytes in production", minProdSecret)
		}
	}

	if c.AccessTTL, err = getduration("ACCESS_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if c.RefreshTTL, err = getduration("REFRESH_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return nil, errors.New("ACCESS_TTL and REFRESH_TTL must be positive")
	}
	if c.RefreshTTL < c.AccessTTL {
		return nil, errors.New("REFRESH_TTL must not be shorter than ACCESS_TTL")
	}

	if c.BcryptCost, err = getint("BCRYPT_COST", password.DefaultCost); err != nil {
		return nil, err
	}
	if _, err := password.NewHasher(c.BcryptCost); err != nil {
		return nil, fmt.Errorf("invalid BCRYPT_COST: %w", err)
	}
	if c.PasswordMinLength, err = getint("PASSWORD_MIN_LENGTH", 8); err != nil {
		return nil, err
	}
	if _, err := password.NewPolicy(c.PasswordRules, c.PasswordMinLength); err != nil {
		return nil, fmt.Errorf("invalid PASSWORD_RULES: %w", err)
	}

	if c.RateLimits, err = ratelimit.ParsePolicy(getenv("RATE_LIMITS", ratelimit.DefaultPolicy().String())); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMITS: %w", err)
	}
	switch c.RateLimitBackend {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("unsupported RATE_LIMIT_BACKEND: %s (supported: memory, redis)", c.RateLimitBackend)
	}
	if c.RedisDB, err = getint("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if c.GlobalRatePerMinute, err = getint("GLOBAL_RATE_PER_MINUTE", 120); err != nil {
		return nil, err
	}

	if c.CookieSecure, err = getbool("COOKIE_SECURE", c.Production()); err != nil {
		return nil, err
	}
	if c.CookieSameSite, err = parseSameSite(getenv("COOKIE_SAMESITE", "strict")); err != nil {
		return nil, err
	}
	if c.CookieSameSite == http.SameSiteNoneMode && !c.CookieSecure {
		return nil, errors.New("COOKIE_SAMESITE=none requires COOKIE_SECURE=true")
	}
	if c.TrustProxy, err = getbool("TRUST_PROXY", false); err != nil {
		return nil, err
	}

	if c.AuditBuffer, err = getint("AUDIT_BUFFER", 1024); err != nil {
		return nil, err
	}
	if c.PurgeInterval, err = getduration("PURGE_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if c.PurgeInterval <= 0 {
		return nil, errors.New("PURGE_INTERVAL must be positive")
	}

	return c, nil
}
