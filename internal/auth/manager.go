// Package auth is the session engine: registration, login, refresh-token
// rotation with replay detection, logout and access-token verification.
//
// Every operation returns either a result or an *Error whose Kind is one of
// the taxonomy in errors.go. Client-facing messages are generic; the specific
// classification goes to the audit sink only.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/irisanalysis/datalab0826-sub001/internal/audit"
	"github.com/irisanalysis/datalab0826-sub001/internal/password"
	"github.com/irisanalysis/datalab0826-sub001/internal/store"
	"github.com/irisanalysis/datalab0826-sub001/internal/token"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour

	maxEmailLen     = 255
	maxPasswordLen  = 128
	maxIPLen        = 45
	maxUserAgentLen = 512
)

// Config is fixed for the lifetime of a Manager.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// PasswordHasher is satisfied by *password.Hasher.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	Verify(plain, hash string) bool
}

// ClientMeta describes the caller. It is recorded with refresh tokens and
// audit events and never used for authorization.
type ClientMeta struct {
	IP        string
	UserAgent string
	Route     string
}

func (c ClientMeta) clean() ClientMeta {
	c.IP = truncate(strings.TrimSpace(c.IP), maxIPLen)
	c.UserAgent = truncate(c.UserAgent, maxUserAgentLen)
	return c
}

func (c ClientMeta) tokenMeta() store.TokenMetadata {
	return store.TokenMetadata{UserAgent: c.UserAgent, IPAddress: c.IP}
}

// Profile is the minimal user view returned to clients.
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func profileOf(u *store.User) *Profile {
	return &Profile{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt}
}

// Session is a freshly issued token pair.
type Session struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	AccessExpiresAt  time.Time `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
	User             *Profile  `json:"user,omitempty"`
}

type Manager struct {
	cfg       Config
	store     store.Store
	hasher    PasswordHasher
	codec     *token.Codec
	policy    password.Policy
	audit     audit.Sink
	validate  *validator.Validate
	dummyHash string
	now       func() time.Time
}

type Option func(*Manager)

// WithClock replaces time.Now for expiry decisions and audit timestamps.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// New builds a Manager. It hashes a random password once so that logins for
// unknown emails cost the same as logins with a wrong password.
func New(cfg Config, st store.Store, h PasswordHasher, codec *token.Codec, policy password.Policy, sink audit.Sink, opts ...Option) (*Manager, error) {
	if st == nil || h == nil || codec == nil {
		return nil, errors.New("auth: store, hasher and codec are required")
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.AccessTTL < 0 || cfg.RefreshTTL < 0 {
		return nil, fmt.Errorf("auth: negative ttl (access %s, refresh %s)", cfg.AccessTTL, cfg.RefreshTTL)
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	m := &Manager{
		cfg:      cfg,
		store:    st,
		hasher:   h,
		codec:    codec,
		policy:   policy,
		audit:    sink,
		validate: validator.New(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	dummy, err := h.Hash(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("auth: dummy hash: %w", err)
	}
	m.dummyHash = dummy
	return m, nil
}

// NormalizeEmail trims, applies Unicode NFC and lowercases.
func NormalizeEmail(s string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(s)))
}

type credentials struct {
	Email    string `validate:"required,email,max=255"`
	Password string `validate:"required,max=128"`
}

var fieldMessages = map[string]string{
	"Email.required":    "email is required",
	"Email.email":       "email is not a valid address",
	"Email.max":         fmt.Sprintf("email must be at most %d characters", maxEmailLen),
	"Password.required": "password is required",
	"Password.max":      fmt.Sprintf("password must be at most %d characters", maxPasswordLen),
}

// checkRegistration returns every shape and policy failure, email first,
// then password rules in policy order.
func (m *Manager) checkRegistration(email, plain string) []FieldError {
	var out []FieldError
	if err := m.validate.Struct(credentials{Email: email, Password: plain}); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []FieldError{{Field: "input", Rule: "invalid", Message: err.Error()}}
		}
		for _, fe := range verrs {
			msg, ok := fieldMessages[fe.Field()+"."+fe.Tag()]
			if !ok {
				msg = strings.ToLower(fe.Field()) + " is invalid"
			}
			out = append(out, FieldError{Field: strings.ToLower(fe.Field()), Rule: fe.Tag(), Message: msg})
		}
	}
	if plain == "" {
		return out
	}
	for _, v := range m.policy.Validate(plain) {
		out = append(out, FieldError{Field: "password", Rule: v.Rule, Message: v.Message})
	}
	return out
}

// Register creates an account. It does not log the user in.
func (m *Manager) Register(ctx context.Context, email, plain string, meta ClientMeta) (*Profile, error) {
	meta = meta.clean()
	email = NormalizeEmail(email)
	ev := audit.Event{Type: audit.Register, Email: truncate(email, maxEmailLen)}

	if fields := m.checkRegistration(email, plain); len(fields) > 0 {
		err := &Error{Kind: KindValidation, Message: fields[0].Message, Fields: fields}
		m.fail(ctx, ev, meta, audit.Info, fields[0].Field+"."+fields[0].Rule)
		return nil, err
	}

	hash, err := m.hasher.Hash(plain)
	if errors.Is(err, password.ErrAlreadyHashed) {
		fe := FieldError{Field: "password", Rule: "not_hashed", Message: "password must not be a password hash"}
		m.fail(ctx, ev, meta, audit.Info, "password.not_hashed")
		return nil, &Error{Kind: KindValidation, Message: fe.Message, Fields: []FieldError{fe}}
	}
	if err != nil {
		e := newError(KindInternal, err)
		m.fail(ctx, ev, meta, audit.Warning, e.Reason())
		return nil, e
	}

	u, err := m.store.CreateUser(ctx, email, hash)
	if err != nil {
		e := m.storeError(err)
		if errors.Is(err, store.ErrDuplicateEmail) {
			e = newError(KindDuplicateEmail, err)
		}
		m.fail(ctx, ev, meta, audit.Info, e.Reason())
		return nil, e
	}

	ev.UserID = u.ID
	m.succeed(ctx, ev, meta)
	return profileOf(u), nil
}

// Login exchanges credentials for a session. Unknown email and wrong password
// are indistinguishable to the caller, in result and in cost.
func (m *Manager) Login(ctx context.Context, email, plain string, meta ClientMeta) (*Session, error) {
	meta = meta.clean()
	email = NormalizeEmail(email)
	ev := audit.Event{Type: audit.LoginFailure, Email: truncate(email, maxEmailLen)}

	u, err := m.store.FindUserByEmail(ctx, email)
	if err != nil {
		e := m.storeError(err)
		m.fail(ctx, ev, meta, audit.Warning, e.Reason())
		return nil, e
	}

	hash := m.dummyHash
	if u != nil {
		hash = u.PasswordHash
	}
	ok := m.hasher.Verify(plain, hash)
	switch {
	case u == nil:
		m.fail(ctx, ev, meta, audit.Warning, "unknown_email")
		return nil, newError(KindInvalidCredentials, errors.New("unknown email"))
	case !ok:
		ev.UserID = u.ID
		m.fail(ctx, ev, meta, audit.Warning, "wrong_password")
		return nil, newError(KindInvalidCredentials, errors.New("wrong password"))
	}

	ev.UserID = u.ID
	sess, err := m.issueSession(ctx, u.ID, meta)
	if err != nil {
		e := asError(err)
		m.fail(ctx, ev, meta, audit.Warning, e.Reason())
		return nil, e
	}
	sess.User = profileOf(u)

	ev.Type = audit.LoginSuccess
	m.succeed(ctx, ev, meta)
	return sess, nil
}

// issueSession signs an access token and stores a new refresh token.
func (m *Manager) issueSession(ctx context.Context, userID string, meta ClientMeta) (*Session, error) {
	sess, err := m.newPair(userID)
	if err != nil {
		return nil, err
	}
	_, err = m.store.CreateRefreshToken(ctx, userID, token.HashRefreshToken(sess.RefreshToken), sess.RefreshExpiresAt, meta.tokenMeta())
	if err != nil {
		return nil, m.storeError(err)
	}
	return sess, nil
}

// newPair builds the tokens of a session without touching the store.
func (m *Manager) newPair(userID string) (*Session, error) {
	now := m.now()
	access, err := m.codec.Issue(token.Claims{Type: token.TypeAccess, RegisteredClaims: subject(userID)}, m.cfg.AccessTTL)
	if err != nil {
		return nil, newError(KindInternal, err)
	}
	refresh, err := token.NewRefreshToken()
	if err != nil {
		return nil, newError(KindInternal, err)
	}
	return &Session{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresIn:        int64(m.cfg.AccessTTL / time.Second),
		AccessExpiresAt:  now.Add(m.cfg.AccessTTL),
		RefreshExpiresAt: now.Add(m.cfg.RefreshTTL),
	}, nil
}

// storeError maps store failures onto the taxonomy.
func (m *Manager) storeError(err error) *Error {
	switch {
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return newError(KindTransient, err)
	default:
		return newError(KindInternal, err)
	}
}

func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(KindInternal, err)
}

func (m *Manager) succeed(ctx context.Context, ev audit.Event, meta ClientMeta) {
	ev.Outcome = audit.Success
	ev.Severity = audit.Info
	m.emit(ctx, ev, meta)
}

func (m *Manager) fail(ctx context.Context, ev audit.Event, meta ClientMeta, sev audit.Severity, reason string) {
	ev.Outcome = audit.Failure
	ev.Severity = sev
	ev.Reason = reason
	m.emit(ctx, ev, meta)
}

func (m *Manager) emit(ctx context.Context, ev audit.Event, meta ClientMeta) {
	ev.Time = m.now().UTC()
	ev.IP = meta.IP
	ev.UserAgent = meta.UserAgent
	ev.Route = meta.Route
	m.audit.Emit(ctx, ev)
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
