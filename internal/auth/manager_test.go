package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/irisanalysis/datalab0826-sub001/internal/audit"
	"github.com/irisanalysis/datalab0826-sub001/internal/password"
	"github.com/irisanalysis/datalab0826-sub001/internal/store"
	"github.com/irisanalysis/datalab0826-sub001/internal/token"
)

const (
	testEmail    = "a@x.com"
	testPassword = "Passw0rd!"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// countingHasher records every hash Verify is asked to compare against.
type countingHasher struct {
	*password.Hasher
	mu       sync.Mutex
	verified []string
}

func (h *countingHasher) Verify(plain, hash string) bool {
	h.mu.Lock()
	h.verified = append(h.verified, hash)
	h.mu.Unlock()
	return h.Hasher.Verify(plain, hash)
}

func (h *countingHasher) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.verified...)
}

// flakyStore fails every call with ErrUnavailable while down is set.
type flakyStore struct {
	store.Store
	down atomic.Bool
}

func (s *flakyStore) FindUserByEmail(ctx context.Context, email string) (*store.User, error) {
	if s.down.Load() {
		return nil, store.ErrUnavailable
	}
	return s.Store.FindUserByEmail(ctx, email)
}

func (s *flakyStore) CreateUser(ctx context.Context, email, hash string) (*store.User, error) {
	if s.down.Load() {
		return nil, store.ErrUnavailable
	}
	return s.Store.CreateUser(ctx, email, hash)
}

func (s *flakyStore) FindRefreshTokenByHash(ctx context.Context, h string) (*store.RefreshToken, error) {
	if s.down.Load() {
		return nil, store.ErrUnavailable
	}
	return s.Store.FindRefreshTokenByHash(ctx, h)
}

type fixture struct {
	m      *Manager
	db     *flakyStore
	hasher *countingHasher
	clock  *clock
	audit  *audit.Recorder
}

func newFixture(t *testing.T, cost int) *fixture {
	t.Helper()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	h, err := password.NewHasher(cost)
	require.NoError(t, err)
	codec, err := token.NewCodec([]byte("0123456789abcdef0123456789abcdef"), token.WithClock(clk.now))
	require.NoError(t, err)
	policy, err := password.NewPolicy(password.DefaultRules, 8)
	require.NoError(t, err)

	f := &fixture{
		db:     &flakyStore{Store: store.NewMemoryDB()},
		hasher: &countingHasher{Hasher: h},
		clock:  clk,
		audit:  &audit.Recorder{},
	}
	f.m, err = New(Config{AccessTTL: 15 * time.Minute, RefreshTTL: 24 * time.Hour},
		f.db, f.hasher, codec, policy, f.audit, WithClock(clk.now))
	require.NoError(t, err)
	return f
}

func (f *fixture) login(t *testing.T) *Session {
	t.Helper()
	ctx := context.Background()
	_, err := f.m.Register(ctx, testEmail, testPassword, ClientMeta{})
	require.NoError(t, err)
	sess, err := f.m.Login(ctx, testEmail, testPassword, ClientMeta{IP: "10.0.0.1", UserAgent: "test"})
	require.NoError(t, err)
	return sess
}

func TestRegisterThenLogin(t *testing.T) {
	f := newFixture(t, bcrypt.MinCost)
	ctx := context.Background()

	p, err := f.m.Register(ctx, "  Alice@Example.COM ", testPassword, ClientMeta{})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", p.Email)
	assert.NotEmpty(t, p.ID)

	sess, err := f.m.Login(ctx, "alice@example.com", testPassword, ClientMeta{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", sess.TokenType)
	assert.Equal(t, int64(900), sess.ExpiresIn)
	require.NotNil(t, sess.User)
	assert.Equal(t, p.ID, sess.User.ID)

	claims, err := f.m.VerifyAccess(sess.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, p.ID, claims.Subject)

	// only the hash of the refresh token is stored
	rec, err := f.db.FindRefreshTokenByHash(ctx, token.HashRefreshToken(sess.RefreshToken))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotEqual(t, sess.RefreshToken, rec.TokenHash)

	assert.Len(t, f.audit.OfType(audit.Register), 1)
	assert.Len(t, f.audit.OfType(audit.LoginSuccess), 1)
}

func TestRegisterDuplicateEmailAnyCase(t *testing.T) {
	f := newFixture(t, bcrypt.MinCost)
	ctx := context.Background()

	_, err := f.m.Register(ctx, testEmail, testPassword, ClientMeta{})
	require.NoError(t, err)

	_, err = f.m.Register(ctx, "A@x.com", testPassword, ClientMeta{})
	require.ErrorIs(t, err, ErrDuplicateEmail)
	assert.Equal(t, KindDuplicateEmail, KindOf(err))

	events := f.audit.OfType(audit.Register)
	require.Len(t, events, 2)
	assert.Equal(t, audit.Failure, events[1].Outcome)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t, bcrypt.MinCost)
	ctx := context.Background()

	_, err := f.m.Register(ctx, testEmail, "password", ClientMeta{})
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindValidation, e.Kind)
	assert.Equal(t, "password must contain an uppercase letter", e.Error())
	require.Len(t, e.Fields, 2)
	assert.Equal(t, "upper", e.Fields[0].Rule)
	assert.Equal(t, "digit", e.Fields[1].Rule)

	_, err = f.m.Register(ctx, "not-an-email", "abc", ClientMeta{})
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "email", e.Fields[0].Field)
	assert.Equal(t, "email is not a valid address", e.Error())
	assert.Greater(t, len(e.Fields), 1)

	_, err = f.m.Register(ctx, testEmail, "Aa1"+strings.Repeat("x", 80), ClientMeta{})
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "max_bytes", e.Fields[0].Rule)

	_, err = f.m.Register(ctx, testEmail, "Aa1"+strings.Repeat("x", 200), ClientMeta{})
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "max", e.Fields[0].Rule)

	_, err = f.m.Register(ctx, "", "", ClientMeta{})
	require.ErrorAs(t, err, &e)
	require.Len(t, e.Fields, 2)
	assert.Equal(t, "required", e.Fields[0].Rule)
	assert.Equal(t, "required", e.Fields[1].Rule)

	hashed, err := bcrypt.GenerateFromPassword([]byte("Xx1xxxxxxx"), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = f.m.Register(ctx, testEmail, string(hashed), ClientMeta{})
	require.ErrorIs(t, err, ErrValidation)

	u, err := f.db.FindUserByEmail(ctx, testEmail)
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "josé@x.com", NormalizeEmail(" José@X.com\t"))
	assert.Equal(t, NormalizeEmail("JOSÉ@x.com"), NormalizeEmail("josé@x.com"))
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t, bcrypt.MinCost)
	ctx := context.Background()
	_, err := f.m.Register(ctx, testEmail, testPassword, ClientMeta{})
	require.NoError(t, err)
	before := len(f.hasher.calls())

	_, errUnknown := f.m.Login(ctx, "nobody@x.com", testPassword, ClientMeta{})
	_, errWrong := f.m.Login(ctx, testEmail, "Wr0ngPassword", ClientMeta{})

	require.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	require.ErrorIs(t, errWrong, ErrInvalidCredentials)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())

	// both paths run exactly one bcrypt comparison at the same cost
	calls := f.hasher.calls()[before:]
	require.Len(t, calls, 2)
	costUnknown, err := bcrypt.Cost([]byte(calls[0]))
	require.NoError(t, err)
	costWrong, err := bcrypt.Cost([]byte(calls[1]))
	require.NoError(t, err)
	assert.Equal(t, costWrong, costUnknown)

	failures := f.audit.OfType(audit.LoginFailure)
	require.Len(t, failures, 2)
	assert.Equal(t, "unknown_email", failures[0].Reason)
	assert.Equal(t, "wrong_password", failures[1].Reason)
}

func TestLoginTimingIsEqualized(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	f := newFixture(t, bcrypt.MinCost+4)
	ctx := context.Background()
	_, err := f.m.Register(ctx, testEmail, testPassword, ClientMeta{})
	require.NoError(t, err)

	measure := func(email string) time.Duration {
		start := time.Now()
		for i := 0; i < 5; i++ {
			_, err := f.m.Login(ctx, email, "Wr0ngPassword", ClientMeta{})
			require.ErrorIs(t, err, ErrInvalidCredentials)
		}
		return time.Since(start)
	}
	unknown := measure("nobody@x.com")
	wrong := measure(testEmail)

	ratio := float64(unknown) / float64(wrong)
	assert.True(t, ratio > 0.33 && ratio < 3, "unknown=%s wrong=%s", unknown, wrong)
}

func TestRefreshRotatesAndDetectsReplay(t *testing.T) {
	f := newFixture(t, bcrypt.MinCost)
	ctx := context.Background()
	first := f.login(t)

	second, err := f.m.Refresh(ctx, first.RefreshToken, ClientMeta{})
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	_, err = f.m.VerifyAccess(second.AccessToken)
	require.NoError(t, err)

	// reuse of the consumed token
	_, err = f.m.Refresh(ctx, first.RefreshToken, ClientMeta{})
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, KindTokenReplay, KindOf(err))
	assert.Equal(t, "invalid or expired token", err.Error())

	// the replay took the legitimate lineage down with it
	_, err = f.m.Refresh(ctx, second.RefreshToken, ClientMeta{})
	require.ErrorIs(t, err, ErrInvalidToken)

	replays := f.audit.OfType(audit.TokenReplayDetected)
	require.NotEmpty(t, replays)
	assert.Equal(t, audit.Security, replays[0].Severity)
	assert.Len(t, f.audit.OfType(audit.TokenRefreshed), 1)
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	f := newFixture(t, bcrypt.MinCost)
	ctx := context.Background()
	sess := f.login(t)

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*Session
		losers  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := f.m.Refresh(ctx, sess.RefreshToken, ClientMeta{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, s)
				return
			}
			if errors.Is(err, ErrInvalidToken) {
				losers++
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, losers)

	_, err := f.m.Refresh(ctx, winners[0].RefreshToken, ClientMeta{})
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.NotEmpty(t, f.audit.OfType(audit.TokenReplayDetected))
}

func TestRefreshExpired(t *testing.T) {
	f := newFixture(t, bcrypt.MinCost)
	ctx := context.Background()
	sess := f.login(t)

	f.clock.advance(24 * time.Hour)
	_, err := f.m.Refresh(ctx, sess.RefreshToken, ClientMeta{})
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, token.ErrExpired)
	assert.Len(t, f.audit.OfType(audit.TokenExpired), 1)
	assert.Empty(t, f.audit.OfType(audit.TokenReplayDetected))
}

func TestRefreshUnknownToken(t *testing.T) {
	f := newFixture(t, bcrypt.MinCost)
	for _, raw := range []string{"", "garbage", strings.Repeat("A", 43)} {
		_, err := f.m.Refresh(context.Background(), raw, ClientMeta{})
		require.ErrorIs(t, err, ErrInvalidToken)
		assert.Equal(t, KindInvalidToken, KindOf(err))
	}
	assert.Len(t, f.audit.OfType(audit.TokenInvalid), 3)
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t, bcrypt.MinCost)
	ctx := context.Background()
	sess := f.login(t)

	require.NoError(t, f.m.Logout(ctx, sess.RefreshToken, ClientMeta{}))
	require.NoError(t, f.m.Logout(ctx, sess.RefreshToken, ClientMeta{}))
	require.NoError(t, f.m.Logout(ctx, "never-issued", ClientMeta{}))
	require.NoError(t, f.m.Logout(ctx, "", ClientMeta{}))
	assert.Len(t, f.audit.OfType(audit.Logout), 4)

	rec, err := f.db.FindRefreshTokenByHash(ctx, token.HashRefreshToken(sess.RefreshToken))
	require.NoError(t, err)
	assert.True(t, rec.Revoked())
}

func TestVerifyAccess(t *testing.T) {
	f := newFixture(t, bcrypt.MinCost)
	sess := f.login(t)

	_, err := f.m.VerifyAccess(sess.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, token.ErrMalformed)

	forger, err := token.NewCodec([]byte("some-other-secret-some-other-secret"), token.WithClock(f.clock.now))
	require.NoError(t, err)
	forged, err := forger.Issue(token.Claims{Type: token.TypeAccess, RegisteredClaims: subject(sess.User.ID)}, time.Hour)
	require.NoError(t, err)
	require.NotPanics(t, func() { _, err = f.m.VerifyAccess(forged) })
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, token.ErrMalformed)

	f.clock.advance(15 * time.Minute)
	_, err = f.m.VerifyAccess(sess.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, token.ErrExpired)
}

func TestCurrentUser(t *testing.T) {
	f := newFixture(t, bcrypt.MinCost)
	sess := f.login(t)

	p, err := f.m.CurrentUser(context.Background(), sess.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testEmail, p.Email)

	_, err = f.m.CurrentUser(context.Background(), "nope")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestIntrospect(t *testing.T) {
	f := newFixture(t, bcrypt.MinCost)
	ctx := context.Background()
	sess := f.login(t)

	in, err := f.m.Introspect(ctx, sess.AccessToken)
	require.NoError(t, err)
	assert.True(t, in.Active)
	assert.Equal(t, token.TypeAccess, in.Type)
	assert.Equal(t, sess.User.ID, in.Subject)

	in, err = f.m.Introspect(ctx, sess.RefreshToken)
	require.NoError(t, err)
	assert.True(t, in.Active)
	assert.Equal(t, token.TypeRefresh, in.Type)
	assert.Equal(t, sess.RefreshExpiresAt.Unix(), in.ExpiresAt)

	for _, raw := range []string{"", "a.b.c", "unknown"} {
		in, err = f.m.Introspect(ctx, raw)
		require.NoError(t, err)
		assert.False(t, in.Active)
	}

	require.NoError(t, f.m.Logout(ctx, sess.RefreshToken, ClientMeta{}))
	in, err = f.m.Introspect(ctx, sess.RefreshToken)
	require.NoError(t, err)
	assert.False(t, in.Active)
}

func TestTransientStoreFailures(t *testing.T) {
	f := newFixture(t, bcrypt.MinCost)
	ctx := context.Background()
	f.db.down.Store(true)

	_, err := f.m.Register(ctx, testEmail, testPassword, ClientMeta{})
	require.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, store.ErrUnavailable)

	_, err = f.m.Login(ctx, testEmail, testPassword, ClientMeta{})
	require.ErrorIs(t, err, ErrTransient)

	_, err = f.m.Refresh(ctx, "whatever", ClientMeta{})
	require.ErrorIs(t, err, ErrTransient)

	require.ErrorIs(t, f.m.Logout(ctx, "whatever", ClientMeta{}), ErrTransient)

	_, err = f.m.Introspect(ctx, "whatever")
	require.ErrorIs(t, err, ErrTransient)
}

func TestClientMetaIsTruncated(t *testing.T) {
	f := newFixture(t, bcrypt.MinCost)
	ctx := context.Background()
	_, err := f.m.Register(ctx, testEmail, testPassword, ClientMeta{})
	require.NoError(t, err)

	meta := ClientMeta{IP: strings.Repeat("1", 100), UserAgent: strings.Repeat("é", 2000)}
	sess, err := f.m.Login(ctx, testEmail, testPassword, meta)
	require.NoError(t, err)

	rec, err := f.db.FindRefreshTokenByHash(ctx, token.HashRefreshToken(sess.RefreshToken))
	require.NoError(t, err)
	assert.Len(t, rec.IPAddress, maxIPLen)
	assert.Equal(t, maxUserAgentLen, len([]rune(rec.UserAgent)))
}

func TestErrorKinds(t *testing.T) {
	replay := newError(KindTokenReplay, errors.New("x"))
	assert.ErrorIs(t, replay, ErrInvalidToken)
	assert.ErrorIs(t, replay, ErrTokenReplay)
	assert.NotErrorIs(t, newError(KindInvalidToken, nil), ErrTokenReplay)
	assert.NotErrorIs(t, ErrForbidden, ErrInvalidToken)
	assert.Equal(t, KindInternal, KindOf(errors.New("foreign")))
	assert.Equal(t, KindInvalidToken, KindTokenReplay.Public())
	assert.Equal(t, "forbidden", Forbidden(errors.New("missing header")).Error())
	assert.Equal(t, "rate_limited: window full", RateLimited(errors.New("window full")).Reason())
	assert.ErrorIs(t, RateLimited(nil), ErrRateLimited)
	assert.NotErrorIs(t, RateLimited(nil), ErrTransient)

	var m Manager
	assert.ErrorIs(t, m.storeError(errors.New("constraint violated")), ErrInternal)
	assert.ErrorIs(t, m.storeError(store.ErrUnavailable), ErrTransient)
	assert.ErrorIs(t, m.storeError(context.DeadlineExceeded), ErrTransient)
}
