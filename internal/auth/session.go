package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/irisanalysis/datalab0826-sub001/internal/audit"
	"github.com/irisanalysis/datalab0826-sub001/internal/store"
	"github.com/irisanalysis/datalab0826-sub001/internal/token"
)

func subject(userID string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: userID}
}

// Refresh consumes a refresh token and returns a new pair. A token may be used
// once: presenting a revoked token, or losing a concurrent rotation, is
// treated as theft and revokes every token of the user.
func (m *Manager) Refresh(ctx context.Context, raw string, meta ClientMeta) (*Session, error) {
	meta = meta.clean()
	ev := audit.Event{Type: audit.TokenInvalid}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		m.fail(ctx, ev, meta, audit.Info, "missing refresh token")
		return nil, newError(KindInvalidToken, errors.New("missing refresh token"))
	}

	rec, err := m.store.FindRefreshTokenByHash(ctx, token.HashRefreshToken(raw))
	if err != nil {
		e := m.storeError(err)
		m.fail(ctx, ev, meta, audit.Warning, e.Reason())
		return nil, e
	}
	if rec == nil {
		m.fail(ctx, ev, meta, audit.Warning, "unknown refresh token")
		return nil, newError(KindInvalidToken, errors.New("unknown refresh token"))
	}
	ev.UserID = rec.UserID

	if rec.Revoked() {
		return nil, m.replay(ctx, rec, meta, "revoked refresh token presented")
	}
	if rec.Expired(m.now()) {
		ev.Type = audit.TokenExpired
		m.fail(ctx, ev, meta, audit.Info, "refresh token expired")
		return nil, newError(KindInvalidToken, token.ErrExpired)
	}

	sess, err := m.newPair(rec.UserID)
	if err != nil {
		e := asError(err)
		m.fail(ctx, ev, meta, audit.Warning, e.Reason())
		return nil, e
	}
	_, err = m.store.RotateRefreshToken(ctx, rec.ID, token.HashRefreshToken(sess.RefreshToken), sess.RefreshExpiresAt, meta.tokenMeta())
	if errors.Is(err, store.ErrTokenRevoked) {
		return nil, m.replay(ctx, rec, meta, "concurrent rotation of the same refresh token")
	}
	if err != nil {
		e := m.storeError(err)
		m.fail(ctx, ev, meta, audit.Warning, e.Reason())
		return nil, e
	}

	ev.Type = audit.TokenRefreshed
	m.succeed(ctx, ev, meta)
	return sess, nil
}

// replay revokes every token of the user owning rec. The caller sees an
// ordinary invalid-token error unless the revocation itself failed.
func (m *Manager) replay(ctx context.Context, rec *store.RefreshToken, meta ClientMeta, why string) error {
	ev := audit.Event{Type: audit.TokenReplayDetected, UserID: rec.UserID}
	if err := m.store.RevokeAllForUser(ctx, rec.UserID); err != nil {
		e := m.storeError(err)
		m.fail(ctx, ev, meta, audit.Security, why+"; revoke all failed: "+e.Reason())
		return e
	}
	m.fail(ctx, ev, meta, audit.Security, why+"; all sessions revoked")
	return newError(KindTokenReplay, errors.New(why))
}

// Logout revokes the refresh token if it exists. Unknown, empty and already
// revoked tokens are not errors.
func (m *Manager) Logout(ctx context.Context, raw string, meta ClientMeta) error {
	meta = meta.clean()
	ev := audit.Event{Type: audit.Logout}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		m.succeed(ctx, ev, meta)
		return nil
	}
	rec, err := m.store.FindRefreshTokenByHash(ctx, token.HashRefreshToken(raw))
	if err != nil {
		e := m.storeError(err)
		m.fail(ctx, ev, meta, audit.Warning, e.Reason())
		return e
	}
	if rec != nil {
		ev.UserID = rec.UserID
		if !rec.Revoked() {
			if err := m.store.RevokeRefreshToken(ctx, rec.ID); err != nil {
				e := m.storeError(err)
				m.fail(ctx, ev, meta, audit.Warning, e.Reason())
				return e
			}
		}
	}
	m.succeed(ctx, ev, meta)
	return nil
}

// VerifyAccess checks an access token without any I/O. The returned error
// wraps token.ErrExpired, token.ErrMalformed or token.ErrWrongType.
func (m *Manager) VerifyAccess(raw string) (*token.Claims, error) {
	claims, err := m.codec.Verify(raw, token.TypeAccess)
	if err != nil {
		return nil, newError(KindInvalidToken, err)
	}
	return claims, nil
}

// CurrentUser resolves an access token to the profile of its subject.
func (m *Manager) CurrentUser(ctx context.Context, raw string) (*Profile, error) {
	claims, err := m.VerifyAccess(raw)
	if err != nil {
		return nil, err
	}
	u, err := m.store.FindUserByID(ctx, claims.Subject)
	if err != nil {
		return nil, m.storeError(err)
	}
	if u == nil {
		return nil, newError(KindInvalidToken, errors.New("subject no longer exists"))
	}
	return profileOf(u), nil
}

// Introspection reports whether a token is currently usable.
type Introspection struct {
	Active    bool       `json:"active"`
	Type      token.Type `json:"token_type,omitempty"`
	Subject   string     `json:"sub,omitempty"`
	ExpiresAt int64      `json:"exp,omitempty"`
}

// Introspect accepts an access token or a refresh token. Bad input yields an
// inactive result; only store failures are returned as errors.
func (m *Manager) Introspect(ctx context.Context, raw string) (*Introspection, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &Introspection{}, nil
	}
	if strings.Count(raw, ".") == 2 {
		claims, err := m.codec.Verify(raw, token.TypeAccess)
		if err != nil {
			return &Introspection{}, nil
		}
		return &Introspection{
			Active:    true,
			Type:      token.TypeAccess,
			Subject:   claims.Subject,
			ExpiresAt: claims.ExpiresAt.Unix(),
		}, nil
	}

	rec, err := m.store.FindRefreshTokenByHash(ctx, token.HashRefreshToken(raw))
	if err != nil {
		return nil, m.storeError(err)
	}
	if rec == nil || rec.Revoked() || rec.Expired(m.now()) {
		return &Introspection{}, nil
	}
	return &Introspection{
		Active:    true,
		Type:      token.TypeRefresh,
		Subject:   rec.UserID,
		ExpiresAt: rec.ExpiresAt.Unix(),
	}, nil
}
