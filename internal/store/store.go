// Package store persists users and refresh-token records for the session engine.
//
// Refresh tokens are only ever stored and looked up by hash. Every backend
// (memory, SQLite, PostgreSQL) implements the same Store contract, including the
// atomic revoke-and-replace used by token rotation.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateEmail is returned by CreateUser when the normalized email is taken.
	ErrDuplicateEmail = errors.New("store: duplicate email")
	// ErrTokenRevoked is returned by RotateRefreshToken when the token being
	// replaced was revoked by a concurrent caller. Nothing is inserted.
	ErrTokenRevoked = errors.New("store: refresh token already revoked")
	// ErrUnavailable marks transient backend failures (connection loss, busy database).
	ErrUnavailable = errors.New("store: backend unavailable")
)

// User is a registered account.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TokenMetadata is recorded alongside a refresh token for auditing only.
type TokenMetadata struct {
	UserAgent string
	IPAddress string
}

// RefreshToken is the persisted record of an issued refresh token.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	UserAgent string
	IPAddress string
	CreatedAt time.Time
}

// Revoked reports whether the token has been revoked.
func (t *RefreshToken) Revoked() bool { return t.RevokedAt != nil }

// Expired reports whether the token is no longer usable at now. There is no
// leeway: a token is expired from the second its expires_at is reached.
func (t *RefreshToken) Expired(now time.Time) bool { return !t.ExpiresAt.After(now) }

// Store is the capability set the session engine needs from persistence.
//
// Lookups that find nothing return (nil, nil).
type Store interface {
	CreateUser(ctx context.Context, email, passwordHash string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindUserByID(ctx context.Context, id string) (*User, error)

	CreateRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time, meta TokenMetadata) (*RefreshToken, error)
	FindRefreshTokenByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// RevokeRefreshToken marks the token revoked. Revoking an already revoked
	// or unknown token is not an error.
	RevokeRefreshToken(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID string) error
	// RotateRefreshToken revokes oldID and inserts its replacement for the same
	// user in one transaction. If oldID is already revoked it returns
	// ErrTokenRevoked and leaves the store unchanged.
	RotateRefreshToken(ctx context.Context, oldID, newHash string, expiresAt time.Time, meta TokenMetadata) (*RefreshToken, error)
	// PurgeExpired deletes refresh tokens that expired before the cut-off.
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

func unixTime(sec int64) time.Time { return time.Unix(sec, 0).UTC() }
