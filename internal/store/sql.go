package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	insertUser    string
	userByEmail   string
	userByID      string
	insertToken   string
	tokenByHash   string
	revokeToken   string
	revokeAll     string
	revokeRotated string // must return user_id of the revoked row
	purgeExpired  string
	// Row locks on the owning user, taken first by rotation and by revoke-all
	// so a revoke-all cannot miss a replacement inserted by a concurrent
	// rotation. Empty when the backend serializes writers itself.
	lockUser       string
	lockTokenOwner string
}

type dialect struct {
	queries
	isUnique    func(error) bool
	isTransient func(error) bool
}

// sqlStore implements Store over database/sql; the SQLite and PostgreSQL
// backends differ only in dialect.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	now func() time.Time
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqlStore) fail(op string, err error) error {
	if isTransient(err) || (s.d.isTransient != nil && s.d.isTransient(err)) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (s *sqlStore) CreateUser(ctx context.Context, email, passwordHash string) (*User, error) {
	now := s.now().Unix()
	u := &User{ID: uuid.NewString(), Email: email, PasswordHash: passwordHash, CreatedAt: unixTime(now), UpdatedAt: unixTime(now)}
	if _, err := s.db.ExecContext(ctx, s.d.insertUser, u.ID, u.Email, u.PasswordHash, now, now); err != nil {
		if s.d.isUnique(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, s.fail("create user", err)
	}
	return u, nil
}

func (s *sqlStore) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.findUser(ctx, "find user by email", s.d.userByEmail, email)
}

func (s *sqlStore) FindUserByID(ctx context.Context, id string) (*User, error) {
	return s.findUser(ctx, "find user by id", s.d.userByID, id)
}

func (s *sqlStore) findUser(ctx context.Context, op, query, arg string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, s.fail(op, err)
	}
	return u, nil
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var created, updated int64
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &created, &updated); err != nil {
		return nil, err
	}
	u.CreatedAt, u.UpdatedAt = unixTime(created), unixTime(updated)
	return &u, nil
}

func (s *sqlStore) CreateRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time, meta TokenMetadata) (*RefreshToken, error) {
	t, err := s.insertToken(ctx, s.db, userID, tokenHash, expiresAt, meta)
	if err != nil {
		return nil, s.fail("create refresh token", err)
	}
	return t, nil
}

func (s *sqlStore) insertToken(ctx context.Context, db dbtx, userID, tokenHash string, expiresAt time.Time, meta TokenMetadata) (*RefreshToken, error) {
	t := &RefreshToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: unixTime(expiresAt.Unix()),
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
		CreatedAt: unixTime(s.now().Unix()),
	}
	_, err := db.ExecContext(ctx, s.d.insertToken,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt.Unix(), t.UserAgent, t.IPAddress, t.CreatedAt.Unix())
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *sqlStore) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var t RefreshToken
	var expires, created int64
	var revoked sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.d.tokenByHash, tokenHash).
		Scan(&t.ID, &t.UserID, &t.TokenHash, &expires, &revoked, &t.UserAgent, &t.IPAddress, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, s.fail("find refresh token", err)
	}
	t.ExpiresAt, t.CreatedAt = unixTime(expires), unixTime(created)
	if revoked.Valid {
		r := unixTime(revoked.Int64)
		t.RevokedAt = &r
	}
	return &t, nil
}

func (s *sqlStore) RevokeRefreshToken(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.d.revokeToken, s.now().Unix(), id); err != nil {
		return s.fail("revoke refresh token", err)
	}
	return nil
}

func (s *sqlStore) RevokeAllForUser(ctx context.Context, userID string) error {
	if s.d.lockUser == "" {
		if _, err := s.db.ExecContext(ctx, s.d.revokeAll, s.now().Unix(), userID); err != nil {
			return s.fail("revoke user tokens", err)
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("begin revoke all", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var locked string
	if err := tx.QueryRowContext(ctx, s.d.lockUser, userID).Scan(&locked); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return s.fail("lock user", err)
	}
	if _, err := tx.ExecContext(ctx, s.d.revokeAll, s.now().Unix(), userID); err != nil {
		return s.fail("revoke user tokens", err)
	}
	if err := tx.Commit(); err != nil {
		return s.fail("commit revoke all", err)
	}
	return nil
}

func (s *sqlStore) RotateRefreshToken(ctx context.Context, oldID, newHash string, expiresAt time.Time, meta TokenMetadata) (*RefreshToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.fail("begin rotation", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if s.d.lockTokenOwner != "" {
		var owner string
		if err := tx.QueryRowContext(ctx, s.d.lockTokenOwner, oldID).Scan(&owner); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrTokenRevoked
			}
			return nil, s.fail("lock token owner", err)
		}
	}

	var userID string
	if err := tx.QueryRowContext(ctx, s.d.revokeRotated, s.now().Unix(), oldID).Scan(&userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenRevoked
		}
		return nil, s.fail("revoke rotated token", err)
	}
	t, err := s.insertToken(ctx, tx, userID, newHash, expiresAt, meta)
	if err != nil {
		return nil, s.fail("insert rotated token", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.fail("commit rotation", err)
	}
	return t, nil
}

func (s *sqlStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.d.purgeExpired, before.Unix())
	if err != nil {
		return 0, s.fail("purge expired tokens", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.fail("ping", err)
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }
