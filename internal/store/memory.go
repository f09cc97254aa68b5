package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemDB keeps everything in process memory. It is safe for concurrent use and
// is intended for tests and single-node development.
type MemDB struct {
	mu     sync.Mutex
	users  map[string]*User // by email
	byID   map[string]*User
	tokens map[string]*RefreshToken // by id
	hashes map[string]string        // token hash -> id
	now    func() time.Time
}

func NewMemoryDB() *MemDB {
	return &MemDB{
		users:  map[string]*User{},
		byID:   map[string]*User{},
		tokens: map[string]*RefreshToken{},
		hashes: map[string]string{},
		now:    time.Now,
	}
}

func (m *MemDB) CreateUser(_ context.Context, email, passwordHash string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[email]; ok {
		return nil, ErrDuplicateEmail
	}
	now := unixTime(m.now().Unix())
	u := &User{ID: uuid.NewString(), Email: email, PasswordHash: passwordHash, CreatedAt: now, UpdatedAt: now}
	m.users[email] = u
	m.byID[u.ID] = u
	cp := *u
	return &cp, nil
}

func (m *MemDB) FindUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[email]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *MemDB) FindUserByID(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *MemDB) CreateRefreshToken(_ context.Context, userID, tokenHash string, expiresAt time.Time, meta TokenMetadata) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(userID, tokenHash, expiresAt, meta), nil
}

func (m *MemDB) insertLocked(userID, tokenHash string, expiresAt time.Time, meta TokenMetadata) *RefreshToken {
	t := &RefreshToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: unixTime(expiresAt.Unix()),
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
		CreatedAt: unixTime(m.now().Unix()),
	}
	m.tokens[t.ID] = t
	m.hashes[tokenHash] = t.ID
	return copyToken(t)
}

func (m *MemDB) FindRefreshTokenByHash(_ context.Context, tokenHash string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.hashes[tokenHash]
	if !ok {
		return nil, nil
	}
	return copyToken(m.tokens[id]), nil
}

func (m *MemDB) RevokeRefreshToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[id]; ok && t.RevokedAt == nil {
		now := unixTime(m.now().Unix())
		t.RevokedAt = &now
	}
	return nil
}

func (m *MemDB) RevokeAllForUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := unixTime(m.now().Unix())
	for _, t := range m.tokens {
		if t.UserID == userID && t.RevokedAt == nil {
			revoked := now
			t.RevokedAt = &revoked
		}
	}
	return nil
}

func (m *MemDB) RotateRefreshToken(_ context.Context, oldID, newHash string, expiresAt time.Time, meta TokenMetadata) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.tokens[oldID]
	if !ok || old.RevokedAt != nil {
		return nil, ErrTokenRevoked
	}
	now := unixTime(m.now().Unix())
	old.RevokedAt = &now
	return m.insertLocked(old.UserID, newHash, expiresAt, meta), nil
}

func (m *MemDB) PurgeExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tokens {
		if t.ExpiresAt.Before(before) {
			delete(m.tokens, id)
			delete(m.hashes, t.TokenHash)
			n++
		}
	}
	return n, nil
}

func (m *MemDB) Ping(context.Context) error { return nil }
func (m *MemDB) Close() error               { return nil }

func copyToken(t *RefreshToken) *RefreshToken {
	cp := *t
	if t.RevokedAt != nil {
		r := *t.RevokedAt
		cp.RevokedAt = &r
	}
	return &cp
}
