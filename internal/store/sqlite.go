package store

import (
	"database/sql"
	"errors"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteDB is the embedded single-node backend.
type SQLiteDB struct {
	*sqlStore
	path string
}

var sqliteDialect = dialect{
	queries: queries{
		insertUser:    `INSERT INTO users(id,email,password_hash,created_at,updated_at) VALUES(?,?,?,?,?)`,
		userByEmail:   `SELECT id,email,password_hash,created_at,updated_at FROM users WHERE email = ?`,
		userByID:      `SELECT id,email,password_hash,created_at,updated_at FROM users WHERE id = ?`,
		insertToken:   `INSERT INTO refresh_tokens(id,user_id,token_hash,expires_at,user_agent,ip_address,created_at) VALUES(?,?,?,?,?,?,?)`,
		tokenByHash:   `SELECT id,user_id,token_hash,expires_at,revoked_at,user_agent,ip_address,created_at FROM refresh_tokens WHERE token_hash = ?`,
		revokeToken:   `UPDATE refresh_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		revokeAll:     `UPDATE refresh_tokens SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL`,
		revokeRotated: `UPDATE refresh_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL RETURNING user_id`,
		purgeExpired:  `DELETE FROM refresh_tokens WHERE expires_at < ?`,
	},
	isUnique: func(err error) bool {
		var e *sqlite.Error
		if !errors.As(err, &e) {
			return false
		}
		return e.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || e.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	},
	isTransient: func(err error) bool {
		var e *sqlite.Error
		if !errors.As(err, &e) {
			return false
		}
		primary := e.Code() & 0xff
		return primary == sqlite3.SQLITE_BUSY || primary == sqlite3.SQLITE_LOCKED
	},
}

// NewSQLiteDB opens (creating if needed) the database file at path and
// ensures the schema exists.
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers, so the rotation transaction never
	// races another writer inside this process.
	d.SetMaxOpenConns(1)
	s := &SQLiteDB{sqlStore: &sqlStore{db: d, d: sqliteDialect, now: time.Now}, path: path}
	if err := s.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init() error {
	queries := []string{
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			token_hash TEXT NOT NULL UNIQUE,
			expires_at INTEGER NOT NULL,
			revoked_at INTEGER,
			user_agent TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user_id ON refresh_tokens(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires_at ON refresh_tokens(expires_at);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}
