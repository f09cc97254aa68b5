package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresDB is the production backend. The schema is owned by the
// migrations in this package; see ApplyMigrations.
type PostgresDB struct {
	*sqlStore
	dsn string
}

var postgresDialect = dialect{
	queries: queries{
		insertUser:    `INSERT INTO users(id,email,password_hash,created_at,updated_at) VALUES($1,$2,$3,$4,$5)`,
		userByEmail:   `SELECT id,email,password_hash,created_at,updated_at FROM users WHERE email = $1`,
		userByID:      `SELECT id,email,password_hash,created_at,updated_at FROM users WHERE id = $1`,
		insertToken:   `INSERT INTO refresh_tokens(id,user_id,token_hash,expires_at,user_agent,ip_address,created_at) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		tokenByHash:   `SELECT id,user_id,token_hash,expires_at,revoked_at,user_agent,ip_address,created_at FROM refresh_tokens WHERE token_hash = $1`,
		revokeToken:   `UPDATE refresh_tokens SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`,
		revokeAll:     `UPDATE refresh_tokens SET revoked_at = $1 WHERE user_id = $2 AND revoked_at IS NULL`,
		revokeRotated: `UPDATE refresh_tokens SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL RETURNING user_id`,
		purgeExpired:  `DELETE FROM refresh_tokens WHERE expires_at < $1`,

		lockUser:       `SELECT id FROM users WHERE id = $1 FOR UPDATE`,
		lockTokenOwner: `SELECT u.id FROM users u JOIN refresh_tokens t ON t.user_id = u.id WHERE t.id = $1 FOR UPDATE OF u`,
	},
	isUnique: func(err error) bool {
		var e *pq.Error
		return errors.As(err, &e) && e.Code == "23505"
	},
	isTransient: func(err error) bool {
		var e *pq.Error
		if !errors.As(err, &e) {
			return false
		}
		switch e.Code.Class() {
		case "08", "53", "57": // connection exception, insufficient resources, operator intervention
			return true
		}
		// serialization_failure, deadlock_detected
		return e.Code == "40001" || e.Code == "40P01"
	},
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := newPostgres(d)
	p.dsn = dsn
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func newPostgres(d *sql.DB) *PostgresDB {
	return &PostgresDB{sqlStore: &sqlStore{db: d, d: postgresDialect, now: time.Now}}
}

// Init verifies connectivity; tables are created by migrations.
func (p *PostgresDB) Init() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Ping(ctx)
}
