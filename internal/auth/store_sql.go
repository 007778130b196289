package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// SQLStore keeps sessions in Postgres, in the table created by the migrate package.
type SQLStore struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

func NewSQLStore(db *sql.DB, schema string) *SQLStore {
	return &SQLStore{
		db:    db,
		table: pq.QuoteIdentifier(schema) + ".sessions",
		now:   time.Now,
	}
}

func (s *SQLStore) Save(ctx context.Context, token string, p Principal) error {
	bs, err := json.Marshal(p)
	if err != nil {
		return err
	}
	var expires any
	if !p.ExpiresAt.IsZero() {
		expires = p.ExpiresAt.UTC()
	}
	q := fmt.Sprintf(`INSERT INTO %s (token, user_id, principal, expires_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (token) DO UPDATE SET user_id = EXCLUDED.user_id, principal = EXCLUDED.principal, expires_at = EXCLUDED.expires_at`, s.table)
	_, err = s.db.ExecContext(ctx, q, token, p.UserID, bs, expires)
	return err
}

func (s *SQLStore) Lookup(ctx context.Context, token string) (Principal, error) {
	q := fmt.Sprintf(`SELECT principal FROM %s WHERE token = $1 AND (expires_at IS NULL OR expires_at > $2)`, s.table)
	var bs []byte
	err := s.db.QueryRowContext(ctx, q, token, s.now().UTC()).Scan(&bs)
	if errors.Is(err, sql.ErrNoRows) {
		return Principal{}, ErrTokenNotFound
	}
	if err != nil {
		return Principal{}, err
	}
	var p Principal
	if err := json.Unmarshal(bs, &p); err != nil {
		return Principal{}, err
	}
	return p, nil
}

func (s *SQLStore) Delete(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE token = $1`, s.table), token)
	return err
}

// PurgeExpired removes sessions past their expiry and returns how many went.
func (s *SQLStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.table), s.now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ping checks connectivity for readiness reporting.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
