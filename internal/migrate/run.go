package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"
)

// migrations are applied in key order; {{schema}} is replaced by the quoted schema name.
var migrations = map[string]string{
	"001_sessions.sql": `CREATE TABLE IF NOT EXISTS {{schema}}.sessions (
	token TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	principal JSONB NOT NULL,
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	"002_sessions_expiry_idx.sql": `CREATE INDEX IF NOT EXISTS sessions_expires_at_idx ON {{schema}}.sessions (expires_at)`,
	"003_sessions_user_idx.sql":   `CREATE INDEX IF NOT EXISTS sessions_user_id_idx ON {{schema}}.sessions (user_id)`,
}

// Run creates schema if needed and applies every migration not yet recorded
// in schema_migrations. It returns the versions applied by this call.
func Run(ctx context.Context, db *sql.DB, schema string) ([]string, error) {
	quoted := pq.QuoteIdentifier(schema)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoted)); err != nil {
		return nil, fmt.Errorf("migrate: create schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ DEFAULT now())", quoted)); err != nil {
		return nil, fmt.Errorf("migrate: create migrations table: %w", err)
	}

	applied := map[string]bool{}
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT version FROM %s.schema_migrations", quoted))
	if err != nil {
		return nil, fmt.Errorf("migrate: list applied: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return nil, err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(migrations))
	for k := range migrations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var done []string
	for _, k := range keys {
		if applied[k] {
			continue
		}
		stmt := strings.ReplaceAll(migrations[k], "{{schema}}", quoted)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return done, fmt.Errorf("migrate: apply %s: %w", k, err)
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s.schema_migrations (version) VALUES ($1)", quoted), k); err != nil {
			return done, fmt.Errorf("migrate: record %s: %w", k, err)
		}
		done = append(done, k)
	}
	return done, nil
}
