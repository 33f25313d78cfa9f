package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Postgres stores documents in the kv_documents table (key text, value jsonb).
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres wraps an existing database handle. The schema is managed by the
// embedded migrations in internal/db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: sqlx.NewDb(db, "postgres")}
}

// Get unmarshals the document stored under key into out.
func (s *Postgres) Get(ctx context.Context, key string, out interface{}) error {
	var raw []byte
	err := s.db.QueryRowxContext(ctx,
		`SELECT value FROM kv_documents WHERE key = $1`, key,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("kvstore: get %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("kvstore: decode %q: %w", key, err)
	}
	return nil
}

// Set upserts the document under key.
func (s *Postgres) Set(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kvstore: encode %q: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv_documents (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, raw, time.Now())
	if err != nil {
		return fmt.Errorf("kvstore: set %q: %w", key, err)
	}
	return nil
}

// Delete removes the document under key. Missing keys are not an error.
func (s *Postgres) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_documents WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("kvstore: delete %q: %w", key, err)
	}
	return nil
}
