// Package postgres provides the durable usage fact store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Settings holds connection pool parameters.
type Settings struct {
	DSN      string
	MaxConns int
	MaxIdle  int
}

// DB wraps a sql.DB configured for the gateway.
type DB struct {
	*sql.DB
}

// NewDB opens a connection pool and verifies connectivity.
func NewDB(settings Settings) (*DB, error) {
	db, err := sql.Open("postgres", settings.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if settings.MaxConns > 0 {
		db.SetMaxOpenConns(settings.MaxConns)
	}
	if settings.MaxIdle > 0 {
		db.SetMaxIdleConns(settings.MaxIdle)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// usageSchema defines the append-only fact table. The id assigns each fact
// a stable total order; the created_at index serves window sums.
const usageSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id            BIGSERIAL PRIMARY KEY,
	request_id    TEXT        NOT NULL,
	key_id        TEXT        NOT NULL,
	provider_id   TEXT        NOT NULL DEFAULT '',
	model         TEXT        NOT NULL DEFAULT '',
	input_tokens  BIGINT      NOT NULL DEFAULT 0,
	output_tokens BIGINT      NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	status_code   INT         NOT NULL DEFAULT 0,
	blocked_by    TEXT        NOT NULL DEFAULT '',
	canceled      BOOLEAN     NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_usage_key_created ON usage_records (key_id, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_provider_created ON usage_records (provider_id, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_records (created_at);
`

// Migrate creates the usage schema when absent.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, usageSchema); err != nil {
		return fmt.Errorf("apply usage schema: %w", err)
	}
	return nil
}
