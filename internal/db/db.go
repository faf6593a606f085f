// Package db records step transitions in an optional Postgres event log. The
// state file stays the source of truth; the log is an audit trail that many
// runs can share.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// execer is the subset of *pgxpool.Pool the event log writes through.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// DB wraps the Postgres connection pool.
type DB struct {
	conn execer
	pool *pgxpool.Pool // nil when built from a bare execer
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{conn: pool, pool: pool}, nil
}

// Close releases the pool.
func (d *DB) Close() {
	if d.pool != nil {
		d.pool.Close()
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS batchpatch_step_events (
    id          BIGSERIAL PRIMARY KEY,
    run_id      TEXT NOT NULL,
    repo        TEXT NOT NULL,
    step        TEXT NOT NULL,
    status      TEXT NOT NULL CHECK (status IN ('succeeded', 'failed')),
    reason      TEXT,
    detail      TEXT,
    duration_ms BIGINT NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS idx_batchpatch_step_events_run ON batchpatch_step_events (run_id, repo, recorded_at)`,
}

// Migrate applies the schema. It is safe to run repeatedly.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
