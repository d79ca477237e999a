// Package postgres persists per-result rows in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/renderfetch/internal/batch"
)

// DefaultTable receives result rows when no table is configured.
const DefaultTable = "render_results"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for result rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Ping(context.Context) error
	Close()
}

// ResultStore writes one row per fetched URL.
type ResultStore struct {
	pool  pool
	table string
}

// NewResultStore connects a pool using cfg.
func NewResultStore(ctx context.Context, cfg Config) (*ResultStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ResultStore{pool: p, table: table}, nil
}

// NewResultStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewResultStoreWithPool(p pool, table string) (*ResultStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ResultStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return DefaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the result table when it does not exist.
func (s *ResultStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id             TEXT PRIMARY KEY,
	batch_id       TEXT NOT NULL,
	result_index   INTEGER NOT NULL,
	url            TEXT NOT NULL,
	status_code    INTEGER NOT NULL,
	content_length INTEGER NOT NULL,
	success        BOOLEAN NOT NULL,
	strategy       TEXT NOT NULL DEFAULT '',
	attempts       INTEGER NOT NULL DEFAULT 0,
	error_text     TEXT NOT NULL DEFAULT '',
	content_hash   TEXT NOT NULL DEFAULT '',
	blob_uri       TEXT NOT NULL DEFAULT '',
	fetched_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (batch_id, result_index)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *ResultStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordResult inserts a result row. Re-recording the same batch index
// replaces the earlier row.
func (s *ResultStore) RecordResult(ctx context.Context, rec batch.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("result store is not configured")
	}
	if rec.ID == "" || rec.BatchID == "" {
		return fmt.Errorf("record id and batch id are required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	batch_id,
	result_index,
	url,
	status_code,
	content_length,
	success,
	strategy,
	attempts,
	error_text,
	content_hash,
	blob_uri,
	fetched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
ON CONFLICT (batch_id, result_index) DO UPDATE SET
	id = EXCLUDED.id,
	status_code = EXCLUDED.status_code,
	content_length = EXCLUDED.content_length,
	success = EXCLUDED.success,
	strategy = EXCLUDED.strategy,
	attempts = EXCLUDED.attempts,
	error_text = EXCLUDED.error_text,
	content_hash = EXCLUDED.content_hash,
	blob_uri = EXCLUDED.blob_uri,
	fetched_at = EXCLUDED.fetched_at`, s.table)

	args := []any{
		rec.ID,
		rec.BatchID,
		rec.Index,
		rec.URL,
		rec.StatusCode,
		rec.ContentLength,
		rec.Success,
		rec.Strategy,
		rec.Attempts,
		rec.ErrorText,
		rec.ContentHash,
		rec.BlobURI,
		rec.FetchedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}
