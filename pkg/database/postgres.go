// Package database provides PostgreSQL connection utilities for the cryptofolio
// snapshot archive. It includes connection pooling, health checks, schema
// migration and access to the config table.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps sql.DB with additional functionality. Queries and transactions
// use the embedded *sql.DB methods so their context lives as long as the
// caller's.
type DB struct {
	*sql.DB
}

// Config holds database connection configuration
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns the default database configuration
func DefaultConfig() Config {
	return Config{
		URL:             os.Getenv("DATABASE_URL"),
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// New creates a new database connection with the given configuration
func New(cfg Config) (*DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{db}, nil
}

// NewWithDefaults creates a new database connection with default configuration
func NewWithDefaults() (*DB, error) {
	return New(DefaultConfig())
}

// HealthCheck verifies the database connection is healthy
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	return nil
}

// ExecContext executes a query with context and returns the result
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := db.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exec query: %w", err)
	}

	return result, nil
}

// schema creates the archive and config tables. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS market_snapshots (
		id         BIGSERIAL PRIMARY KEY,
		currency   TEXT NOT NULL,
		fetched_at TIMESTAMPTZ NOT NULL,
		row_count  INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS market_snapshots_fetched_at_idx ON market_snapshots (fetched_at)`,
	`CREATE TABLE IF NOT EXISTS market_rows (
		snapshot_id     BIGINT NOT NULL REFERENCES market_snapshots (id) ON DELETE CASCADE,
		position        INTEGER NOT NULL,
		instrument_id   TEXT NOT NULL,
		symbol          TEXT NOT NULL,
		name            TEXT NOT NULL,
		price           NUMERIC NOT NULL,
		market_cap      NUMERIC NOT NULL DEFAULT 0,
		market_cap_rank INTEGER NOT NULL DEFAULT 0,
		volume_24h      NUMERIC NOT NULL DEFAULT 0,
		change_24h      NUMERIC NOT NULL DEFAULT 0,
		change_7d       NUMERIC NOT NULL DEFAULT 0,
		PRIMARY KEY (snapshot_id, position)
	)`,
	`CREATE INDEX IF NOT EXISTS market_rows_instrument_idx ON market_rows (instrument_id)`,
	`CREATE TABLE IF NOT EXISTS config (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate creates the tables the archive and config overlay use
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SetConfig stores a JSON value in the config table
func (db *DB) SetConfig(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO config (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// DeleteConfig removes a key from the config table
func (db *DB) DeleteConfig(ctx context.Context, key string) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM config WHERE key = $1", key); err != nil {
		return fmt.Errorf("delete config %s: %w", key, err)
	}
	return nil
}
