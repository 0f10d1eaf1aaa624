package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/basekick-labs/aplake/internal/config"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"
)

// DuckDB wraps an in-memory DuckDB used to rewrite Parquet files.
type DuckDB struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates an in-memory DuckDB with the compaction memory and thread limits.
func Open(cfg *config.CompactionConfig, logger zerolog.Logger) (*DuckDB, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	maxConns := cfg.MaxConcurrent
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	if err := configureDatabase(db, cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure duckdb: %w", err)
	}

	logger = logger.With().Str("component", "duckdb").Logger()
	logger.Debug().
		Int("max_connections", maxConns).
		Str("memory_limit", cfg.MemoryLimit).
		Int("thread_count", cfg.Threads).
		Msg("DuckDB initialized")

	return &DuckDB{db: db, logger: logger}, nil
}

// configureDatabase applies settings that DuckDB only accepts via SET.
func configureDatabase(db *sql.DB, cfg *config.CompactionConfig) error {
	if cfg.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", escapeSQLString(cfg.MemoryLimit))); err != nil {
			return fmt.Errorf("failed to set memory_limit: %w", err)
		}
	}
	if cfg.Threads > 0 {
		if _, err := db.Exec(fmt.Sprintf("SET threads=%d", cfg.Threads)); err != nil {
			return fmt.Errorf("failed to set threads: %w", err)
		}
	}
	return nil
}

// escapeSQLString doubles single quotes for use inside a SQL string literal.
func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// QuoteString returns s as a SQL string literal.
func QuoteString(s string) string {
	return "'" + escapeSQLString(s) + "'"
}

// Exec executes a statement without returning rows.
func (d *DuckDB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	result, err := d.db.ExecContext(ctx, query, args...)
	elapsed := time.Since(start)

	if err != nil {
		d.logger.Error().
			Err(err).
			Str("query", query).
			Dur("elapsed", elapsed).
			Msg("Exec failed")
		return nil, fmt.Errorf("exec failed: %w", err)
	}

	d.logger.Debug().
		Str("query", query).
		Dur("elapsed", elapsed).
		Msg("Exec completed")

	return result, nil
}

// QueryInt64 runs a query returning a single integer.
func (d *DuckDB) QueryInt64(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var n int64
	if err := d.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (d *DuckDB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
