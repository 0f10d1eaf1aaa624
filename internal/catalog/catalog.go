// Package catalog keeps a local SQLite record of conversion runs.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Run status values.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("conversion not found")

// Conversion is one recorded conversion run.
type Conversion struct {
	RunID         string
	LogUID        string
	SourcePath    string
	Kind          string
	HashAlgorithm string
	FlushPolicy   string
	Status        string
	StartedAt     time.Time
	FinishedAt    time.Time // zero while running
	Records       int64
	Rows          int64
	Partitions    int
	BootCount     string
	DeviceID      string
	StartTime     float64 // unix seconds, 0 when unknown
	ErrorMessage  string
}

// Catalog persists conversion runs.
type Catalog struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the catalog at dbPath.
func Open(dbPath string, logger zerolog.Logger) (*Catalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Limit connections for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &Catalog{
		db:     db,
		logger: logger.With().Str("component", "catalog").Logger(),
	}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversions (
		run_id TEXT PRIMARY KEY,
		log_uid TEXT NOT NULL,
		source_path TEXT NOT NULL,
		kind TEXT NOT NULL,
		hash_algorithm TEXT NOT NULL,
		flush_policy TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		records INTEGER DEFAULT 0,
		rows_written INTEGER DEFAULT 0,
		partitions INTEGER DEFAULT 0,
		boot_count TEXT,
		device_id TEXT,
		start_time REAL DEFAULT 0,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_conversions_log_uid ON conversions(log_uid);
	`
	_, err := c.db.Exec(schema)
	return err
}

// RecordStart inserts a running conversion.
func (c *Catalog) RecordStart(ctx context.Context, conv *Conversion) error {
	if conv.StartedAt.IsZero() {
		conv.StartedAt = time.Now().UTC()
	}
	conv.Status = StatusRunning

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO conversions (
			run_id, log_uid, source_path, kind, hash_algorithm, flush_policy,
			status, started_at, boot_count, device_id, start_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.RunID, conv.LogUID, conv.SourcePath, conv.Kind, conv.HashAlgorithm, conv.FlushPolicy,
		conv.Status, conv.StartedAt.Format(time.RFC3339Nano),
		nullableString(conv.BootCount), nullableString(conv.DeviceID), conv.StartTime,
	)
	if err != nil {
		return fmt.Errorf("failed to record conversion start: %w", err)
	}

	c.logger.Debug().Str("run_id", conv.RunID).Str("log_uid", conv.LogUID).Msg("Recorded conversion start")
	return nil
}

// RecordFinish stores the outcome of a conversion. A nil runErr marks the
// run succeeded.
func (c *Catalog) RecordFinish(ctx context.Context, conv *Conversion, runErr error) error {
	if conv.FinishedAt.IsZero() {
		conv.FinishedAt = time.Now().UTC()
	}
	conv.Status = StatusSucceeded
	conv.ErrorMessage = ""
	if runErr != nil {
		conv.Status = StatusFailed
		conv.ErrorMessage = runErr.Error()
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE conversions SET
			status = ?, finished_at = ?, records = ?, rows_written = ?, partitions = ?,
			boot_count = ?, device_id = ?, start_time = ?, error_message = ?
		WHERE run_id = ?`,
		conv.Status, conv.FinishedAt.Format(time.RFC3339Nano), conv.Records, conv.Rows, conv.Partitions,
		nullableString(conv.BootCount), nullableString(conv.DeviceID), conv.StartTime,
		nullableString(conv.ErrorMessage), conv.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to record conversion finish: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record conversion finish: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, conv.RunID)
	}
	return nil
}

const selectColumns = `
	SELECT run_id, log_uid, source_path, kind, hash_algorithm, flush_policy, status,
		started_at, finished_at, records, rows_written, partitions, boot_count, device_id,
		start_time, error_message
	FROM conversions`

// Get returns one run.
func (c *Catalog) Get(ctx context.Context, runID string) (*Conversion, error) {
	rows, err := c.db.QueryContext(ctx, selectColumns+` WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversion: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return scanConversion(rows)
}

// ListByLogUID returns every run of a log, oldest first.
func (c *Catalog) ListByLogUID(ctx context.Context, logUID string) ([]*Conversion, error) {
	rows, err := c.db.QueryContext(ctx, selectColumns+` WHERE log_uid = ? ORDER BY started_at, run_id`, logUID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversions: %w", err)
	}
	defer rows.Close()

	var out []*Conversion
	for rows.Next() {
		conv, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func scanConversion(rows *sql.Rows) (*Conversion, error) {
	var conv Conversion
	var startedAt string
	var finishedAt, bootCount, deviceID, errMsg sql.NullString

	if err := rows.Scan(
		&conv.RunID, &conv.LogUID, &conv.SourcePath, &conv.Kind, &conv.HashAlgorithm, &conv.FlushPolicy,
		&conv.Status, &startedAt, &finishedAt, &conv.Records, &conv.Rows, &conv.Partitions,
		&bootCount, &deviceID, &conv.StartTime, &errMsg,
	); err != nil {
		return nil, fmt.Errorf("failed to scan conversion: %w", err)
	}

	conv.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if finishedAt.Valid {
		conv.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt.String)
	}
	conv.BootCount = bootCount.String
	conv.DeviceID = deviceID.String
	conv.ErrorMessage = errMsg.String
	return &conv, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
