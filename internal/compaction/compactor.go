// Package compaction merges the fragment files of each partition of a
// converted log into one file per partition using DuckDB.
package compaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basekick-labs/aplake/internal/config"
	"github.com/basekick-labs/aplake/internal/database"
	"github.com/basekick-labs/aplake/internal/ingest"
	"github.com/basekick-labs/aplake/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Result summarizes the compaction of one log.
type Result struct {
	LogUID              string
	PartitionsScanned   int
	PartitionsCompacted int
	FilesCompacted      int
	ManifestsRecovered  int
	BytesBefore         int64
	BytesAfter          int64
	Jobs                []*JobResult
}

// Compactor compacts partitions of converted logs.
type Compactor struct {
	backend       storage.Backend
	db            *database.DuckDB
	manifests     *ManifestManager
	minFiles      int
	maxConcurrent int
	tempDir       string
	logger        zerolog.Logger
}

// NewCompactor opens the DuckDB instance used for merging.
func NewCompactor(cfg *config.CompactionConfig, backend storage.Backend, logger zerolog.Logger) (*Compactor, error) {
	logger = logger.With().Str("component", "compactor").Logger()

	db, err := database.Open(cfg, logger)
	if err != nil {
		return nil, err
	}

	minFiles := cfg.MinFiles
	if minFiles < 2 {
		minFiles = 2
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	tempDir := cfg.TempDirectory
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "aplake-compaction")
	}

	return &Compactor{
		backend:       backend,
		db:            db,
		manifests:     NewManifestManager(backend, logger),
		minFiles:      minFiles,
		maxConcurrent: maxConcurrent,
		tempDir:       tempDir,
		logger:        logger,
	}, nil
}

// CompactLog compacts every partition of logUID that holds at least
// min_files files. Interrupted compactions are recovered first. Partitions
// run concurrently up to max_concurrent; the first failure cancels the rest.
func (c *Compactor) CompactLog(ctx context.Context, logUID string) (*Result, error) {
	start := time.Now()
	result := &Result{LogUID: logUID}

	recovered, err := c.manifests.RecoverOrphanedManifests(ctx, logUID)
	if err != nil {
		return nil, fmt.Errorf("failed to recover compaction manifests: %w", err)
	}
	result.ManifestsRecovered = recovered

	keys, err := ingest.ListPartitions(ctx, c.backend, logUID)
	if err != nil {
		return nil, err
	}
	result.PartitionsScanned = len(keys)

	var jobs []*Job
	for _, key := range keys {
		files, err := ingest.PartitionFiles(ctx, c.backend, logUID, key)
		if err != nil {
			return nil, err
		}
		if len(files) < c.minFiles {
			continue
		}
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate job id: %w", err)
		}
		jobs = append(jobs, &Job{
			LogUID:    logUID,
			Partition: key,
			Files:     files,
			JobID:     id.String(),
			backend:   c.backend,
			db:        c.db,
			manifests: c.manifests,
			tempDir:   c.tempDir,
			logger: c.logger.With().
				Str("job_id", id.String()).
				Str("partition", key.String()).
				Logger(),
		})
	}

	if len(jobs) == 0 {
		c.logger.Debug().Str("log_uid", logUID).Msg("No partitions need compaction")
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrent)
	for _, job := range jobs {
		g.Go(func() error {
			jr, err := job.Run(gctx)
			if err != nil {
				return fmt.Errorf("compact %s: %w", job.Partition, err)
			}
			mu.Lock()
			result.Jobs = append(result.Jobs, jr)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()

	for _, jr := range result.Jobs {
		result.PartitionsCompacted++
		result.FilesCompacted += jr.FilesCompacted
		result.BytesBefore += jr.BytesBefore
		result.BytesAfter += jr.BytesAfter
	}

	c.logger.Info().
		Str("log_uid", logUID).
		Int("partitions", result.PartitionsCompacted).
		Int("files", result.FilesCompacted).
		Int64("bytes_before", result.BytesBefore).
		Int64("bytes_after", result.BytesAfter).
		Dur("duration", time.Since(start)).
		Msg("Log compaction finished")

	if err != nil {
		return result, err
	}
	return result, nil
}

// Close releases the DuckDB instance.
func (c *Compactor) Close() error {
	return c.db.Close()
}
