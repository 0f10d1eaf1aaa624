package ingest

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/basekick-labs/aplake/internal/config"
	"github.com/basekick-labs/aplake/internal/metrics"
	"github.com/basekick-labs/aplake/internal/router"
	"github.com/basekick-labs/aplake/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

const (
	logUIDPrefix = "LogUID="

	// MergedFileName is the single file of a partition under the merge policy.
	MergedFileName = "data.parquet"

	// DefaultBatchSize is used when the configured batch size is not positive.
	DefaultBatchSize = 20000
)

// LogPrefix returns the storage prefix holding every partition of a log.
func LogPrefix(logUID string) string {
	return logUIDPrefix + logUID
}

// PartitionDir returns the storage directory of one partition.
func PartitionDir(logUID string, key router.PartitionKey) string {
	return LogPrefix(logUID) + "/" + key.Path()
}

// FragmentName returns the file name of the seq-th flush of a run. Names of
// one run sort in flush order, and UUIDv7 run ids sort runs by start time.
func FragmentName(runID string, seq int64) string {
	return fmt.Sprintf("part-%s-%08d.parquet", runID, seq)
}

type partitionBuffer struct {
	key   router.PartitionKey
	dir   string
	batch *Batch
	rows  int64
	files []string
}

// PartitionWriter buffers routed rows per partition and writes them as
// Parquet files under LogUID=<hash>/. One flush policy applies for the
// writer's lifetime.
type PartitionWriter struct {
	backend   storage.Backend
	codec     *ParquetCodec
	logUID    string
	runID     string
	policy    string
	batchSize int
	logger    zerolog.Logger

	mu         sync.Mutex
	partitions map[string]*partitionBuffer
	order      []*partitionBuffer
	seq        int64
	flushes    int64
	rows       int64
	startedAt  time.Time
	failure    string
	closed     bool
}

// NewPartitionWriter creates a writer for one conversion run.
func NewPartitionWriter(cfg *config.Config, backend storage.Backend, logUID string, logger zerolog.Logger) (*PartitionWriter, error) {
	if logUID == "" {
		return nil, errors.New("log uid is required")
	}

	policy := cfg.Convert.FlushPolicy
	switch policy {
	case "":
		policy = config.FlushPolicyFragment
	case config.FlushPolicyFragment, config.FlushPolicyMerge:
	default:
		return nil, fmt.Errorf("unknown flush policy: %s", policy)
	}

	batchSize := cfg.Convert.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}

	w := &PartitionWriter{
		backend:    backend,
		codec:      NewParquetCodec(&cfg.Parquet, logger),
		logUID:     logUID,
		runID:      id.String(),
		policy:     policy,
		batchSize:  batchSize,
		partitions: make(map[string]*partitionBuffer),
		startedAt:  time.Now().UTC(),
	}
	w.logger = logger.With().
		Str("component", "partition-writer").
		Str("log_uid", logUID).
		Str("run_id", w.runID).
		Logger()

	w.logger.Debug().
		Str("flush_policy", policy).
		Int("batch_size", batchSize).
		Msg("Partition writer initialized")

	return w, nil
}

// RunID returns the identifier of this run.
func (w *PartitionWriter) RunID() string { return w.runID }

// Policy returns the flush policy in effect.
func (w *PartitionWriter) Policy() string { return w.policy }

// Append buffers one row for key and flushes the partition once it holds
// BatchSize rows.
func (w *PartitionWriter) Append(ctx context.Context, key router.PartitionKey, row router.Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("partition writer is closed")
	}

	p := w.bufferFor(key)
	p.batch.Append(row)

	if p.batch.Len() >= w.batchSize {
		return w.flushLocked(ctx, p)
	}
	return nil
}

// AppendAll buffers every emission in order.
func (w *PartitionWriter) AppendAll(ctx context.Context, emissions []router.Emission) error {
	for _, e := range emissions {
		if err := w.Append(ctx, e.Key, e.Row); err != nil {
			return err
		}
	}
	return nil
}

func (w *PartitionWriter) bufferFor(key router.PartitionKey) *partitionBuffer {
	dir := PartitionDir(w.logUID, key)
	p, ok := w.partitions[dir]
	if !ok {
		p = &partitionBuffer{
			key:   key,
			dir:   dir,
			batch: NewBatch(min(w.batchSize, 1024)),
		}
		w.partitions[dir] = p
		w.order = append(w.order, p)
		metrics.Get().IncPartitionsCreated()
	}
	return p
}

// Flush writes the buffered rows of key, if any.
func (w *PartitionWriter) Flush(ctx context.Context, key router.PartitionKey) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.partitions[PartitionDir(w.logUID, key)]
	if !ok {
		return nil
	}
	return w.flushLocked(ctx, p)
}

// FlushAll flushes every non-empty partition in creation order. It keeps
// going after a failure and returns all errors combined.
func (w *PartitionWriter) FlushAll(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushAllLocked(ctx)
}

func (w *PartitionWriter) flushAllLocked(ctx context.Context) error {
	var errs error
	for _, p := range w.order {
		errs = multierr.Append(errs, w.flushLocked(ctx, p))
	}
	return errs
}

// flushLocked writes one partition. The buffer is cleared only after the
// write succeeds, so a failed flush can be retried.
func (w *PartitionWriter) flushLocked(ctx context.Context, p *partitionBuffer) error {
	n := p.batch.Len()
	if n == 0 {
		return nil
	}
	start := time.Now()

	var (
		filePath string
		size     int
		err      error
	)
	switch w.policy {
	case config.FlushPolicyMerge:
		filePath, size, err = w.writeMerged(ctx, p)
	default:
		filePath, size, err = w.writeFragment(ctx, p)
	}
	if err != nil {
		metrics.Get().IncFlushErrors()
		w.logger.Error().
			Err(err).
			Str("partition", p.key.String()).
			Int("records", n).
			Msg("Flush failed")
		return fmt.Errorf("flush %s: %w", p.key, err)
	}

	p.rows += int64(n)
	if len(p.files) == 0 || p.files[len(p.files)-1] != filePath {
		p.files = append(p.files, filePath)
	}
	p.batch.Reset()
	w.rows += int64(n)
	w.flushes++

	m := metrics.Get()
	m.IncFlushes()
	m.IncRowsWritten(int64(n))
	m.IncBytesWritten(int64(size))

	w.logger.Debug().
		Str("storage_path", filePath).
		Int("records", n).
		Int("size_bytes", size).
		Dur("flush_duration", time.Since(start)).
		Msg("Flush completed")
	return nil
}

func (w *PartitionWriter) writeFragment(ctx context.Context, p *partitionBuffer) (string, int, error) {
	data, err := w.codec.Encode(p.batch)
	if err != nil {
		return "", 0, fmt.Errorf("failed to write Parquet: %w", err)
	}

	filePath := path.Join(p.dir, FragmentName(w.runID, w.seq))
	if err := w.backend.Write(ctx, filePath, data); err != nil {
		return "", 0, fmt.Errorf("failed to write to storage: %w", err)
	}
	w.seq++
	return filePath, len(data), nil
}

// writeMerged rewrites the partition's single file with the existing rows
// followed by the buffered ones.
func (w *PartitionWriter) writeMerged(ctx context.Context, p *partitionBuffer) (string, int, error) {
	filePath := path.Join(p.dir, MergedFileName)

	out := p.batch
	existing, err := w.backend.Read(ctx, filePath)
	switch {
	case err == nil:
		metrics.Get().IncMergeReadbacks()
		prev, err := w.codec.Decode(ctx, existing)
		if err != nil {
			return "", 0, fmt.Errorf("failed to read back %s: %w", filePath, err)
		}
		prev.AppendBatch(p.batch)
		out = prev
	case errors.Is(err, storage.ErrNotFound):
	default:
		return "", 0, fmt.Errorf("failed to read back %s: %w", filePath, err)
	}

	data, err := w.codec.Encode(out)
	if err != nil {
		return "", 0, fmt.Errorf("failed to write Parquet: %w", err)
	}
	if err := w.backend.Write(ctx, filePath, data); err != nil {
		return "", 0, fmt.Errorf("failed to write to storage: %w", err)
	}
	return filePath, len(data), nil
}

// MarkFailed records a run failure in the manifest written by Close.
func (w *PartitionWriter) MarkFailed(err error) {
	if err == nil {
		return
	}
	w.mu.Lock()
	w.failure = err.Error()
	w.mu.Unlock()
}

// Close flushes what remains and writes the run manifest. The manifest is
// written even when flushing fails.
func (w *PartitionWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	flushErr := w.flushAllLocked(ctx)
	if flushErr != nil && w.failure == "" {
		w.failure = flushErr.Error()
	}

	manifest := w.manifestLocked()
	manifest.FinishedAt = time.Now().UTC()
	return multierr.Append(flushErr, WriteManifest(ctx, w.backend, manifest))
}

// Manifest returns a snapshot of the run so far.
func (w *PartitionWriter) Manifest() *RunManifest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.manifestLocked()
}

func (w *PartitionWriter) manifestLocked() *RunManifest {
	m := &RunManifest{
		RunID:      w.runID,
		LogUID:     w.logUID,
		Policy:     w.policy,
		StartedAt:  w.startedAt,
		Rows:       w.rows,
		Flushes:    w.flushes,
		Error:      w.failure,
		Partitions: make([]PartitionEntry, 0, len(w.order)),
	}
	for _, p := range w.order {
		if p.rows == 0 {
			continue
		}
		m.Partitions = append(m.Partitions, PartitionEntry{
			MessageType: p.key.MessageType,
			Instance:    p.key.Instance,
			KeyName:     p.key.KeyName,
			Rows:        p.rows,
			Files:       append([]string(nil), p.files...),
		})
	}
	return m
}

// Stats returns the number of partitions seen and rows written so far.
func (w *PartitionWriter) Stats() (partitions int, rows int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order), w.rows
}
