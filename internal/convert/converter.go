// Package convert runs one log file through survey, routing and partitioned
// writing, and records the outcome.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/basekick-labs/aplake/internal/catalog"
	"github.com/basekick-labs/aplake/internal/clock"
	"github.com/basekick-labs/aplake/internal/compaction"
	"github.com/basekick-labs/aplake/internal/config"
	"github.com/basekick-labs/aplake/internal/decoder"
	"github.com/basekick-labs/aplake/internal/identity"
	"github.com/basekick-labs/aplake/internal/ingest"
	"github.com/basekick-labs/aplake/internal/metrics"
	"github.com/basekick-labs/aplake/internal/router"
	"github.com/basekick-labs/aplake/internal/schema"
	"github.com/basekick-labs/aplake/internal/storage"
	"github.com/rs/zerolog"
)

var (
	// ErrUnsupportedInput is returned before any output is produced.
	ErrUnsupportedInput = identity.ErrUnsupportedInput
	// ErrDecoder aborts a pass; rows already routed are flushed best-effort.
	ErrDecoder = errors.New("decoder error")
	// ErrStorage is returned when output cannot be written.
	ErrStorage = errors.New("storage error")
)

// Summary statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusInspected = "inspected"
)

// Summary describes one conversion or inspection.
type Summary struct {
	RunID          string  `json:"run_id,omitempty"`
	LogUID         string  `json:"log_uid"`
	HashAlgorithm  string  `json:"hash_algorithm"`
	Kind           string  `json:"kind"`
	Source         string  `json:"source"`
	DeviceID       string  `json:"device_id,omitempty"`
	BootCount      *int64  `json:"boot_count,omitempty"`
	StartTime      float64 `json:"start_time,omitempty"`
	ClockOffset    float64 `json:"clock_offset"`
	ClockSamples   int64   `json:"clock_samples"`
	Schemas        int     `json:"schemas,omitempty"`
	Records        int64   `json:"records"`
	SkippedRecords int64   `json:"skipped_records"`
	Cells          int64   `json:"cells,omitempty"`
	Rows           int64   `json:"rows"`
	Partitions     int     `json:"partitions"`
	Fragments      int     `json:"fragments"`
	Compacted      int     `json:"compacted_files,omitempty"`
	Policy         string  `json:"flush_policy,omitempty"`
	Status         string  `json:"status"`
	Error          string  `json:"error,omitempty"`
	DurationMS     int64   `json:"duration_ms"`
}

// Converter converts log files into partitioned Parquet on a backend. A
// Converter may be reused for many files but runs them one at a time.
type Converter struct {
	cfg     *config.Config
	backend storage.Backend
	catalog *catalog.Catalog
	logger  zerolog.Logger

	openDecoder func(string, decoder.Options) (decoder.Decoder, error)
}

// New creates a converter. The catalog is opened when enabled in cfg.
func New(cfg *config.Config, backend storage.Backend, logger zerolog.Logger) (*Converter, error) {
	c := &Converter{
		cfg:         cfg,
		backend:     backend,
		logger:      logger.With().Str("component", "converter").Logger(),
		openDecoder: decoder.Open,
	}
	if cfg.Catalog.Enabled {
		cat, err := catalog.Open(cfg.Catalog.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open catalog: %w", err)
		}
		c.catalog = cat
	}
	return c, nil
}

// Close releases the catalog.
func (c *Converter) Close() error {
	if c.catalog == nil {
		return nil
	}
	return c.catalog.Close()
}

// survey is what pass 1 learns about a log.
type survey struct {
	registry     *schema.Registry
	schemaStats  schema.Stats
	offset       float64
	clockSamples int64
	metadata     identity.Metadata
	decoderStats decoder.Stats
}

// Inspect identifies path and runs the survey pass only. Nothing is written.
func (c *Converter) Inspect(ctx context.Context, path string) (*Summary, error) {
	start := time.Now()
	id, err := identity.Identify(path, c.cfg.Convert.HashAlgorithm)
	if err != nil {
		return nil, err
	}

	dec, err := c.open(path)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	sv, err := c.survey(dec)
	if err != nil {
		return nil, err
	}

	s := c.newSummary(path, id)
	c.applySurvey(s, sv)
	s.Records = sv.decoderStats.Records
	s.Status = StatusInspected
	s.DurationMS = time.Since(start).Milliseconds()
	return s, nil
}

// Convert writes every stored field of path to its partition under the log's
// content address. The Summary is non-nil once a writer was created, even
// when the run fails.
func (c *Converter) Convert(ctx context.Context, path string) (*Summary, error) {
	start := time.Now()
	m := metrics.Get()

	id, err := identity.Identify(path, c.cfg.Convert.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	logger := c.logger.With().Str("log_uid", id.ContentHash).Str("source", path).Logger()
	logger.Info().Str("kind", string(id.Kind)).Msg("Starting conversion")

	m.IncRuns()
	m.IncRunKind(string(id.Kind.Format()))

	dec, err := c.open(path)
	if err != nil {
		m.IncRunFailed()
		return nil, err
	}
	defer dec.Close()

	sv, err := c.survey(dec)
	if err != nil {
		m.IncRunFailed()
		return nil, err
	}
	recordSurveyMetrics(sv)

	s := c.newSummary(path, id)
	c.applySurvey(s, sv)

	writer, err := ingest.NewPartitionWriter(c.cfg, c.backend, id.ContentHash, logger)
	if err != nil {
		m.IncRunFailed()
		return nil, err
	}
	s.RunID = writer.RunID()
	s.Policy = writer.Policy()

	conv := c.recordStart(ctx, s, logger)

	runErr := c.route(ctx, dec, id.Kind.Format(), sv, writer, s, logger)
	if runErr != nil {
		writer.MarkFailed(runErr)
	}
	if err := writer.Close(ctx); err != nil && runErr == nil {
		runErr = fmt.Errorf("%w: %w", ErrStorage, err)
	}

	manifest := writer.Manifest()
	s.Rows = manifest.Rows
	s.Partitions = len(manifest.Partitions)
	for _, p := range manifest.Partitions {
		s.Fragments += len(p.Files)
	}

	if runErr == nil && c.cfg.Convert.AutoCompact && writer.Policy() == config.FlushPolicyFragment {
		s.Compacted = c.compact(ctx, id.ContentHash, logger)
	}

	s.DurationMS = time.Since(start).Milliseconds()
	if runErr != nil {
		s.Status = StatusFailed
		s.Error = runErr.Error()
		m.IncRunFailed()
	} else {
		s.Status = StatusSucceeded
		m.IncRunSuccess()
	}
	c.recordFinish(ctx, conv, s, runErr, logger)

	event := logger.Info()
	if runErr != nil {
		event = logger.Error().Err(runErr)
	}
	event.
		Str("run_id", s.RunID).
		Int64("records", s.Records).
		Int64("rows", s.Rows).
		Int("partitions", s.Partitions).
		Int("fragments", s.Fragments).
		Int64("duration_ms", s.DurationMS).
		Msg("Conversion finished")

	return s, runErr
}

func (c *Converter) open(path string) (decoder.Decoder, error) {
	dec, err := c.openDecoder(path, decoder.Options{
		TempDir: c.cfg.Convert.TempDirectory,
		Logger:  c.logger,
	})
	if err != nil {
		if errors.Is(err, decoder.ErrUnsupportedInput) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDecoder, err)
	}
	return dec, nil
}

// survey runs pass 1 and rewinds dec so pass 2 starts at the first record.
func (c *Converter) survey(dec decoder.Decoder) (*survey, error) {
	format := dec.Format()
	builder := schema.NewBuilder(c.logger)
	clk := clock.ForFormat(format, c.logger)
	meta := identity.NewMetadataExtractor(format, c.logger)

	for {
		rec, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: survey pass: %w", ErrDecoder, err)
		}
		if format == decoder.FormatDataFlash {
			builder.Observe(rec)
		}
		clk.Observe(rec)
		meta.Observe(rec)
	}

	sv := &survey{
		registry:     builder.Freeze(),
		schemaStats:  builder.Stats(),
		offset:       clk.Offset(),
		clockSamples: clk.Samples(),
		metadata:     meta.Metadata(),
		decoderStats: dec.Stats(),
	}
	if err := dec.Rewind(); err != nil {
		return nil, fmt.Errorf("%w: rewind: %w", ErrDecoder, err)
	}

	c.logger.Debug().
		Int("schemas", sv.registry.Len()).
		Float64("clock_offset", sv.offset).
		Int64("clock_samples", sv.clockSamples).
		Int64("records", sv.decoderStats.Records).
		Msg("Survey pass complete")
	return sv, nil
}

// route runs pass 2, feeding every emission to writer.
func (c *Converter) route(ctx context.Context, dec decoder.Decoder, format decoder.Format, sv *survey, writer *ingest.PartitionWriter, s *Summary, logger zerolog.Logger) error {
	progress := router.NewProgressReporter(int64(c.cfg.Convert.ProgressInterval), logger)
	r := router.New(format, sv.registry, sv.offset, progress, logger)
	defer func() {
		st := r.Stats()
		s.Records = st.Records
		s.SkippedRecords = st.Skipped
		s.Cells = st.Cells

		m := metrics.Get()
		m.IncRecordsRouted(st.Routed)
		m.IncRecordsSkipped(st.Skipped)
		m.IncCellsEmitted(st.Cells)
		m.IncCoercionFallbacks(st.CoercionFallbacks)
	}()

	var buf []router.Emission
	for {
		rec, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: routing pass at line %d: %w", ErrDecoder, r.LineNumber()+1, err)
		}
		buf = r.Route(rec, buf[:0])
		if len(buf) == 0 {
			continue
		}
		if err := writer.AppendAll(ctx, buf); err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
	}
}

// compact merges this run's fragments. Failures leave the fragments in place
// and do not fail the conversion.
func (c *Converter) compact(ctx context.Context, logUID string, logger zerolog.Logger) int {
	compactor, err := compaction.NewCompactor(&c.cfg.Compaction, c.backend, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Auto-compaction unavailable")
		return 0
	}
	defer compactor.Close()

	res, err := compactor.CompactLog(ctx, logUID)
	if err != nil {
		logger.Warn().Err(err).Msg("Auto-compaction failed")
	}
	if res == nil {
		return 0
	}
	return res.FilesCompacted
}

func (c *Converter) newSummary(path string, id *identity.LogIdentity) *Summary {
	return &Summary{
		LogUID:        id.ContentHash,
		HashAlgorithm: id.Algorithm,
		Kind:          string(id.Kind),
		Source:        path,
	}
}

func (c *Converter) applySurvey(s *Summary, sv *survey) {
	s.DeviceID = sv.metadata.DeviceID
	if sv.metadata.HasBootCount {
		bc := sv.metadata.BootCount
		s.BootCount = &bc
	}
	if sv.metadata.HasStartTime {
		s.StartTime = sv.metadata.StartTime
	}
	s.ClockOffset = sv.offset
	s.ClockSamples = sv.clockSamples
	s.Schemas = sv.registry.Len()
}

func recordSurveyMetrics(sv *survey) {
	m := metrics.Get()
	m.IncRecordsDecoded(sv.decoderStats.Records)
	m.IncDecoderResyncs(sv.decoderStats.Resyncs)
	m.IncDecoderBadCRC(sv.decoderStats.BadCRC)
	m.IncUnknownMessages(sv.decoderStats.Unknown)
	m.IncSchemasRegistered(sv.schemaStats.Registered)
	m.IncSchemaDuplicates(sv.schemaStats.Duplicates)
	m.IncUnitsAttached(sv.schemaStats.UnitsAttached)
	m.IncUnitsDropped(sv.schemaStats.UnitsDropped)
	m.IncClockSamples(sv.clockSamples)
}

func (c *Converter) recordStart(ctx context.Context, s *Summary, logger zerolog.Logger) *catalog.Conversion {
	if c.catalog == nil {
		return nil
	}
	conv := &catalog.Conversion{
		RunID:         s.RunID,
		LogUID:        s.LogUID,
		SourcePath:    s.Source,
		Kind:          s.Kind,
		HashAlgorithm: s.HashAlgorithm,
		FlushPolicy:   s.Policy,
	}
	if err := c.catalog.RecordStart(ctx, conv); err != nil {
		logger.Warn().Err(err).Msg("Failed to record conversion start")
		return nil
	}
	return conv
}

func (c *Converter) recordFinish(ctx context.Context, conv *catalog.Conversion, s *Summary, runErr error, logger zerolog.Logger) {
	if conv == nil {
		return
	}
	conv.Records = s.Records
	conv.Rows = s.Rows
	conv.Partitions = s.Partitions
	conv.DeviceID = s.DeviceID
	conv.StartTime = s.StartTime
	if s.BootCount != nil {
		conv.BootCount = strconv.FormatInt(*s.BootCount, 10)
	}
	if err := c.catalog.RecordFinish(ctx, conv, runErr); err != nil {
		logger.Warn().Err(err).Msg("Failed to record conversion finish")
	}
}
