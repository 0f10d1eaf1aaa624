package metrics

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds conversion counters for the process, exported as a snapshot
// map or in Prometheus text format.
type Metrics struct {
	startTime time.Time

	// Run metrics
	runsTotal   atomic.Int64
	runsSuccess atomic.Int64
	runsFailed  atomic.Int64
	runsBinary  atomic.Int64
	runsTlog    atomic.Int64

	// Decoder metrics
	recordsDecoded  atomic.Int64
	decoderResyncs  atomic.Int64
	decoderBadCRC   atomic.Int64
	unknownMessages atomic.Int64

	// Schema metrics
	schemasRegistered atomic.Int64
	schemaDuplicates  atomic.Int64
	unitsAttached     atomic.Int64
	unitsDropped      atomic.Int64

	// Clock metrics
	clockSamples atomic.Int64

	// Router metrics
	recordsRouted     atomic.Int64
	recordsSkipped    atomic.Int64
	cellsEmitted      atomic.Int64
	coercionFallbacks atomic.Int64
	partitionsCreated atomic.Int64

	// Writer metrics
	flushesTotal     atomic.Int64
	rowsWritten      atomic.Int64
	bytesWritten     atomic.Int64
	mergeReadbacks   atomic.Int64
	flushErrorsTotal atomic.Int64

	// Storage metrics
	storageErrorsTotal atomic.Int64

	// Compaction metrics
	compactionJobsTotal      atomic.Int64
	compactionJobsSuccess    atomic.Int64
	compactionJobsFailed     atomic.Int64
	compactionFilesCompacted atomic.Int64
	compactionBytesWritten   atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// New returns an independent metrics set
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Debug().Msg("Metrics collector initialized")
	return m
}

// Run Metrics
func (m *Metrics) IncRuns()       { m.runsTotal.Add(1) }
func (m *Metrics) IncRunSuccess() { m.runsSuccess.Add(1) }
func (m *Metrics) IncRunFailed()  { m.runsFailed.Add(1) }

// IncRunKind counts a run by log kind ("bin" or "tlog")
func (m *Metrics) IncRunKind(kind string) {
	switch kind {
	case "bin":
		m.runsBinary.Add(1)
	case "tlog":
		m.runsTlog.Add(1)
	}
}

// Decoder Metrics
func (m *Metrics) IncRecordsDecoded(count int64)  { m.recordsDecoded.Add(count) }
func (m *Metrics) IncDecoderResyncs(count int64)  { m.decoderResyncs.Add(count) }
func (m *Metrics) IncDecoderBadCRC(count int64)   { m.decoderBadCRC.Add(count) }
func (m *Metrics) IncUnknownMessages(count int64) { m.unknownMessages.Add(count) }

// Schema Metrics
func (m *Metrics) IncSchemasRegistered(count int64) { m.schemasRegistered.Add(count) }
func (m *Metrics) IncSchemaDuplicates(count int64)  { m.schemaDuplicates.Add(count) }
func (m *Metrics) IncUnitsAttached(count int64)     { m.unitsAttached.Add(count) }
func (m *Metrics) IncUnitsDropped(count int64)      { m.unitsDropped.Add(count) }

// Clock Metrics
func (m *Metrics) IncClockSamples(count int64) { m.clockSamples.Add(count) }

// Router Metrics
func (m *Metrics) IncRecordsRouted(count int64)     { m.recordsRouted.Add(count) }
func (m *Metrics) IncRecordsSkipped(count int64)    { m.recordsSkipped.Add(count) }
func (m *Metrics) IncCellsEmitted(count int64)      { m.cellsEmitted.Add(count) }
func (m *Metrics) IncCoercionFallbacks(count int64) { m.coercionFallbacks.Add(count) }
func (m *Metrics) IncPartitionsCreated()            { m.partitionsCreated.Add(1) }

// Writer Metrics
func (m *Metrics) IncFlushes()                { m.flushesTotal.Add(1) }
func (m *Metrics) IncRowsWritten(count int64) { m.rowsWritten.Add(count) }
func (m *Metrics) IncBytesWritten(n int64)    { m.bytesWritten.Add(n) }
func (m *Metrics) IncMergeReadbacks()         { m.mergeReadbacks.Add(1) }
func (m *Metrics) IncFlushErrors()            { m.flushErrorsTotal.Add(1) }

// Storage Metrics
func (m *Metrics) IncStorageErrors() { m.storageErrorsTotal.Add(1) }

// Compaction Metrics
func (m *Metrics) IncCompactionJobs()                      { m.compactionJobsTotal.Add(1) }
func (m *Metrics) IncCompactionSuccess()                   { m.compactionJobsSuccess.Add(1) }
func (m *Metrics) IncCompactionFailed()                    { m.compactionJobsFailed.Add(1) }
func (m *Metrics) IncCompactionFilesCompacted(count int64) { m.compactionFilesCompacted.Add(count) }
func (m *Metrics) IncCompactionBytesWritten(n int64)       { m.compactionBytesWritten.Add(n) }

// RowsWritten returns the number of rows persisted so far
func (m *Metrics) RowsWritten() int64 { return m.rowsWritten.Load() }

// CoercionFallbacks returns the number of values stored as text after a failed float conversion
func (m *Metrics) CoercionFallbacks() int64 { return m.coercionFallbacks.Load() }

// Snapshot returns all metrics as a map
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"uptime_seconds":     time.Since(m.startTime).Seconds(),
		"memory_alloc_bytes": memStats.Alloc,
		"memory_sys_bytes":   memStats.Sys,

		"runs_total":   m.runsTotal.Load(),
		"runs_success": m.runsSuccess.Load(),
		"runs_failed":  m.runsFailed.Load(),
		"runs_bin":     m.runsBinary.Load(),
		"runs_tlog":    m.runsTlog.Load(),

		"records_decoded":  m.recordsDecoded.Load(),
		"decoder_resyncs":  m.decoderResyncs.Load(),
		"decoder_bad_crc":  m.decoderBadCRC.Load(),
		"unknown_messages": m.unknownMessages.Load(),

		"schemas_registered": m.schemasRegistered.Load(),
		"schema_duplicates":  m.schemaDuplicates.Load(),
		"units_attached":     m.unitsAttached.Load(),
		"units_dropped":      m.unitsDropped.Load(),

		"clock_samples": m.clockSamples.Load(),

		"records_routed":     m.recordsRouted.Load(),
		"records_skipped":    m.recordsSkipped.Load(),
		"cells_emitted":      m.cellsEmitted.Load(),
		"coercion_fallbacks": m.coercionFallbacks.Load(),
		"partitions_created": m.partitionsCreated.Load(),

		"flushes_total":   m.flushesTotal.Load(),
		"rows_written":    m.rowsWritten.Load(),
		"bytes_written":   m.bytesWritten.Load(),
		"merge_readbacks": m.mergeReadbacks.Load(),
		"flush_errors":    m.flushErrorsTotal.Load(),

		"storage_errors": m.storageErrorsTotal.Load(),

		"compaction_jobs_total":      m.compactionJobsTotal.Load(),
		"compaction_jobs_success":    m.compactionJobsSuccess.Load(),
		"compaction_jobs_failed":     m.compactionJobsFailed.Load(),
		"compaction_files_compacted": m.compactionFilesCompacted.Load(),
		"compaction_bytes_written":   m.compactionBytesWritten.Load(),
	}
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var b []byte
	b = appendFamily(b, "aplake_uptime_seconds", "Time since the process started", "gauge", time.Since(m.startTime).Seconds())

	b = append(b, "# HELP aplake_runs_total Conversion runs by outcome\n"...)
	b = append(b, "# TYPE aplake_runs_total counter\n"...)
	b = appendMetricWithLabel(b, "aplake_runs_total", "status", "success", float64(m.runsSuccess.Load()))
	b = appendMetricWithLabel(b, "aplake_runs_total", "status", "failed", float64(m.runsFailed.Load()))

	b = append(b, "# HELP aplake_runs_by_kind_total Conversion runs by log kind\n"...)
	b = append(b, "# TYPE aplake_runs_by_kind_total counter\n"...)
	b = appendMetricWithLabel(b, "aplake_runs_by_kind_total", "kind", "bin", float64(m.runsBinary.Load()))
	b = appendMetricWithLabel(b, "aplake_runs_by_kind_total", "kind", "tlog", float64(m.runsTlog.Load()))

	b = appendFamily(b, "aplake_records_decoded_total", "Records produced by decoders", "counter", float64(m.recordsDecoded.Load()))
	b = appendFamily(b, "aplake_decoder_resyncs_total", "Bytes discarded while searching for a frame header", "counter", float64(m.decoderResyncs.Load()))
	b = appendFamily(b, "aplake_decoder_bad_crc_total", "Frames rejected by checksum", "counter", float64(m.decoderBadCRC.Load()))
	b = appendFamily(b, "aplake_unknown_messages_total", "Frames with no known layout", "counter", float64(m.unknownMessages.Load()))

	b = appendFamily(b, "aplake_schemas_registered_total", "Message schemas learned", "counter", float64(m.schemasRegistered.Load()))
	b = appendFamily(b, "aplake_schema_duplicates_total", "Repeated schema records ignored", "counter", float64(m.schemaDuplicates.Load()))
	b = appendFamily(b, "aplake_units_attached_total", "Units records applied to a schema", "counter", float64(m.unitsAttached.Load()))
	b = appendFamily(b, "aplake_units_dropped_total", "Units records with no matching schema", "counter", float64(m.unitsDropped.Load()))

	b = appendFamily(b, "aplake_clock_samples_total", "Samples used for clock offset estimation", "counter", float64(m.clockSamples.Load()))

	b = appendFamily(b, "aplake_records_routed_total", "Records routed to partitions", "counter", float64(m.recordsRouted.Load()))
	b = appendFamily(b, "aplake_records_skipped_total", "Records without a usable schema", "counter", float64(m.recordsSkipped.Load()))
	b = appendFamily(b, "aplake_cells_emitted_total", "Partition rows emitted by the router", "counter", float64(m.cellsEmitted.Load()))
	b = appendFamily(b, "aplake_coercion_fallbacks_total", "Values stored as text after failed float conversion", "counter", float64(m.coercionFallbacks.Load()))
	b = appendFamily(b, "aplake_partitions_created_total", "Partitions opened", "counter", float64(m.partitionsCreated.Load()))

	b = appendFamily(b, "aplake_flushes_total", "Partition batch flushes", "counter", float64(m.flushesTotal.Load()))
	b = appendFamily(b, "aplake_rows_written_total", "Rows persisted", "counter", float64(m.rowsWritten.Load()))
	b = appendFamily(b, "aplake_bytes_written_total", "Parquet bytes persisted", "counter", float64(m.bytesWritten.Load()))
	b = appendFamily(b, "aplake_merge_readbacks_total", "Existing partition files read back for merge", "counter", float64(m.mergeReadbacks.Load()))
	b = appendFamily(b, "aplake_flush_errors_total", "Failed partition flushes", "counter", float64(m.flushErrorsTotal.Load()))
	b = appendFamily(b, "aplake_storage_errors_total", "Storage backend errors", "counter", float64(m.storageErrorsTotal.Load()))

	b = append(b, "# HELP aplake_compaction_jobs_total Compaction jobs by outcome\n"...)
	b = append(b, "# TYPE aplake_compaction_jobs_total counter\n"...)
	b = appendMetricWithLabel(b, "aplake_compaction_jobs_total", "status", "success", float64(m.compactionJobsSuccess.Load()))
	b = appendMetricWithLabel(b, "aplake_compaction_jobs_total", "status", "failed", float64(m.compactionJobsFailed.Load()))
	b = appendFamily(b, "aplake_compaction_files_compacted_total", "Fragment files merged by compaction", "counter", float64(m.compactionFilesCompacted.Load()))
	b = appendFamily(b, "aplake_compaction_bytes_written_total", "Bytes written by compaction", "counter", float64(m.compactionBytesWritten.Load()))

	return string(b)
}

func appendFamily(b []byte, name, help, typ string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, "\n# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	return appendMetric(b, name, value)
}

// Helper functions for Prometheus format
func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=', '"')
	b = append(b, labelValue...)
	b = append(b, '"', '}', ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendFloat(b []byte, v float64) []byte {
	if v == float64(int64(v)) {
		return appendInt(b, int64(v))
	}
	// Up to 6 decimal places
	intPart := int64(v)
	fracPart := int64((v - float64(intPart)) * 1000000)
	if fracPart < 0 {
		fracPart = -fracPart
	}
	b = appendInt(b, intPart)
	b = append(b, '.')
	for pad := int64(100000); pad > 1 && fracPart < pad; pad /= 10 {
		b = append(b, '0')
	}
	b = appendInt(b, fracPart)
	return b
}

func appendInt(b []byte, v int64) []byte {
	if v < 0 {
		b = append(b, '-')
		v = -v
	}
	if v == 0 {
		return append(b, '0')
	}
	var digits [20]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return append(b, digits[i:]...)
}
