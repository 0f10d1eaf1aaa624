package router

import "github.com/rs/zerolog"

// ProgressReporter logs a progress line every interval records.
type ProgressReporter struct {
	interval int64
	count    int64
	logger   zerolog.Logger
}

// NewProgressReporter creates a reporter. A non-positive interval disables logging.
func NewProgressReporter(interval int64, logger zerolog.Logger) *ProgressReporter {
	return &ProgressReporter{
		interval: interval,
		logger:   logger.With().Str("component", "progress").Logger(),
	}
}

// Tick counts one record and reports whether a progress line was logged.
func (p *ProgressReporter) Tick() bool {
	if p == nil {
		return false
	}
	p.count++
	if p.interval <= 0 || p.count%p.interval != 0 {
		return false
	}
	p.logger.Info().Int64("records", p.count).Msg("Conversion progress")
	return true
}

// Count returns the number of records ticked so far.
func (p *ProgressReporter) Count() int64 {
	if p == nil {
		return 0
	}
	return p.count
}
