package clock

import (
	"github.com/basekick-labs/aplake/internal/decoder"
	"github.com/rs/zerolog"
)

const (
	// MinValidUnixUsec is 2000-01-01T00:00:00Z; earlier onboard times are unsynchronised.
	MinValidUnixUsec = 946684800000000

	SystemTimeRecord = "SYSTEM_TIME"
	GPSRawRecord     = "GPS_RAW_INT"

	// AutopilotComponent is the MAVLink component id whose clock is trusted.
	AutopilotComponent = 1
	// MinFixType is the lowest GPS fix type (3-D) accepted as a time source.
	MinFixType = 3
)

// Synchronizer observes survey-pass records and yields the offset subtracted
// from every record timestamp in the routing pass.
type Synchronizer interface {
	Observe(rec *decoder.Record) bool
	Offset() float64
	Samples() int64
}

// ForFormat returns the synchronizer used for a log format.
func ForFormat(format decoder.Format, logger zerolog.Logger) Synchronizer {
	if format == decoder.FormatDataFlash {
		return NewGPSTimebase(logger)
	}
	return NewEstimator(logger)
}

// Estimator computes the mean offset between tlog capture time and the
// autopilot's own wall clock.
type Estimator struct {
	mean   float64
	n      int64
	logger zerolog.Logger
}

// NewEstimator creates an estimator with no samples.
func NewEstimator(logger zerolog.Logger) *Estimator {
	return &Estimator{logger: logger.With().Str("component", "clock").Logger()}
}

// Observe folds a qualifying SYSTEM_TIME or GPS_RAW_INT record into the
// running mean and reports whether it was used.
func (e *Estimator) Observe(rec *decoder.Record) bool {
	if !rec.HasTimestamp || rec.SrcComponent != AutopilotComponent {
		return false
	}

	var field string
	switch rec.Type {
	case SystemTimeRecord:
		field = "time_unix_usec"
	case GPSRawRecord:
		fix, ok := rec.GetFloat("fix_type")
		if !ok || fix < MinFixType {
			return false
		}
		field = "time_usec"
	default:
		return false
	}

	v, ok := rec.Get(field)
	if !ok {
		return false
	}
	usec, ok := v.Float64()
	if !ok || usec < MinValidUnixUsec {
		return false
	}

	e.add(rec.Timestamp - usec/1e6)
	return true
}

func (e *Estimator) add(offset float64) {
	e.n++
	e.mean += (offset - e.mean) / float64(e.n)
}

// Offset returns the mean offset in seconds, or 0 when no sample qualified.
func (e *Estimator) Offset() float64 { return e.mean }

// Samples returns the number of records folded into the mean.
func (e *Estimator) Samples() int64 { return e.n }

// EstimateOffset scans the whole tlog stream for time reports, then rewinds it.
func EstimateOffset(dec decoder.Decoder, logger zerolog.Logger) (float64, error) {
	est := NewEstimator(logger)
	if err := decoder.Scan(dec, func(rec *decoder.Record) error {
		est.Observe(rec)
		return nil
	}); err != nil {
		return 0, err
	}
	est.logger.Debug().Int64("samples", est.n).Float64("offset", est.mean).Msg("Clock offset estimated")
	return est.Offset(), nil
}
