package clock

import (
	"github.com/basekick-labs/aplake/internal/decoder"
	"github.com/rs/zerolog"
)

const (
	// gpsEpoch is 1980-01-06T00:00:00Z in Unix seconds.
	gpsEpoch       = 315964800
	secondsPerWeek = 604800
	// leapSeconds is the GPS-UTC difference applied to DataFlash GPS time.
	leapSeconds = 18

	GPSRecord = "GPS"
)

// GPSTimebase derives the UTC time of boot from the first DataFlash GPS
// record with a 3-D fix, so boot-relative timestamps can be re-based.
type GPSTimebase struct {
	timebase float64
	found    bool
	logger   zerolog.Logger
}

// NewGPSTimebase creates a timebase with no fix yet.
func NewGPSTimebase(logger zerolog.Logger) *GPSTimebase {
	return &GPSTimebase{logger: logger.With().Str("component", "clock").Logger()}
}

// GPSToUnix converts GPS week and milliseconds-of-week to Unix seconds (UTC).
func GPSToUnix(week, msec float64) float64 {
	return gpsEpoch + week*secondsPerWeek + msec*0.001 - leapSeconds
}

// Observe latches the timebase from the first qualifying GPS record.
func (g *GPSTimebase) Observe(rec *decoder.Record) bool {
	if g.found || rec.Type != GPSRecord {
		return false
	}

	status, ok := rec.GetFloat("Status")
	if !ok || status < MinFixType {
		return false
	}
	week, ok := firstFloat(rec, "GWk", "Week")
	if !ok || week <= 0 {
		return false
	}
	msec, ok := firstFloat(rec, "GMS", "TimeMS")
	if !ok {
		return false
	}
	timeUS, ok := rec.GetFloat("TimeUS")
	if !ok {
		return false
	}

	g.timebase = GPSToUnix(week, msec) - timeUS/1e6
	g.found = true
	g.logger.Debug().Float64("timebase", g.timebase).Msg("GPS timebase established")
	return true
}

// Offset returns the value subtracted from boot-relative timestamps: the
// negated timebase, or 0 when no fix was seen.
func (g *GPSTimebase) Offset() float64 {
	if !g.found {
		return 0
	}
	return -g.timebase
}

// Timebase returns the UTC time of boot in seconds.
func (g *GPSTimebase) Timebase() (float64, bool) { return g.timebase, g.found }

// Samples returns 1 once a timebase is established.
func (g *GPSTimebase) Samples() int64 {
	if g.found {
		return 1
	}
	return 0
}

func firstFloat(rec *decoder.Record, names ...string) (float64, bool) {
	for _, name := range names {
		if v, ok := rec.GetFloat(name); ok {
			return v, true
		}
	}
	return 0, false
}
