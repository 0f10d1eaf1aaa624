package identity

import (
	"math"
	"regexp"
	"strings"

	"github.com/basekick-labs/aplake/internal/clock"
	"github.com/basekick-labs/aplake/internal/decoder"
	"github.com/rs/zerolog"
)

// deviceIDPatterns are tried in order; the first match wins.
var deviceIDPatterns = func() []*regexp.Regexp {
	exprs := []string{
		`CarbonixCubeOrange\s+(\S.*)`,
		`CubeOrange\s+(\S.*)`,
		`CubeOrange-Volanti\s+(\S.*)`,
		`CubeOrange-Ottano\s+(\S.*)`,
		`CubeOrange-Octano\s+(\S.*)`,
		`CubeOrangePlus\s+(\S.*)`,
		`CubeOrangePlus-Volanti\s+(\S.*)`,
		`CubeOrangePlus-Ottano\s+(\S.*)`,
		`CubeOrangePlus-Octano\s+(\S.*)`,
	}
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}()

const bootCountParam = "STAT_BOOTCNT"

// ExtractDeviceID returns the board serial announced in a text message.
func ExtractDeviceID(text string) (string, bool) {
	for _, re := range deviceIDPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1]), true
		}
	}
	return "", false
}

// Metadata is what a log reveals about the vehicle and flight.
type Metadata struct {
	DeviceID     string  `json:"device_id,omitempty"`
	BootCount    int64   `json:"boot_count,omitempty"`
	HasBootCount bool    `json:"-"`
	StartTime    float64 `json:"start_time,omitempty"` // Unix seconds of boot
	HasStartTime bool    `json:"-"`
}

// Complete reports whether every field has been found.
func (m Metadata) Complete() bool {
	return m.DeviceID != "" && m.HasBootCount && m.HasStartTime
}

// MetadataExtractor collects Metadata from a record stream. The first value
// found for each field is kept.
type MetadataExtractor struct {
	format   decoder.Format
	timebase *clock.GPSTimebase
	meta     Metadata
	logger   zerolog.Logger
}

// NewMetadataExtractor creates an extractor for records of format.
func NewMetadataExtractor(format decoder.Format, logger zerolog.Logger) *MetadataExtractor {
	logger = logger.With().Str("component", "metadata").Logger()
	return &MetadataExtractor{
		format:   format,
		timebase: clock.NewGPSTimebase(logger),
		logger:   logger,
	}
}

// Observe inspects one record.
func (e *MetadataExtractor) Observe(rec *decoder.Record) {
	if e.format == decoder.FormatDataFlash {
		e.observeDataFlash(rec)
	} else {
		e.observeTlog(rec)
	}
}

func (e *MetadataExtractor) observeDataFlash(rec *decoder.Record) {
	switch rec.Type {
	case "MSG":
		e.observeText(rec.GetString("Message"))
	case "PARM":
		if rec.GetString("Name") == bootCountParam {
			e.observeBootCount(rec.GetFloat("Value"))
		}
	case clock.GPSRecord:
		if !e.meta.HasStartTime && e.timebase.Observe(rec) {
			e.meta.StartTime, e.meta.HasStartTime = e.timebase.Timebase()
			e.logger.Debug().Float64("start_time", e.meta.StartTime).Msg("Extracted start time")
		}
	}
}

func (e *MetadataExtractor) observeTlog(rec *decoder.Record) {
	switch rec.Type {
	case "STATUSTEXT":
		e.observeText(rec.GetString("text"))
	case "PARAM_VALUE":
		if rec.GetString("param_id") == bootCountParam {
			e.observeBootCount(rec.GetFloat("param_value"))
		}
	case clock.SystemTimeRecord:
		if e.meta.HasStartTime || rec.SrcComponent != clock.AutopilotComponent {
			return
		}
		usec, ok := rec.GetFloat("time_unix_usec")
		if !ok || usec < clock.MinValidUnixUsec {
			return
		}
		bootMS, _ := rec.GetFloat("time_boot_ms")
		e.meta.StartTime = usec/1e6 - bootMS/1e3
		e.meta.HasStartTime = true
		e.logger.Debug().Float64("start_time", e.meta.StartTime).Msg("Extracted start time")
	}
}

func (e *MetadataExtractor) observeText(text string) {
	if e.meta.DeviceID != "" {
		return
	}
	if id, ok := ExtractDeviceID(text); ok {
		e.meta.DeviceID = id
		e.logger.Debug().Str("device_id", id).Msg("Extracted device id")
	}
}

func (e *MetadataExtractor) observeBootCount(v float64, ok bool) {
	if e.meta.HasBootCount || !ok || math.IsNaN(v) {
		return
	}
	e.meta.BootCount = int64(v)
	e.meta.HasBootCount = true
	e.logger.Debug().Int64("boot_count", e.meta.BootCount).Msg("Extracted boot count")
}

// Done reports whether nothing more can be learned.
func (e *MetadataExtractor) Done() bool { return e.meta.Complete() }

// Metadata returns what has been found so far.
func (e *MetadataExtractor) Metadata() Metadata { return e.meta }
