// Package router turns decoded log records into per-partition rows.
package router

import (
	"math"
	"strconv"

	"github.com/basekick-labs/aplake/internal/decoder"
	"github.com/basekick-labs/aplake/internal/schema"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"
)

// reservedTypes carry schema or unit metadata rather than data.
var reservedTypes = map[string]struct{}{
	schema.FormatRecord: {},
	schema.UnitsRecord:  {},
	"UNIT":              {},
}

// excludedFields are never stored as partitions.
var excludedFields = map[string]struct{}{
	"TimeUS":        {},
	"MessageType":   {},
	"mavpackettype": {},
}

// DefaultInstance is used when a record carries no instance discriminator.
const DefaultInstance = "0"

// Stats counts routing outcomes.
type Stats struct {
	Records           int64
	Routed            int64
	Skipped           int64
	Cells             int64
	CoercionFallbacks int64
}

// Router assigns a line number to every record and emits one row per stored
// field. It is not safe for concurrent use.
type Router struct {
	format   decoder.Format
	registry *schema.Registry
	offsetMS float64
	line     int64
	stats    Stats
	progress *ProgressReporter
	logger   zerolog.Logger
}

// New creates a router. offset is subtracted (in seconds) from every record
// timestamp; registry is only consulted for DataFlash input.
func New(format decoder.Format, registry *schema.Registry, offset float64, progress *ProgressReporter, logger zerolog.Logger) *Router {
	return &Router{
		format:   format,
		registry: registry,
		offsetMS: offset * 1000,
		progress: progress,
		logger:   logger.With().Str("component", "router").Logger(),
	}
}

// Route appends the emissions for rec to dst and returns the extended slice.
// The line number advances for every record, routed or not.
func (r *Router) Route(rec *decoder.Record, dst []Emission) []Emission {
	r.line++
	r.stats.Records++
	r.progress.Tick()

	before := len(dst)
	if r.format == decoder.FormatTlog {
		dst = r.routeTlog(rec, dst)
	} else {
		var ok bool
		if dst, ok = r.routeDataFlash(rec, dst); !ok {
			r.stats.Skipped++
			return dst
		}
	}

	r.stats.Routed++
	r.stats.Cells += int64(len(dst) - before)
	return dst
}

// LineNumber returns the line number of the last routed record.
func (r *Router) LineNumber() int64 { return r.line }

// Stats returns routing counters.
func (r *Router) Stats() Stats { return r.stats }

func (r *Router) routeDataFlash(rec *decoder.Record, dst []Emission) ([]Emission, bool) {
	if _, reserved := reservedTypes[rec.Type]; reserved {
		return dst, false
	}
	cs, ok := r.registry.Lookup(rec.Type)
	if !ok {
		return dst, false
	}

	instance := DefaultInstance
	if cs.InstanceKey != "" {
		if v, ok := rec.Get(cs.InstanceKey); ok {
			instance = v.String()
		}
	}

	row := r.baseRow(rec)
	for i, name := range cs.Fields {
		if _, skip := excludedFields[name]; skip || name == cs.InstanceKey {
			continue
		}

		v, present := fieldAt(rec, i, name)
		if !present {
			row.Cell = Missing()
		} else {
			format, known := cs.FormatOf(name)
			if !known || decoder.IsStringFormat(format) {
				row.Cell = Text(v.String())
			} else {
				row.Cell = r.classify(rec.Type, name, v, true)
			}
		}

		dst = append(dst, Emission{
			Key: PartitionKey{MessageType: rec.Type, Instance: instance, KeyName: name},
			Row: row,
		})
	}
	return dst, true
}

func (r *Router) routeTlog(rec *decoder.Record, dst []Emission) []Emission {
	instance := strconv.Itoa(int(rec.SrcComponent))
	row := r.baseRow(rec)
	for _, fd := range rec.Fields {
		if _, skip := excludedFields[fd.Name]; skip {
			continue
		}
		if fd.Value.Kind() == decoder.KindString {
			row.Cell = Text(fd.Value.String())
		} else {
			row.Cell = r.classify(rec.Type, fd.Name, fd.Value, false)
		}
		dst = append(dst, Emission{
			Key: PartitionKey{MessageType: rec.Type, Instance: instance, KeyName: fd.Name},
			Row: row,
		})
	}
	return dst
}

// classify maps a non-text value to a cell. Short-integer arrays keep their
// first element as a numeric companion when withCompanion is set.
func (r *Router) classify(msgType, field string, v decoder.Value, withCompanion bool) Cell {
	switch v.Kind() {
	case decoder.KindInvalid:
		return Missing()
	case decoder.KindInt16Array:
		a := v.Int16s()
		if withCompanion && len(a) > 0 {
			return BinaryWithNumber(v.Bytes(), float64(a[0]))
		}
		return Binary(v.Bytes())
	case decoder.KindBytes:
		return Binary(v.Bytes())
	}

	f, err := cast.ToFloat64E(v.Any())
	if err != nil {
		r.stats.CoercionFallbacks++
		r.logger.Debug().Err(err).Str("message_type", msgType).Str("field", field).Msg("Value kept as text")
		return Text(v.String())
	}
	return Numeric(f)
}

func (r *Router) baseRow(rec *decoder.Record) Row {
	row := Row{LineNumber: r.line}
	if rec.HasTimestamp && !math.IsNaN(rec.Timestamp) {
		ms := int64(rec.Timestamp * 1000)
		row.Timestamp = int64(float64(ms) - r.offsetMS)
		row.HasTimestamp = true
	}
	return row
}

// fieldAt finds a declared column, trying its declared position first.
func fieldAt(rec *decoder.Record, i int, name string) (decoder.Value, bool) {
	if i < len(rec.Fields) && rec.Fields[i].Name == name {
		return rec.Fields[i].Value, true
	}
	return rec.Get(name)
}
