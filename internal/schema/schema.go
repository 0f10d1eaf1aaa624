// Package schema learns per-message column layouts from the schema records
// embedded in a DataFlash log (FMT and FMTU) and freezes them into an
// immutable Registry for the routing pass.
package schema

import (
	"sort"
	"strings"

	"github.com/basekick-labs/aplake/internal/decoder"
	"github.com/rs/zerolog"
)

const (
	// FormatRecord declares a message layout.
	FormatRecord = "FMT"
	// UnitsRecord attaches unit and multiplier codes to a declared layout.
	UnitsRecord = "FMTU"

	// InstanceUnit marks the column whose value discriminates instances.
	InstanceUnit = '#'
)

// ColumnSchema is the learned layout of one message type.
type ColumnSchema struct {
	Name   string
	TypeID uint8
	Length int
	Format string
	// Fields in declared order.
	Fields  []string
	Formats map[string]byte
	Units   map[string]byte
	Mults   map[string]byte
	// InstanceKey is the first field whose unit is '#', or "".
	InstanceKey string
}

// FormatOf returns the declared format character of a field.
func (c *ColumnSchema) FormatOf(field string) (byte, bool) {
	f, ok := c.Formats[field]
	return f, ok
}

// HasUnits reports whether a units record was applied.
func (c *ColumnSchema) HasUnits() bool { return len(c.Units) > 0 }

func (c *ColumnSchema) clone() *ColumnSchema {
	out := *c
	out.Fields = append([]string(nil), c.Fields...)
	out.Formats = cloneMap(c.Formats)
	out.Units = cloneMap(c.Units)
	out.Mults = cloneMap(c.Mults)
	return &out
}

func cloneMap(m map[string]byte) map[string]byte {
	out := make(map[string]byte, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Stats counts schema learning events.
type Stats struct {
	Registered    int64
	Duplicates    int64
	Malformed     int64
	UnitsAttached int64
	UnitsDropped  int64
}

// Builder accumulates schemas during the survey pass. It is not safe for concurrent use.
type Builder struct {
	schemas map[string]*ColumnSchema
	order   []*ColumnSchema
	stats   Stats
	logger  zerolog.Logger
}

// NewBuilder creates an empty builder.
func NewBuilder(logger zerolog.Logger) *Builder {
	return &Builder{
		schemas: make(map[string]*ColumnSchema),
		logger:  logger.With().Str("component", "schema").Logger(),
	}
}

// Observe feeds a record to the builder. Records other than FMT and FMTU are ignored.
func (b *Builder) Observe(rec *decoder.Record) {
	switch rec.Type {
	case FormatRecord:
		b.ObserveFormat(rec)
	case UnitsRecord:
		b.ObserveUnits(rec)
	}
}

// ObserveFormat registers the layout described by a FMT record. The first
// record for a name wins; later ones are counted as duplicates.
func (b *Builder) ObserveFormat(rec *decoder.Record) {
	name := rec.GetString("Name")
	format := rec.GetString("Format")
	if name == "" {
		b.stats.Malformed++
		return
	}
	if _, ok := b.schemas[name]; ok {
		b.stats.Duplicates++
		return
	}

	typ, _ := rec.GetFloat("Type")
	length, _ := rec.GetFloat("Length")
	columns := splitColumns(rec.GetString("Columns"))

	s := &ColumnSchema{
		Name:    name,
		TypeID:  uint8(typ),
		Length:  int(length),
		Format:  format,
		Fields:  columns,
		Formats: make(map[string]byte, len(columns)),
		Units:   make(map[string]byte),
		Mults:   make(map[string]byte),
	}
	for i, col := range columns {
		if i < len(format) {
			s.Formats[col] = format[i]
		}
	}
	if len(columns) != len(format) {
		b.logger.Debug().
			Str("name", name).
			Str("format", format).
			Int("columns", len(columns)).
			Msg("Format and column counts differ")
	}

	b.schemas[name] = s
	b.order = append(b.order, s)
	b.stats.Registered++
}

// ObserveUnits applies a FMTU record to every registered schema with a
// matching type id. Units for unknown types are dropped.
func (b *Builder) ObserveUnits(rec *decoder.Record) {
	fmtType, ok := rec.GetFloat("FmtType")
	if !ok {
		b.stats.Malformed++
		return
	}
	unitIDs := rec.GetString("UnitIds")
	multIDs := rec.GetString("MultIds")

	matched := false
	for _, s := range b.order {
		if s.TypeID != uint8(fmtType) {
			continue
		}
		matched = true
		for i, col := range s.Fields {
			if i < len(unitIDs) {
				s.Units[col] = unitIDs[i]
				if unitIDs[i] == InstanceUnit {
					if s.InstanceKey == "" {
						s.InstanceKey = col
					} else if s.InstanceKey != col {
						b.logger.Debug().
							Str("name", s.Name).
							Str("instance_key", s.InstanceKey).
							Str("ignored", col).
							Msg("Multiple instance columns, keeping the first")
					}
				}
			}
			if i < len(multIDs) {
				s.Mults[col] = multIDs[i]
			}
		}
	}

	if matched {
		b.stats.UnitsAttached++
		return
	}
	b.stats.UnitsDropped++
	b.logger.Debug().Int("fmt_type", int(fmtType)).Msg("Units record for unknown type dropped")
}

// Stats returns counters accumulated so far.
func (b *Builder) Stats() Stats { return b.stats }

// Freeze returns an immutable snapshot of the learned schemas.
func (b *Builder) Freeze() *Registry {
	r := &Registry{schemas: make(map[string]*ColumnSchema, len(b.schemas))}
	for name, s := range b.schemas {
		r.schemas[name] = s.clone()
	}
	return r
}

// Registry is a read-only set of schemas keyed by message name.
type Registry struct {
	schemas map[string]*ColumnSchema
}

// Lookup returns the schema for a message name. The result must not be modified.
func (r *Registry) Lookup(name string) (*ColumnSchema, bool) {
	if r == nil {
		return nil, false
	}
	s, ok := r.schemas[name]
	return s, ok
}

// Len returns the number of registered schemas.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.schemas)
}

// Names returns registered message names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func splitColumns(s string) []string {
	if s == "" {
		return nil
	}
	cols := strings.Split(s, ",")
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	return cols
}
