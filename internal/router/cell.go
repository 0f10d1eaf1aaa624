package router

import "math"

// CellKind tags which stored column carries a row's value.
type CellKind uint8

const (
	CellMissing CellKind = iota
	CellNumeric
	CellText
	CellBinary
)

func (k CellKind) String() string {
	switch k {
	case CellNumeric:
		return "numeric"
	case CellText:
		return "text"
	case CellBinary:
		return "binary"
	default:
		return "missing"
	}
}

// Cell is one routed field value. Number is NaN unless the cell is numeric
// or a binary cell carries a numeric companion.
type Cell struct {
	Kind   CellKind
	Number float32
	Text   string
	Binary []byte
}

var nan32 = float32(math.NaN())

// Numeric returns a numeric cell.
func Numeric(v float64) Cell { return Cell{Kind: CellNumeric, Number: float32(v)} }

// Text returns a text cell.
func Text(s string) Cell { return Cell{Kind: CellText, Number: nan32, Text: s} }

// Binary returns a binary cell without a numeric companion.
func Binary(b []byte) Cell { return Cell{Kind: CellBinary, Number: nan32, Binary: b} }

// BinaryWithNumber returns a binary cell whose Value column also holds v.
func BinaryWithNumber(b []byte, v float64) Cell {
	return Cell{Kind: CellBinary, Number: float32(v), Binary: b}
}

// Missing returns a cell for a declared field absent from the record.
func Missing() Cell { return Cell{Kind: CellMissing, Number: nan32} }

// HasNumber reports whether the Value column holds a real number.
func (c Cell) HasNumber() bool { return !math.IsNaN(float64(c.Number)) }

// HasValue reports whether the Value column is non-null for this cell. A
// numeric cell is always non-null, even when its number is NaN; a binary
// cell is non-null only with a numeric companion.
func (c Cell) HasValue() bool {
	switch c.Kind {
	case CellNumeric:
		return true
	case CellBinary:
		return c.HasNumber()
	default:
		return false
	}
}

// Row is one stored line of a partition.
type Row struct {
	// Timestamp in milliseconds; meaningful only when HasTimestamp is set.
	Timestamp    int64
	HasTimestamp bool
	LineNumber   int64
	Cell         Cell
}

// Emission pairs a row with its destination partition.
type Emission struct {
	Key PartitionKey
	Row Row
}
