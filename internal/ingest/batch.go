package ingest

import "github.com/basekick-labs/aplake/internal/router"

// Batch holds the five stored columns of one partition. All slices have
// equal length; the *Valid slices mark non-null entries.
type Batch struct {
	Timestamps  []int64
	TSValid     []bool
	LineNumbers []int64
	Values      []float32
	ValValid    []bool
	Strings     []string
	StrValid    []bool
	Binaries    [][]byte
	BinValid    []bool
}

// NewBatch returns an empty batch with room for capacity rows.
func NewBatch(capacity int) *Batch {
	return &Batch{
		Timestamps:  make([]int64, 0, capacity),
		TSValid:     make([]bool, 0, capacity),
		LineNumbers: make([]int64, 0, capacity),
		Values:      make([]float32, 0, capacity),
		ValValid:    make([]bool, 0, capacity),
		Strings:     make([]string, 0, capacity),
		StrValid:    make([]bool, 0, capacity),
		Binaries:    make([][]byte, 0, capacity),
		BinValid:    make([]bool, 0, capacity),
	}
}

// Len returns the number of rows.
func (b *Batch) Len() int { return len(b.LineNumbers) }

// Append adds one routed row.
func (b *Batch) Append(row router.Row) {
	b.Timestamps = append(b.Timestamps, row.Timestamp)
	b.TSValid = append(b.TSValid, row.HasTimestamp)
	b.LineNumbers = append(b.LineNumbers, row.LineNumber)

	c := row.Cell
	b.Values = append(b.Values, c.Number)
	b.ValValid = append(b.ValValid, c.HasValue())

	if c.Kind == router.CellText {
		s, _ := sanitizeUTF8(c.Text)
		b.Strings = append(b.Strings, s)
		b.StrValid = append(b.StrValid, true)
	} else {
		b.Strings = append(b.Strings, "")
		b.StrValid = append(b.StrValid, false)
	}

	if c.Kind == router.CellBinary {
		b.Binaries = append(b.Binaries, c.Binary)
		b.BinValid = append(b.BinValid, true)
	} else {
		b.Binaries = append(b.Binaries, nil)
		b.BinValid = append(b.BinValid, false)
	}
}

// AppendBatch appends all rows of o.
func (b *Batch) AppendBatch(o *Batch) {
	b.Timestamps = append(b.Timestamps, o.Timestamps...)
	b.TSValid = append(b.TSValid, o.TSValid...)
	b.LineNumbers = append(b.LineNumbers, o.LineNumbers...)
	b.Values = append(b.Values, o.Values...)
	b.ValValid = append(b.ValValid, o.ValValid...)
	b.Strings = append(b.Strings, o.Strings...)
	b.StrValid = append(b.StrValid, o.StrValid...)
	b.Binaries = append(b.Binaries, o.Binaries...)
	b.BinValid = append(b.BinValid, o.BinValid...)
}

// Reset empties the batch, keeping capacity.
func (b *Batch) Reset() {
	b.Timestamps = b.Timestamps[:0]
	b.TSValid = b.TSValid[:0]
	b.LineNumbers = b.LineNumbers[:0]
	b.Values = b.Values[:0]
	b.ValValid = b.ValValid[:0]
	b.Strings = b.Strings[:0]
	b.StrValid = b.StrValid[:0]
	for i := range b.Binaries {
		b.Binaries[i] = nil
	}
	b.Binaries = b.Binaries[:0]
	b.BinValid = b.BinValid[:0]
}

// Row reconstructs the i-th row. The cell kind is inferred from which
// columns are populated.
func (b *Batch) Row(i int) router.Row {
	row := router.Row{
		Timestamp:    b.Timestamps[i],
		HasTimestamp: b.TSValid[i],
		LineNumber:   b.LineNumbers[i],
	}
	switch {
	case b.BinValid[i] && b.ValValid[i]:
		row.Cell = router.BinaryWithNumber(b.Binaries[i], float64(b.Values[i]))
	case b.BinValid[i]:
		row.Cell = router.Binary(b.Binaries[i])
	case b.StrValid[i]:
		row.Cell = router.Text(b.Strings[i])
	case b.ValValid[i]:
		row.Cell = router.Cell{Kind: router.CellNumeric, Number: b.Values[i]}
	default:
		row.Cell = router.Missing()
	}
	return row
}

// Rows returns every row in order.
func (b *Batch) Rows() []router.Row {
	rows := make([]router.Row, b.Len())
	for i := range rows {
		rows[i] = b.Row(i)
	}
	return rows
}
