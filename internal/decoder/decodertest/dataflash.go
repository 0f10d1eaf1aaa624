// Package decodertest writes DataFlash and telemetry logs for tests.
package decodertest

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/basekick-labs/aplake/internal/decoder"
	"github.com/spf13/cast"
)

const (
	dfHead1 = 0xA3
	dfHead2 = 0x95

	dfFMTType   = 128
	dfFMTLength = 89
	dfFMTFormat = "BBnNZ"
)

type layout struct {
	typ     uint8
	length  int
	format  string
	columns []string
}

// DataFlashWriter writes DataFlash logs. Layouts are declared with
// WriteFormat before messages of that type are written.
type DataFlashWriter struct {
	w       io.Writer
	layouts map[string]*layout
}

// NewDataFlashWriter returns a writer that emits DataFlash messages to w.
func NewDataFlashWriter(w io.Writer) *DataFlashWriter {
	return &DataFlashWriter{
		w: w,
		layouts: map[string]*layout{
			"FMT": {
				typ:     dfFMTType,
				length:  dfFMTLength,
				format:  dfFMTFormat,
				columns: []string{"Type", "Length", "Name", "Format", "Columns"},
			},
		},
	}
}

// WriteFormat emits a FMT record and registers the layout for WriteMessage.
func (dw *DataFlashWriter) WriteFormat(typ uint8, name, format string, columns ...string) error {
	size, err := decoder.DataFlashPayloadSize(format)
	if err != nil {
		return err
	}
	if len(columns) != len(format) {
		return fmt.Errorf("format %q declares %d fields, got %d columns", format, len(format), len(columns))
	}
	length := size + 3
	if err := dw.WriteMessage("FMT", typ, length, name, format, strings.Join(columns, ",")); err != nil {
		return err
	}
	dw.layouts[name] = &layout{typ: typ, length: length, format: format, columns: columns}
	return nil
}

// WriteMessage emits one message; values follow the declared column order.
func (dw *DataFlashWriter) WriteMessage(name string, values ...interface{}) error {
	l, ok := dw.layouts[name]
	if !ok {
		return fmt.Errorf("no layout declared for %s", name)
	}
	if len(values) != len(l.format) {
		return fmt.Errorf("%s expects %d values, got %d", name, len(l.format), len(values))
	}

	buf := make([]byte, 3, l.length)
	buf[0], buf[1], buf[2] = dfHead1, dfHead2, l.typ
	for i := 0; i < len(l.format); i++ {
		enc, err := encodeField(l.format[i], values[i])
		if err != nil {
			return fmt.Errorf("%s.%s: %w", name, l.columns[i], err)
		}
		buf = append(buf, enc...)
	}
	_, err := dw.w.Write(buf)
	return err
}

// WriteRaw emits bytes verbatim.
func (dw *DataFlashWriter) WriteRaw(b []byte) error {
	_, err := dw.w.Write(b)
	return err
}

func encodeField(c byte, v interface{}) ([]byte, error) {
	size, err := decoder.DataFlashPayloadSize(string(c))
	if err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	out := make([]byte, size)
	switch c {
	case 'b':
		n, err := cast.ToInt64E(v)
		out[0] = byte(int8(n))
		return out, err
	case 'B', 'M':
		n, err := cast.ToUint64E(v)
		out[0] = byte(n)
		return out, err
	case 'h', 'H':
		n, err := cast.ToInt64E(v)
		le.PutUint16(out, uint16(n))
		return out, err
	case 'i', 'I':
		n, err := cast.ToInt64E(v)
		le.PutUint32(out, uint32(n))
		return out, err
	case 'q':
		n, err := cast.ToInt64E(v)
		le.PutUint64(out, uint64(n))
		return out, err
	case 'Q':
		n, err := cast.ToUint64E(v)
		le.PutUint64(out, n)
		return out, err
	case 'f':
		x, err := cast.ToFloat64E(v)
		le.PutUint32(out, math.Float32bits(float32(x)))
		return out, err
	case 'd':
		x, err := cast.ToFloat64E(v)
		le.PutUint64(out, math.Float64bits(x))
		return out, err
	case 'c', 'C':
		x, err := cast.ToFloat64E(v)
		le.PutUint16(out, uint16(int64(math.Round(x*100))))
		return out, err
	case 'e', 'E':
		x, err := cast.ToFloat64E(v)
		le.PutUint32(out, uint32(int64(math.Round(x*100))))
		return out, err
	case 'L':
		x, err := cast.ToFloat64E(v)
		le.PutUint32(out, uint32(int32(math.Round(x*1e7))))
		return out, err
	case 'n', 'N', 'Z':
		s, err := cast.ToStringE(v)
		copy(out, s)
		return out, err
	case 'a':
		a, ok := v.([]int16)
		if !ok {
			return nil, fmt.Errorf("format 'a' needs []int16, got %T", v)
		}
		for i := 0; i < len(a) && i < 32; i++ {
			le.PutUint16(out[2*i:], uint16(a[i]))
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown format character %q", c)
}
