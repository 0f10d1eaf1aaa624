package decoder

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/rs/zerolog"
)

const (
	dfHead1 = 0xA3
	dfHead2 = 0x95

	dfFMTType   = 128
	dfFMTLength = 89
	dfFMTFormat = "BBnNZ"
)

var dfFMTColumns = []string{"Type", "Length", "Name", "Format", "Columns"}

// dfLayout is a message layout learned from a FMT record.
type dfLayout struct {
	typ     uint8
	length  int // including the 3-byte header
	name    string
	format  string
	columns []string
}

// dfFieldSize returns the encoded width of a DataFlash format character, or 0 when unknown.
func dfFieldSize(c byte) int {
	switch c {
	case 'b', 'B', 'M':
		return 1
	case 'h', 'H', 'c', 'C':
		return 2
	case 'i', 'I', 'e', 'E', 'L', 'f', 'n':
		return 4
	case 'd', 'q', 'Q':
		return 8
	case 'N':
		return 16
	case 'Z', 'a':
		return 64
	}
	return 0
}

// DataFlashPayloadSize returns the payload width of a format string, or an error for unknown characters.
func DataFlashPayloadSize(format string) (int, error) {
	total := 0
	for i := 0; i < len(format); i++ {
		n := dfFieldSize(format[i])
		if n == 0 {
			return 0, fmt.Errorf("unknown format character %q", format[i])
		}
		total += n
	}
	return total, nil
}

// IsStringFormat reports whether a DataFlash format character decodes to text.
func IsStringFormat(c byte) bool {
	return c == 'n' || c == 'N' || c == 'Z'
}

type dataFlashDecoder struct {
	s      *stream
	logger zerolog.Logger

	layouts    map[uint8]*dfLayout
	lastTimeUS uint64
	haveTime   bool
	stats      Stats
}

func newDataFlashDecoder(s *stream, logger zerolog.Logger) *dataFlashDecoder {
	d := &dataFlashDecoder{s: s, logger: logger}
	d.reset()
	return d
}

func (d *dataFlashDecoder) reset() {
	d.layouts = map[uint8]*dfLayout{
		dfFMTType: {
			typ:     dfFMTType,
			length:  dfFMTLength,
			name:    "FMT",
			format:  dfFMTFormat,
			columns: dfFMTColumns,
		},
	}
	d.lastTimeUS = 0
	d.haveTime = false
	d.stats = Stats{}
}

func (d *dataFlashDecoder) Format() Format { return FormatDataFlash }
func (d *dataFlashDecoder) Stats() Stats   { return d.stats }
func (d *dataFlashDecoder) Close() error   { return d.s.close() }

func (d *dataFlashDecoder) Rewind() error {
	if err := d.s.rewind(); err != nil {
		return err
	}
	d.reset()
	return nil
}

func (d *dataFlashDecoder) Next() (*Record, error) {
	for {
		hdr, err := d.s.peek(3)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if len(hdr) < 3 {
			return nil, io.EOF
		}
		if hdr[0] != dfHead1 || hdr[1] != dfHead2 {
			d.s.discard(1)
			d.stats.Resyncs++
			continue
		}

		layout, ok := d.layouts[hdr[2]]
		if !ok {
			d.s.discard(1)
			d.stats.Unknown++
			d.stats.Resyncs++
			continue
		}

		buf, err := d.s.peek(layout.length)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if len(buf) < layout.length {
			// Truncated tail or a false header near the end
			d.s.discard(1)
			d.stats.Resyncs++
			continue
		}

		rec, err := d.decode(layout, buf[3:layout.length])
		if err != nil {
			d.logger.Debug().Err(err).Str("type", layout.name).Msg("Skipping undecodable message")
			d.s.discard(1)
			d.stats.Resyncs++
			continue
		}
		d.s.discard(layout.length)

		if layout.typ == dfFMTType {
			d.learn(rec)
		}
		d.stats.Records++
		return rec, nil
	}
}

func (d *dataFlashDecoder) decode(layout *dfLayout, body []byte) (*Record, error) {
	rec := &Record{
		Type:   layout.name,
		Fields: make([]Field, 0, len(layout.columns)),
	}

	off := 0
	for i := 0; i < len(layout.format); i++ {
		c := layout.format[i]
		n := dfFieldSize(c)
		if n == 0 || off+n > len(body) {
			return nil, fmt.Errorf("layout %s does not fit payload", layout.name)
		}
		v := decodeDataFlashField(c, body[off:off+n])
		off += n

		if i >= len(layout.columns) {
			continue
		}
		name := layout.columns[i]
		rec.Fields = append(rec.Fields, Field{Name: name, Value: v})

		if name == "TimeUS" {
			if us, ok := v.Float64(); ok {
				d.lastTimeUS = uint64(us)
				d.haveTime = true
			}
		}
	}

	if d.haveTime {
		rec.Timestamp = float64(d.lastTimeUS) / 1e6
		rec.HasTimestamp = true
	}
	return rec, nil
}

// learn registers the layout described by a FMT record.
func (d *dataFlashDecoder) learn(rec *Record) {
	typ, _ := rec.GetFloat("Type")
	length, _ := rec.GetFloat("Length")
	name := rec.GetString("Name")
	format := rec.GetString("Format")
	columns := splitColumns(rec.GetString("Columns"))

	size, err := DataFlashPayloadSize(format)
	if err != nil || size+3 != int(length) || len(columns) != len(format) || name == "" {
		d.logger.Debug().
			Str("name", name).
			Str("format", format).
			Int("length", int(length)).
			Msg("Ignoring inconsistent FMT record")
		return
	}

	d.layouts[uint8(typ)] = &dfLayout{
		typ:     uint8(typ),
		length:  int(length),
		name:    name,
		format:  format,
		columns: columns,
	}
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

func decodeDataFlashField(c byte, b []byte) Value {
	le := binary.LittleEndian
	switch c {
	case 'b':
		return Int(int64(int8(b[0])))
	case 'B', 'M':
		return Uint(uint64(b[0]))
	case 'h':
		return Int(int64(int16(le.Uint16(b))))
	case 'H':
		return Uint(uint64(le.Uint16(b)))
	case 'i':
		return Int(int64(int32(le.Uint32(b))))
	case 'I':
		return Uint(uint64(le.Uint32(b)))
	case 'q':
		return Int(int64(le.Uint64(b)))
	case 'Q':
		return Uint(le.Uint64(b))
	case 'f':
		return Float(float64(math.Float32frombits(le.Uint32(b))))
	case 'd':
		return Float(math.Float64frombits(le.Uint64(b)))
	case 'c':
		return Float(float64(int16(le.Uint16(b))) / 100)
	case 'C':
		return Float(float64(le.Uint16(b)) / 100)
	case 'e':
		return Float(float64(int32(le.Uint32(b))) / 100)
	case 'E':
		return Float(float64(le.Uint32(b)) / 100)
	case 'L':
		return Float(float64(int32(le.Uint32(b))) * 1e-7)
	case 'n', 'N', 'Z':
		return String(cString(b))
	case 'a':
		arr := make([]int16, len(b)/2)
		for i := range arr {
			arr[i] = int16(le.Uint16(b[2*i:]))
		}
		return Int16Array(arr)
	}
	return Value{}
}

// cString returns b up to the first NUL as valid UTF-8.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			b = b[:i]
			break
		}
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
