package decoder

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/bluenviron/gomavlib/v3/pkg/dialect"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/bluenviron/gomavlib/v3/pkg/x25"
)

const (
	mavMagicV1 = 0xFE
	mavMagicV2 = 0xFD

	mavHeaderLenV1  = 6
	mavHeaderLenV2  = 10
	mavChecksumLen  = 2
	mavSignatureLen = 13

	mavIncompatSigned = 0x01
)

// mavDialect resolves message ids of the ardupilotmega dialect (which
// includes common) to their crc_extra and payload codec.
var mavDialect = func() *dialect.ReadWriter {
	rw := &dialect.ReadWriter{Dialect: ardupilotmega.Dialect}
	if err := rw.Initialize(); err != nil {
		panic(fmt.Sprintf("mavlink dialect: %v", err))
	}
	return rw
}()

// MAVLinkMessageNames returns the message names the tlog decoder understands.
func MAVLinkMessageNames() []string {
	names := make([]string, 0, len(ardupilotmega.Dialect.Messages))
	for _, msg := range ardupilotmega.Dialect.Messages {
		names = append(names, mavLayoutOf(reflect.TypeOf(msg).Elem()).name)
	}
	sort.Strings(names)
	return names
}

// mavChecksum computes the frame checksum over header (without magic), payload and crc_extra.
func mavChecksum(headerAndPayload []byte, crcExtra byte) uint16 {
	h := x25.New()
	h.Write(headerAndPayload)
	h.Write([]byte{crcExtra})
	return h.Sum16()
}

// decodeMAVPayload decodes a verified payload with the dialect codec and
// flattens the message struct into declaration-ordered fields.
func decodeMAVPayload(mp *message.ReadWriter, msgID uint32, payload []byte, isV2 bool) (string, []Field, error) {
	msg, err := mp.Read(&message.MessageRaw{ID: msgID, Payload: payload}, isV2)
	if err != nil {
		return "", nil, err
	}
	rv := reflect.ValueOf(msg).Elem()
	l := mavLayoutOf(rv.Type())
	fields := make([]Field, len(l.fields))
	for i, f := range l.fields {
		fields[i] = Field{Name: f.name, Value: f.value(rv.Field(f.index))}
	}
	return l.name, fields, nil
}

type mavLayout struct {
	name   string
	fields []mavFieldLayout
}

type mavFieldLayout struct {
	index int
	name  string
	// wire width of enum array elements, which are uint64 in Go
	enumWidth int
}

var mavLayouts sync.Map // reflect.Type -> *mavLayout

func mavLayoutOf(t reflect.Type) *mavLayout {
	if l, ok := mavLayouts.Load(t); ok {
		return l.(*mavLayout)
	}

	l := &mavLayout{name: strings.ToUpper(snakeCase(strings.TrimPrefix(t.Name(), "Message")))}
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Tag.Get("mavname")
		if name == "" {
			name = snakeCase(sf.Name)
		}
		l.fields = append(l.fields, mavFieldLayout{
			index:     i,
			name:      name,
			enumWidth: mavEnumWidth(sf.Tag.Get("mavenum")),
		})
	}

	actual, _ := mavLayouts.LoadOrStore(t, l)
	return actual.(*mavLayout)
}

// snakeCase turns a Go identifier into lower snake case: Chan1Raw -> chan1_raw.
func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

func mavEnumWidth(wire string) int {
	switch wire {
	case "uint8", "int8":
		return 1
	case "uint16", "int16":
		return 2
	case "uint32", "int32":
		return 4
	case "":
		return 0
	default:
		return 8
	}
}

func (f mavFieldLayout) value(v reflect.Value) Value {
	switch v.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Uint(v.Uint())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(v.Int())
	case reflect.Float32, reflect.Float64:
		return Float(v.Float())
	case reflect.String:
		return String(v.String())
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Int16 {
			a := make([]int16, v.Len())
			for i := range a {
				a[i] = int16(v.Index(i).Int())
			}
			return Int16Array(a)
		}
		return Bytes(f.arrayBytes(v))
	}
	return Value{}
}

// arrayBytes re-encodes an array field little-endian at its wire width.
func (f mavFieldLayout) arrayBytes(v reflect.Value) []byte {
	width := f.enumWidth
	if width == 0 {
		width = int(v.Type().Elem().Size())
	}
	out := make([]byte, 0, v.Len()*width)
	for i := 0; i < v.Len(); i++ {
		e := v.Index(i)
		var u uint64
		switch e.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			u = uint64(e.Int())
		case reflect.Float32:
			u = uint64(math.Float32bits(float32(e.Float())))
		case reflect.Float64:
			u = math.Float64bits(e.Float())
		default:
			u = e.Uint()
		}
		for j := 0; j < width; j++ {
			out = append(out, byte(u>>(8*j)))
		}
	}
	return out
}
