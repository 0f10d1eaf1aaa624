package decoder

import (
	"encoding/binary"
	"math"
	"strconv"
)

// ValueKind tags the representation carried by a Value.
type ValueKind uint8

const (
	KindInvalid ValueKind = iota
	KindInt
	KindUint
	KindFloat
	KindString
	KindInt16Array
	KindBytes
)

func (k ValueKind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindInt16Array:
		return "int16[]"
	case KindBytes:
		return "bytes"
	default:
		return "invalid"
	}
}

// Value is a decoded field value. Exactly one representation is populated,
// selected by Kind.
type Value struct {
	kind ValueKind
	i    int64
	u    uint64
	f    float64
	s    string
	a    []int16
	b    []byte
}

func Int(v int64) Value          { return Value{kind: KindInt, i: v} }
func Uint(v uint64) Value        { return Value{kind: KindUint, u: v} }
func Float(v float64) Value      { return Value{kind: KindFloat, f: v} }
func String(v string) Value      { return Value{kind: KindString, s: v} }
func Int16Array(v []int16) Value { return Value{kind: KindInt16Array, a: v} }
func Bytes(v []byte) Value       { return Value{kind: KindBytes, b: v} }

func (v Value) Kind() ValueKind { return v.kind }

// IsNumeric reports whether the value is a scalar number.
func (v Value) IsNumeric() bool {
	return v.kind == KindInt || v.kind == KindUint || v.kind == KindFloat
}

// Float64 returns the scalar as a float64. ok is false for non-numeric kinds.
func (v Value) Float64() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindUint:
		return float64(v.u), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

// Int16s returns the elements of an int16 array value.
func (v Value) Int16s() []int16 { return v.a }

// Bytes returns the raw bytes of the value. Int16 arrays are returned in
// little-endian order.
func (v Value) Bytes() []byte {
	switch v.kind {
	case KindBytes:
		return v.b
	case KindInt16Array:
		out := make([]byte, 2*len(v.a))
		for i, e := range v.a {
			binary.LittleEndian.PutUint16(out[2*i:], uint16(e))
		}
		return out
	case KindString:
		return []byte(v.s)
	}
	return nil
}

// Any returns the value as a plain Go value.
func (v Value) Any() interface{} {
	switch v.kind {
	case KindInt:
		return v.i
	case KindUint:
		return v.u
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindInt16Array:
		return v.a
	case KindBytes:
		return v.b
	}
	return nil
}

// String renders the value as text. Integral floats render without a fraction.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindUint:
		return strconv.FormatUint(v.u, 10)
	case KindFloat:
		if v.f == math.Trunc(v.f) && math.Abs(v.f) < 1e15 {
			return strconv.FormatInt(int64(v.f), 10)
		}
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindInt16Array:
		out := make([]byte, 0, 4*len(v.a)+2)
		out = append(out, '[')
		for i, e := range v.a {
			if i > 0 {
				out = append(out, ", "...)
			}
			out = strconv.AppendInt(out, int64(e), 10)
		}
		return string(append(out, ']'))
	case KindBytes:
		return string(v.b)
	}
	return ""
}
