package model

import (
	"bytes"
	"cmp"
	"math"
	"strconv"
)

// Kind identifies the concrete type stored in a Value.
type Kind uint8

const (
	// KindNull represents a null value.
	KindNull Kind = iota
	// KindInt represents an integer value.
	KindInt
	// KindFloat represents a float value.
	KindFloat
	// KindString represents a string value.
	KindString
	// KindBool represents a boolean value.
	KindBool
	// KindBytes represents an opaque byte string.
	KindBytes
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "Null"
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindString:
		return "String"
	case KindBool:
		return "Bool"
	case KindBytes:
		return "Bytes"
	default:
		return "Unknown"
	}
}

// ParseKind maps a column type name (as printed by Kind.String, case-sensitive) back to a Kind.
func ParseKind(s string) (Kind, bool) {
	for k := KindNull; k <= KindBytes; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return KindNull, false
}

// Value is a small typed cell value.
//
// No reflection and no fmt-based stringification on the hot path.
//
// NOTE: This is also used for persistence; keep it stable.
type Value struct {
	Kind Kind
	I64  int64
	F64  float64
	S    string
	B    bool
	Raw  []byte
}

// Null returns a null Value.
func Null() Value { return Value{Kind: KindNull} }

// Int returns an int64 Value.
func Int(v int64) Value { return Value{Kind: KindInt, I64: v} }

// Float returns a float64 Value.
func Float(v float64) Value { return Value{Kind: KindFloat, F64: v} }

// String returns a string Value.
func String(v string) Value { return Value{Kind: KindString, S: v} }

// Bool returns a boolean Value.
func Bool(v bool) Value { return Value{Kind: KindBool, B: v} }

// Bytes returns a bytes Value. The slice is not copied.
func Bytes(v []byte) Value { return Value{Kind: KindBytes, Raw: v} }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// AsInt64 returns the int64 value if Kind is KindInt.
func (v Value) AsInt64() (int64, bool) {
	if v.Kind != KindInt {
		return 0, false
	}
	return v.I64, true
}

// AsFloat64 returns the float64 value if Kind is KindFloat.
func (v Value) AsFloat64() (float64, bool) {
	if v.Kind != KindFloat {
		return 0, false
	}
	return v.F64, true
}

// AsString returns the string value if Kind is KindString.
func (v Value) AsString() (string, bool) {
	if v.Kind != KindString {
		return "", false
	}
	return v.S, true
}

// AsBool returns the boolean value if Kind is KindBool.
func (v Value) AsBool() (bool, bool) {
	if v.Kind != KindBool {
		return false, false
	}
	return v.B, true
}

// AsBytes returns the byte value if Kind is KindBytes.
func (v Value) AsBytes() ([]byte, bool) {
	if v.Kind != KindBytes {
		return nil, false
	}
	return v.Raw, true
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(o Value) bool {
	return v.Compare(o) == 0
}

// Compare orders values first by kind, then by content. Floats compare by
// their IEEE total order so NaN sorts deterministically.
func (v Value) Compare(o Value) int {
	if v.Kind != o.Kind {
		return cmp.Compare(v.Kind, o.Kind)
	}
	switch v.Kind {
	case KindInt:
		return cmp.Compare(v.I64, o.I64)
	case KindFloat:
		return cmp.Compare(floatOrderBits(v.F64), floatOrderBits(o.F64))
	case KindString:
		return cmp.Compare(v.S, o.S)
	case KindBool:
		switch {
		case v.B == o.B:
			return 0
		case !v.B:
			return -1
		default:
			return 1
		}
	case KindBytes:
		return bytes.Compare(v.Raw, o.Raw)
	default:
		return 0
	}
}

// String returns a human readable rendering used by tooling.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindInt:
		return strconv.FormatInt(v.I64, 10)
	case KindFloat:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case KindString:
		return v.S
	case KindBool:
		return strconv.FormatBool(v.B)
	case KindBytes:
		return "0x" + strconv.Quote(string(v.Raw))
	default:
		return "invalid"
	}
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	if v.Kind == KindBytes && v.Raw != nil {
		v.Raw = bytes.Clone(v.Raw)
	}
	return v
}

// floatOrderBits maps a float to a uint64 whose unsigned order matches the
// numeric order of the float.
func floatOrderBits(f float64) uint64 {
	b := math.Float64bits(f)
	if b&(1<<63) != 0 {
		return ^b
	}
	return b | (1 << 63)
}
