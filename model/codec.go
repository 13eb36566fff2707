package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrTruncated is returned when decoding runs out of input.
var ErrTruncated = errors.New("truncated value encoding")

// AppendValue appends the binary encoding of v: a kind byte followed by a
// fixed 8-byte number, a bool byte, or a uvarint length and raw bytes.
func AppendValue(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case KindInt:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.I64))
	case KindFloat:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.F64))
	case KindString:
		buf = binary.AppendUvarint(buf, uint64(len(v.S)))
		buf = append(buf, v.S...)
	case KindBool:
		if v.B {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindBytes:
		buf = binary.AppendUvarint(buf, uint64(len(v.Raw)))
		buf = append(buf, v.Raw...)
	}
	return buf
}

// ReadValue decodes one value written by AppendValue and returns the rest
// of b. Decoded byte values do not alias b.
func ReadValue(b []byte) (Value, []byte, error) {
	if len(b) == 0 {
		return Value{}, nil, ErrTruncated
	}
	kind := Kind(b[0])
	b = b[1:]
	switch kind {
	case KindNull:
		return Null(), b, nil
	case KindInt, KindFloat:
		if len(b) < 8 {
			return Value{}, nil, ErrTruncated
		}
		u := binary.LittleEndian.Uint64(b)
		if kind == KindInt {
			return Int(int64(u)), b[8:], nil
		}
		return Float(math.Float64frombits(u)), b[8:], nil
	case KindBool:
		if len(b) < 1 {
			return Value{}, nil, ErrTruncated
		}
		return Bool(b[0] == 1), b[1:], nil
	case KindString, KindBytes:
		n, sz := binary.Uvarint(b)
		if sz <= 0 || uint64(len(b)-sz) < n {
			return Value{}, nil, ErrTruncated
		}
		raw := b[sz : sz+int(n)]
		b = b[sz+int(n):]
		if kind == KindString {
			return String(string(raw)), b, nil
		}
		return Bytes(append([]byte(nil), raw...)), b, nil
	default:
		return Value{}, nil, fmt.Errorf("unknown value kind %d", kind)
	}
}

// AppendRow appends a column count and every value of r.
func AppendRow(buf []byte, r Row) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(r)))
	for _, v := range r {
		buf = AppendValue(buf, v)
	}
	return buf
}

// ReadRow decodes a row written by AppendRow.
func ReadRow(b []byte) (Row, []byte, error) {
	n, sz := binary.Uvarint(b)
	if sz <= 0 || n > uint64(len(b)) {
		return nil, nil, ErrTruncated
	}
	b = b[sz:]
	row := make(Row, 0, n)
	for i := uint64(0); i < n; i++ {
		v, rest, err := ReadValue(b)
		if err != nil {
			return nil, nil, err
		}
		row = append(row, v)
		b = rest
	}
	return row, b, nil
}
