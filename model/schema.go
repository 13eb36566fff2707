package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrSchemaMismatch is returned when a row does not conform to the schema.
	ErrSchemaMismatch = errors.New("row does not match schema")

	// ErrNullKey is returned when a primary-key column is null.
	ErrNullKey = errors.New("primary key column is null")
)

// Column describes one column of a table.
type Column struct {
	Name     string
	Kind     Kind
	Nullable bool
}

// Schema defines the column layout of a table and its primary key.
type Schema struct {
	Columns []Column
	// PrimaryKey lists column ordinals forming the primary key, in key order.
	PrimaryKey []int
}

// Row holds one value per schema column.
type Row []Value

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for i, v := range r {
		out[i] = v.Clone()
	}
	return out
}

// Equal reports whether both rows hold equal values.
func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if !r[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Validate checks structural sanity of the schema itself.
func (s Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("%w: no columns", ErrSchemaMismatch)
	}
	if len(s.PrimaryKey) == 0 {
		return fmt.Errorf("%w: no primary key", ErrSchemaMismatch)
	}
	seen := make(map[string]struct{}, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("%w: empty column name", ErrSchemaMismatch)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("%w: duplicate column %q", ErrSchemaMismatch, c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.Kind == KindNull || c.Kind > KindBytes {
			return fmt.Errorf("%w: column %q has invalid kind %s", ErrSchemaMismatch, c.Name, c.Kind)
		}
	}
	for _, ord := range s.PrimaryKey {
		if ord < 0 || ord >= len(s.Columns) {
			return fmt.Errorf("%w: primary key ordinal %d out of range", ErrSchemaMismatch, ord)
		}
		if s.Columns[ord].Nullable {
			return fmt.Errorf("%w: primary key column %q is nullable", ErrSchemaMismatch, s.Columns[ord].Name)
		}
	}
	return nil
}

// ValidateRow checks that row conforms to the schema.
func (s Schema) ValidateRow(row Row) error {
	if len(row) != len(s.Columns) {
		return fmt.Errorf("%w: got %d values, want %d", ErrSchemaMismatch, len(row), len(s.Columns))
	}
	for i, c := range s.Columns {
		v := row[i]
		if v.Kind == KindNull {
			if !c.Nullable {
				return fmt.Errorf("%w: column %q is not nullable", ErrSchemaMismatch, c.Name)
			}
			continue
		}
		if v.Kind != c.Kind {
			return fmt.Errorf("%w: column %q has kind %s, want %s", ErrSchemaMismatch, c.Name, v.Kind, c.Kind)
		}
	}
	return nil
}

// ColumnIndex returns the ordinal of the named column or -1.
func (s Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Equal reports whether two schemas are identical.
func (s Schema) Equal(o Schema) bool {
	if len(s.Columns) != len(o.Columns) || len(s.PrimaryKey) != len(o.PrimaryKey) {
		return false
	}
	for i := range s.Columns {
		if s.Columns[i] != o.Columns[i] {
			return false
		}
	}
	for i := range s.PrimaryKey {
		if s.PrimaryKey[i] != o.PrimaryKey[i] {
			return false
		}
	}
	return true
}

// String renders the schema as "name Kind [null], ... key(a,b)".
func (s Schema) String() string {
	var sb strings.Builder
	for i, c := range s.Columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(c.Name)
		sb.WriteByte(' ')
		sb.WriteString(c.Kind.String())
		if c.Nullable {
			sb.WriteString(" null")
		}
	}
	sb.WriteString(" key(")
	for i, ord := range s.PrimaryKey {
		if i > 0 {
			sb.WriteByte(',')
		}
		if ord >= 0 && ord < len(s.Columns) {
			sb.WriteString(s.Columns[ord].Name)
		}
	}
	sb.WriteByte(')')
	return sb.String()
}

// Key is the order-preserving byte encoding of a primary key.
// Two rows share a Key iff their primary-key columns are equal.
type Key string

// KeyOf extracts and encodes the primary key of row.
func (s Schema) KeyOf(row Row) (Key, error) {
	vals := make([]Value, len(s.PrimaryKey))
	for i, ord := range s.PrimaryKey {
		if ord >= len(row) {
			return "", fmt.Errorf("%w: key column %d missing", ErrSchemaMismatch, ord)
		}
		vals[i] = row[ord]
	}
	return EncodeKey(vals...)
}

const (
	keyTagInt    = 0x02
	keyTagFloat  = 0x03
	keyTagString = 0x04
	keyTagBool   = 0x05
	keyTagBytes  = 0x06
)

// EncodeKey encodes key column values so that the byte order of the result
// matches Value.Compare order column by column.
func EncodeKey(vals ...Value) (Key, error) {
	buf := make([]byte, 0, 16*len(vals))
	for _, v := range vals {
		switch v.Kind {
		case KindNull:
			return "", ErrNullKey
		case KindInt:
			buf = append(buf, keyTagInt)
			buf = binary.BigEndian.AppendUint64(buf, uint64(v.I64)^(1<<63))
		case KindFloat:
			buf = append(buf, keyTagFloat)
			buf = binary.BigEndian.AppendUint64(buf, floatOrderBits(v.F64))
		case KindString:
			buf = append(buf, keyTagString)
			buf = appendEscaped(buf, []byte(v.S))
		case KindBool:
			buf = append(buf, keyTagBool)
			if v.B {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case KindBytes:
			buf = append(buf, keyTagBytes)
			buf = appendEscaped(buf, v.Raw)
		default:
			return "", fmt.Errorf("%w: invalid key kind %d", ErrSchemaMismatch, v.Kind)
		}
	}
	return Key(buf), nil
}

// appendEscaped writes b with 0x00 escaped as 0x00 0xFF and a 0x00 0x01 terminator.
func appendEscaped(buf, b []byte) []byte {
	for _, c := range b {
		if c == 0x00 {
			buf = append(buf, 0x00, 0xFF)
			continue
		}
		buf = append(buf, c)
	}
	return append(buf, 0x00, 0x01)
}

// DecodeKey reverses EncodeKey.
func DecodeKey(k Key) ([]Value, error) {
	b := []byte(k)
	var out []Value
	for len(b) > 0 {
		tag := b[0]
		b = b[1:]
		switch tag {
		case keyTagInt, keyTagFloat:
			if len(b) < 8 {
				return nil, fmt.Errorf("%w: truncated key", ErrSchemaMismatch)
			}
			u := binary.BigEndian.Uint64(b)
			b = b[8:]
			if tag == keyTagInt {
				out = append(out, Int(int64(u^(1<<63))))
				continue
			}
			if u&(1<<63) != 0 {
				u &^= 1 << 63
			} else {
				u = ^u
			}
			out = append(out, Float(math.Float64frombits(u)))
		case keyTagString, keyTagBytes:
			var raw []byte
			closed := false
			for len(b) > 0 {
				c := b[0]
				b = b[1:]
				if c != 0x00 {
					raw = append(raw, c)
					continue
				}
				if len(b) == 0 {
					return nil, fmt.Errorf("%w: truncated key", ErrSchemaMismatch)
				}
				next := b[0]
				b = b[1:]
				if next == 0xFF {
					raw = append(raw, 0x00)
					continue
				}
				closed = true
				break
			}
			if !closed {
				return nil, fmt.Errorf("%w: unterminated key segment", ErrSchemaMismatch)
			}
			if tag == keyTagString {
				out = append(out, String(string(raw)))
			} else {
				out = append(out, Bytes(raw))
			}
		case keyTagBool:
			if len(b) < 1 {
				return nil, fmt.Errorf("%w: truncated key", ErrSchemaMismatch)
			}
			out = append(out, Bool(b[0] == 1))
			b = b[1:]
		default:
			return nil, fmt.Errorf("%w: unknown key tag %#x", ErrSchemaMismatch, tag)
		}
	}
	return out, nil
}

// String renders the decoded key for logs and tooling.
func (k Key) String() string {
	vals, err := DecodeKey(k)
	if err != nil {
		return fmt.Sprintf("%q", string(k))
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ",") + ")"
}
