// Package dv implements positional deletion vectors: one per data file, a
// roaring bitmap of deleted row positions plus the LSN at which each
// position was deleted. The LSN sidecar lets a reader at an older snapshot
// frontier ignore deletions it must not see yet.
package dv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/cdclake/internal/hash"
	"github.com/hupe1980/cdclake/model"
)

// ErrCorrupted is returned when an encoded vector fails validation.
var ErrCorrupted = errors.New("dv: deletion vector corrupted")

const (
	magic   = "CDV1"
	version = 1
)

// Vector is a deletion vector. It is not safe for concurrent mutation; a
// Vector reachable from a published snapshot is never mutated.
type Vector struct {
	rb   *roaring.Bitmap
	lsns map[uint32]model.LSN
	max  model.LSN
}

// New returns an empty vector.
func New() *Vector {
	return &Vector{rb: roaring.New(), lsns: make(map[uint32]model.LSN)}
}

// Add marks pos deleted at lsn. If pos is already deleted the earlier LSN
// is kept. It reports whether pos was newly added.
func (v *Vector) Add(pos uint32, lsn model.LSN) bool {
	if prev, ok := v.lsns[pos]; ok {
		if lsn < prev {
			v.lsns[pos] = lsn
		}
		return false
	}
	v.rb.Add(pos)
	v.lsns[pos] = lsn
	if lsn > v.max {
		v.max = lsn
	}
	return true
}

// Contains reports whether pos was deleted at or before asOf.
func (v *Vector) Contains(pos uint32, asOf model.LSN) bool {
	if v == nil {
		return false
	}
	lsn, ok := v.lsns[pos]
	return ok && lsn <= asOf
}

// Deleted reports whether pos is deleted at any LSN.
func (v *Vector) Deleted(pos uint32) bool {
	return v != nil && v.rb.Contains(pos)
}

// LSN returns the delete LSN of pos.
func (v *Vector) LSN(pos uint32) (model.LSN, bool) {
	if v == nil {
		return 0, false
	}
	lsn, ok := v.lsns[pos]
	return lsn, ok
}

// Cardinality returns the number of deleted positions.
func (v *Vector) Cardinality() uint64 {
	if v == nil {
		return 0
	}
	return v.rb.GetCardinality()
}

// MaxLSN returns the highest delete LSN in the vector.
func (v *Vector) MaxLSN() model.LSN {
	if v == nil {
		return 0
	}
	return v.max
}

// IsEmpty reports whether no position is deleted.
func (v *Vector) IsEmpty() bool { return v == nil || v.rb.IsEmpty() }

// Clone returns a deep copy. Cloning nil yields an empty vector.
func (v *Vector) Clone() *Vector {
	if v == nil {
		return New()
	}
	out := &Vector{rb: v.rb.Clone(), lsns: make(map[uint32]model.LSN, len(v.lsns)), max: v.max}
	for k, l := range v.lsns {
		out.lsns[k] = l
	}
	return out
}

// Merge folds o into v. On overlapping positions the earlier LSN wins, so
// merging is commutative and never loses a deletion.
func (v *Vector) Merge(o *Vector) {
	if o == nil {
		return
	}
	for pos, lsn := range o.lsns {
		v.Add(pos, lsn)
	}
}

// Since returns the positions deleted with an LSN above lsn.
func (v *Vector) Since(lsn model.LSN) *Vector {
	out := New()
	if v == nil {
		return out
	}
	for pos, l := range v.lsns {
		if l > lsn {
			out.Add(pos, l)
		}
	}
	return out
}

// All iterates deleted positions in ascending order with their LSNs.
func (v *Vector) All() iter.Seq2[uint32, model.LSN] {
	return func(yield func(uint32, model.LSN) bool) {
		if v == nil {
			return
		}
		it := v.rb.Iterator()
		for it.HasNext() {
			pos := it.Next()
			if !yield(pos, v.lsns[pos]) {
				return
			}
		}
	}
}

// Positions returns the deleted positions in ascending order.
func (v *Vector) Positions() []uint32 {
	if v == nil {
		return nil
	}
	return v.rb.ToArray()
}

// Equal reports whether both vectors hold the same positions and LSNs.
func (v *Vector) Equal(o *Vector) bool {
	if v.Cardinality() != o.Cardinality() {
		return false
	}
	for pos, lsn := range v.All() {
		if l, ok := o.LSN(pos); !ok || l != lsn {
			return false
		}
	}
	return true
}

// Encode serializes the vector:
//
//	magic[4] version[1] bitmapLen[4] bitmap[...] lsn[8]*cardinality crc32c[4]
//
// LSNs follow the ascending position order of the bitmap.
func (v *Vector) Encode() ([]byte, error) {
	var bm bytes.Buffer
	v.rb.RunOptimize()
	if _, err := v.rb.WriteTo(&bm); err != nil {
		return nil, fmt.Errorf("dv: encode bitmap: %w", err)
	}

	out := make([]byte, 0, len(magic)+1+4+bm.Len()+8*len(v.lsns)+4)
	out = append(out, magic...)
	out = append(out, version)
	out = binary.LittleEndian.AppendUint32(out, uint32(bm.Len()))
	out = append(out, bm.Bytes()...)
	for _, lsn := range v.All() {
		out = binary.LittleEndian.AppendUint64(out, lsn)
	}
	return hash.SealCRC32C(out), nil
}

// Decode parses data produced by Encode.
func Decode(data []byte) (*Vector, error) {
	const fixed = len(magic) + 1 + 4
	if len(data) < fixed+4 {
		return nil, fmt.Errorf("%w: short buffer", ErrCorrupted)
	}
	body, ok := hash.OpenCRC32C(data)
	if !ok {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}
	if string(body[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupted)
	}
	if body[len(magic)] != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupted, body[len(magic)])
	}
	bmLen := int(binary.LittleEndian.Uint32(body[len(magic)+1:]))
	rest := body[fixed:]
	if bmLen > len(rest) {
		return nil, fmt.Errorf("%w: bitmap length %d exceeds payload", ErrCorrupted, bmLen)
	}

	rb := roaring.New()
	if _, err := rb.ReadFrom(bytes.NewReader(rest[:bmLen])); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	rest = rest[bmLen:]
	card := int(rb.GetCardinality())
	if len(rest) != 8*card {
		return nil, fmt.Errorf("%w: %d lsn bytes for %d positions", ErrCorrupted, len(rest), card)
	}

	v := &Vector{rb: rb, lsns: make(map[uint32]model.LSN, card)}
	it := rb.Iterator()
	for i := 0; it.HasNext(); i++ {
		lsn := binary.LittleEndian.Uint64(rest[8*i:])
		v.lsns[it.Next()] = lsn
		v.max = max(v.max, lsn)
	}
	return v, nil
}

// FromPositions builds a vector deleting every pos at lsn.
func FromPositions(lsn model.LSN, pos ...uint32) *Vector {
	v := New()
	for _, p := range slices.Sorted(slices.Values(pos)) {
		v.Add(p, lsn)
	}
	return v
}
