// Package buffer implements the in-memory write buffer: append-only
// columnar segments that hold newly inserted rows until they are flushed
// and committed.
//
// A segment is written by a single goroutine and read concurrently. Row
// slots are filled before the row count is published, so a reader that
// loads Len sees complete rows for every offset below it.
package buffer

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hupe1980/cdclake/model"
)

const (
	chunkBits = 12 // 4096 rows per chunk
	chunkSize = 1 << chunkBits
	chunkMask = chunkSize - 1

	rowOverhead = 48 // key header, LSNs and slice headers
)

// ErrNotActive is returned when mutating a segment that has been sealed.
var ErrNotActive = errors.New("buffer: segment is not active")

// State is the lifecycle state of a segment.
type State uint32

const (
	// Active segments accept appends and in-place invalidation.
	Active State = iota
	// Sealed segments are frozen and queued for flush.
	Sealed
	// Flushed segments have a data file that is not yet committed.
	Flushed
	// Committed segments are referenced by a published snapshot and serve
	// only readers that still hold an older view.
	Committed
	// Quarantined segments failed flush verification. They stay in memory
	// and keep serving reads.
	Quarantined
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Sealed:
		return "sealed"
	case Flushed:
		return "flushed"
	case Committed:
		return "committed"
	case Quarantined:
		return "quarantined"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

type chunk struct {
	keys      [chunkSize]model.Key
	cols      [][chunkSize]model.Value
	insertLSN [chunkSize]model.LSN
	deleteLSN [chunkSize]atomic.Uint64
}

// Segment is an ordered, append-only collection of rows with per-row
// insert and delete LSNs.
type Segment struct {
	id    model.SegmentID
	ncols int

	chunks atomic.Pointer[[]*chunk]
	count  atomic.Uint32
	state  atomic.Uint32
	bytes  atomic.Int64

	// Written by the writer before the segment leaves the Active state.
	file        model.FileID
	minLSN      model.LSN
	maxLSN      model.LSN
	invalidated uint32
	maxDropLSN  model.LSN
}

// New returns an empty Active segment for rows with ncols columns.
func New(id model.SegmentID, ncols int) *Segment {
	s := &Segment{id: id, ncols: ncols}
	dir := make([]*chunk, 0, 4)
	s.chunks.Store(&dir)
	return s
}

// ID returns the segment id.
func (s *Segment) ID() model.SegmentID { return s.id }

// File returns the data file id assigned at seal.
func (s *Segment) File() model.FileID { return s.file }

// State returns the current lifecycle state.
func (s *Segment) State() State { return State(s.state.Load()) }

// SetState moves the segment to st. Only the writer calls it.
func (s *Segment) SetState(st State) { s.state.Store(uint32(st)) }

// Len returns the number of appended rows, including invalidated ones.
func (s *Segment) Len() uint32 { return s.count.Load() }

// Bytes returns the estimated memory held by the rows.
func (s *Segment) Bytes() int64 { return s.bytes.Load() }

// LSNRange returns the lowest and highest insert LSN.
func (s *Segment) LSNRange() (model.LSN, model.LSN) { return s.minLSN, s.maxLSN }

// Invalidated returns how many rows were invalidated in place.
func (s *Segment) Invalidated() uint32 { return s.invalidated }

// MaxDroppedLSN returns the highest delete LSN among rows invalidated in
// place. Those rows are not written at flush, so the data file cannot
// answer reads below that LSN.
func (s *Segment) MaxDroppedLSN() model.LSN { return s.maxDropLSN }

func (s *Segment) slot(off uint32) (*chunk, int) {
	dir := *s.chunks.Load()
	return dir[off>>chunkBits], int(off & chunkMask)
}

// Append adds a row and returns its offset and the bytes it accounts for.
func (s *Segment) Append(key model.Key, row model.Row, lsn model.LSN) (uint32, int64, error) {
	if s.State() != Active {
		return 0, 0, ErrNotActive
	}
	if len(row) != s.ncols {
		return 0, 0, fmt.Errorf("buffer: row has %d columns, segment %d", len(row), s.ncols)
	}
	off := s.count.Load()
	ci := int(off >> chunkBits)
	dir := *s.chunks.Load()
	if ci == len(dir) {
		c := &chunk{cols: make([][chunkSize]model.Value, s.ncols)}
		grown := make([]*chunk, len(dir), len(dir)+1)
		copy(grown, dir)
		grown = append(grown, c)
		s.chunks.Store(&grown)
		dir = grown
	}
	c, i := dir[ci], int(off&chunkMask)

	size := int64(rowOverhead + len(key))
	c.keys[i] = key
	for col, v := range row {
		c.cols[col][i] = v
		size += valueSize(v)
	}
	c.insertLSN[i] = lsn

	if off == 0 || lsn < s.minLSN {
		s.minLSN = lsn
	}
	s.maxLSN = max(s.maxLSN, lsn)
	s.bytes.Add(size)
	s.count.Store(off + 1)
	return off, size, nil
}

// Invalidate marks the row at off deleted at lsn. Only Active segments
// can be invalidated in place; it reports false otherwise or when the row
// is already invalid.
func (s *Segment) Invalidate(off uint32, lsn model.LSN) bool {
	if s.State() != Active || off >= s.Len() {
		return false
	}
	c, i := s.slot(off)
	if !c.deleteLSN[i].CompareAndSwap(0, lsn) {
		return false
	}
	s.invalidated++
	s.maxDropLSN = max(s.maxDropLSN, lsn)
	return true
}

// Seal freezes the segment and assigns the id of the file it will become.
func (s *Segment) Seal(file model.FileID) {
	s.file = file
	s.SetState(Sealed)
}

// Key returns the key at off.
func (s *Segment) Key(off uint32) model.Key {
	c, i := s.slot(off)
	return c.keys[i]
}

// Row materializes the row at off.
func (s *Segment) Row(off uint32) model.Row {
	c, i := s.slot(off)
	row := make(model.Row, s.ncols)
	for col := range row {
		row[col] = c.cols[col][i]
	}
	return row
}

// Value returns one column of the row at off.
func (s *Segment) Value(off uint32, col int) model.Value {
	c, i := s.slot(off)
	return c.cols[col][i]
}

// InsertLSN returns the insert LSN of the row at off.
func (s *Segment) InsertLSN(off uint32) model.LSN {
	c, i := s.slot(off)
	return c.insertLSN[i]
}

// DeleteLSN returns the in-place delete LSN of the row at off, or 0.
func (s *Segment) DeleteLSN(off uint32) model.LSN {
	c, i := s.slot(off)
	return c.deleteLSN[i].Load()
}

// Visible reports whether the row at off is live at asOf, considering
// only in-place invalidation.
func (s *Segment) Visible(off uint32, asOf model.LSN) bool {
	c, i := s.slot(off)
	if c.insertLSN[i] > asOf {
		return false
	}
	del := c.deleteLSN[i].Load()
	return del == 0 || del > asOf
}

// Survivors returns the offsets of rows not invalidated in place, in order.
// These are the rows a flush writes.
func (s *Segment) Survivors() []uint32 {
	n := s.Len()
	out := make([]uint32, 0, n-min(n, s.invalidated))
	for off := uint32(0); off < n; off++ {
		if s.DeleteLSN(off) == 0 {
			out = append(out, off)
		}
	}
	return out
}

func valueSize(v model.Value) int64 {
	switch v.Kind {
	case model.KindString:
		return int64(len(v.S)) + 16
	case model.KindBytes:
		return int64(len(v.Raw)) + 24
	default:
		return 8
	}
}
