package engine

import (
	"iter"
	"slices"
	"sync/atomic"

	"github.com/hupe1980/cdclake/internal/buffer"
	"github.com/hupe1980/cdclake/internal/datafile"
	"github.com/hupe1980/cdclake/internal/deletion"
	"github.com/hupe1980/cdclake/internal/dv"
	"github.com/hupe1980/cdclake/internal/index"
	"github.com/hupe1980/cdclake/internal/snapshot"
	"github.com/hupe1980/cdclake/model"
)

// View is the read state the writer publishes at commit boundaries. Every
// field is immutable once published; segments are shared with the writer
// but only accept changes stamped above frontier.
type View struct {
	snap     *snapshot.Snapshot
	files    map[model.FileID]*datafile.File
	order    []model.FileID
	vectors  map[model.FileID]*dv.Vector
	segments []*buffer.Segment
	log      *deletion.Log
	// index is nil when uncommitted changes were applied at publish time.
	index     *index.Index
	frontier  model.LSN
	readFloor model.LSN
}

func newView(snap *snapshot.Snapshot, files map[model.FileID]*datafile.File, vectors map[model.FileID]*dv.Vector) *View {
	v := &View{snap: snap, files: files, vectors: vectors}
	v.order = make([]model.FileID, 0, len(files))
	for id := range files {
		v.order = append(v.order, id)
	}
	slices.Sort(v.order)
	return v
}

// Frontier returns the highest committed LSN the view reflects.
func (v *View) Frontier() model.LSN { return v.frontier }

// ReadFloor returns the lowest LSN the view can answer.
func (v *View) ReadFloor() model.LSN { return v.readFloor }

// Seq returns the sequence of the snapshot underneath the view.
func (v *View) Seq() uint64 { return v.snap.Seq() }

func (v *View) fileRowVisible(id model.FileID, f *datafile.File, pos uint32, asOf model.LSN) bool {
	if f.LSN(pos) > asOf {
		return false
	}
	if v.vectors[id].Contains(pos, asOf) {
		return false
	}
	return !v.log.Deleted(model.OnDisk(id, pos), asOf)
}

func (v *View) segmentRowVisible(seg *buffer.Segment, off uint32, asOf model.LSN) bool {
	return seg.Visible(off, asOf) && !v.log.Deleted(model.InBuffer(seg.ID(), off), asOf)
}

// scan yields the rows visible at asOf: committed files in id order, then
// buffered segments in seal order.
func (v *View) scan(asOf model.LSN) iter.Seq2[model.Key, model.Row] {
	return func(yield func(model.Key, model.Row) bool) {
		for _, id := range v.order {
			f := v.files[id]
			for pos := uint32(0); pos < f.Rows(); pos++ {
				if !v.fileRowVisible(id, f, pos, asOf) {
					continue
				}
				if !yield(f.Key(pos), f.Row(pos)) {
					return
				}
			}
		}
		for _, seg := range v.segments {
			n := seg.Len()
			for off := uint32(0); off < n; off++ {
				if !v.segmentRowVisible(seg, off, asOf) {
					continue
				}
				if !yield(seg.Key(off), seg.Row(off)) {
					return
				}
			}
		}
	}
}

func (v *View) segment(id model.SegmentID) *buffer.Segment {
	for _, seg := range v.segments {
		if seg.ID() == id {
			return seg
		}
	}
	return nil
}

func (v *View) lookup(key model.Key, asOf model.LSN) (model.Row, bool) {
	if v.index == nil || asOf != v.frontier {
		for k, row := range v.scan(asOf) {
			if k == key {
				return row, true
			}
		}
		return nil, false
	}
	loc, ok := v.index.Lookup(key)
	if !ok {
		return nil, false
	}
	switch loc.Kind {
	case model.LocationInBuffer:
		seg := v.segment(loc.Segment)
		if seg == nil || !v.segmentRowVisible(seg, loc.Offset, asOf) {
			return nil, false
		}
		return seg.Row(loc.Offset), true
	case model.LocationOnDisk:
		f := v.files[loc.File]
		if f == nil || !v.fileRowVisible(loc.File, f, loc.Offset, asOf) {
			return nil, false
		}
		return f.Row(loc.Offset), true
	}
	return nil, false
}

// Reader is a consistent read of the table at one LSN. It pins the
// snapshot it reads until Close.
type Reader struct {
	view   *View
	asOf   model.LSN
	closed atomic.Bool
}

// LSN returns the position the reader observes.
func (r *Reader) LSN() model.LSN { return r.asOf }

// Seq returns the sequence of the pinned snapshot.
func (r *Reader) Seq() uint64 { return r.view.Seq() }

// Rows iterates every visible row with its primary key.
func (r *Reader) Rows() iter.Seq2[model.Key, model.Row] { return r.view.scan(r.asOf) }

// Get returns the visible row of key.
func (r *Reader) Get(key model.Key) (model.Row, bool) { return r.view.lookup(key, r.asOf) }

// Count returns the number of visible rows.
func (r *Reader) Count() int {
	n := 0
	for range r.view.scan(r.asOf) {
		n++
	}
	return n
}

// Close releases the snapshot pin. It is safe to call more than once.
func (r *Reader) Close() {
	if r.closed.CompareAndSwap(false, true) {
		r.view.snap.DecRef()
	}
}
