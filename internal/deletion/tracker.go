package deletion

import (
	"github.com/hupe1980/cdclake/internal/buffer"
	"github.com/hupe1980/cdclake/internal/index"
	"github.com/hupe1980/cdclake/model"
)

// Outcome tells how a deletion was attributed.
type Outcome uint8

const (
	// Missing means the key had no live row.
	Missing Outcome = iota
	// InPlace means the row sat in the active segment and was invalidated there.
	InPlace
	// Logged means an entry was appended to the log.
	Logged
)

// Tracker resolves a key deletion against the index and attributes it to
// the segment or file holding the still-visible row.
type Tracker struct {
	Index   *index.Index
	Log     *Log
	Segment func(model.SegmentID) *buffer.Segment
}

// Record deletes the live row of key at lsn. The key is removed from the
// index in the same step, so it never resolves to a deleted location.
func (t *Tracker) Record(key model.Key, lsn model.LSN) (model.Location, Outcome) {
	loc, ok := t.Index.Remove(key)
	if !ok {
		return model.Location{}, Missing
	}
	if loc.Kind == model.LocationInBuffer {
		if seg := t.Segment(loc.Segment); seg != nil && seg.Invalidate(loc.Offset, lsn) {
			return loc, InPlace
		}
	}
	t.Log.Record(Entry{Target: loc, Key: key, LSN: lsn})
	return loc, Logged
}
