package deletion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cdclake/internal/buffer"
	"github.com/hupe1980/cdclake/internal/index"
	"github.com/hupe1980/cdclake/model"
)

func key(id int64) model.Key {
	k, _ := model.EncodeKey(model.Int(id))
	return k
}

func TestLog_RecordKeepsEarliest(t *testing.T) {
	l := NewLog()
	l.Record(Entry{Target: model.OnDisk(1, 3), Key: key(1), LSN: 10})
	l.Record(Entry{Target: model.OnDisk(1, 3), Key: key(1), LSN: 12})
	e, ok := l.Get(model.OnDisk(1, 3))
	require.True(t, ok)
	assert.Equal(t, uint64(10), e.LSN)
	assert.Equal(t, 1, l.Len())

	assert.False(t, l.Deleted(model.OnDisk(1, 3), 9))
	assert.True(t, l.Deleted(model.OnDisk(1, 3), 10))
}

func TestLog_ForContainer(t *testing.T) {
	l := NewLog()
	l.Record(Entry{Target: model.OnDisk(1, 0), LSN: 1})
	l.Record(Entry{Target: model.OnDisk(2, 5), LSN: 2})
	l.Record(Entry{Target: model.OnDisk(2, 1), LSN: 3})
	l.Record(Entry{Target: model.InBuffer(2, 0), LSN: 4})
	l.Record(Entry{Target: model.OnDisk(3, 0), LSN: 5})

	var got []model.Location
	for e := range l.ForContainer(model.LocationOnDisk, 2) {
		got = append(got, e.Target)
	}
	assert.Equal(t, []model.Location{model.OnDisk(2, 1), model.OnDisk(2, 5)}, got)
	assert.Equal(t, 1, l.CountFor(model.LocationInBuffer, 2))

	lowest, ok := l.MinLSN()
	assert.True(t, ok)
	assert.Equal(t, uint64(1), lowest)
}

func TestLog_RemapAndClone(t *testing.T) {
	l := NewLog()
	l.Record(Entry{Target: model.InBuffer(4, 2), Key: key(9), LSN: 7})
	snap := l.Clone()

	assert.True(t, l.Remap(model.InBuffer(4, 2), model.OnDisk(10, 0)))
	assert.False(t, l.Remap(model.InBuffer(4, 2), model.OnDisk(10, 0)))

	_, ok := l.Get(model.OnDisk(10, 0))
	assert.True(t, ok)
	_, ok = snap.Get(model.InBuffer(4, 2))
	assert.True(t, ok, "clone keeps the old target")
	_, ok = snap.Get(model.OnDisk(10, 0))
	assert.False(t, ok)
}

func TestTracker_AttributesToContainingLocation(t *testing.T) {
	idx := index.New()
	log := NewLog()
	active := buffer.New(2, 1)
	sealed := buffer.New(1, 1)
	segs := map[model.SegmentID]*buffer.Segment{1: sealed, 2: active}
	tr := &Tracker{Index: idx, Log: log, Segment: func(id model.SegmentID) *buffer.Segment { return segs[id] }}

	off, _, err := sealed.Append(key(1), model.Row{model.Int(1)}, 1)
	require.NoError(t, err)
	idx.Upsert(key(1), model.InBuffer(1, off))
	sealed.Seal(1)

	off, _, err = active.Append(key(2), model.Row{model.Int(2)}, 2)
	require.NoError(t, err)
	idx.Upsert(key(2), model.InBuffer(2, off))
	idx.Upsert(key(3), model.OnDisk(7, 4))

	loc, out := tr.Record(key(2), 5)
	assert.Equal(t, InPlace, out)
	assert.Equal(t, model.InBuffer(2, 0), loc)
	assert.Equal(t, uint64(5), active.DeleteLSN(0))

	_, out = tr.Record(key(1), 6)
	assert.Equal(t, Logged, out)
	assert.True(t, log.Deleted(model.InBuffer(1, 0), 6))

	_, out = tr.Record(key(3), 7)
	assert.Equal(t, Logged, out)
	assert.True(t, log.Deleted(model.OnDisk(7, 4), 7))

	_, out = tr.Record(key(3), 8)
	assert.Equal(t, Missing, out)
	assert.Zero(t, idx.Len())
	assert.Equal(t, 2, log.Len())
}
