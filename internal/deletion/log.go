// Package deletion records row deletions that cannot be applied in place:
// deletions against sealed or flushed segments and against committed data
// files. Entries live in the Log until a commit absorbs them into a
// deletion vector.
package deletion

import (
	"iter"

	"github.com/google/btree"

	"github.com/hupe1980/cdclake/model"
)

// Entry is a positional deletion.
type Entry struct {
	Target model.Location
	Key    model.Key
	LSN    model.LSN
}

func less(a, b Entry) bool { return a.Target.Compare(b.Target) < 0 }

// Log holds pending entries ordered by target. At most one entry exists per
// target because a row position can only be deleted once.
type Log struct {
	tree *btree.BTreeG[Entry]
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{tree: btree.NewG(16, less)}
}

// Record adds e. If the target already has an entry the earlier LSN is kept.
func (l *Log) Record(e Entry) {
	if prev, ok := l.tree.Get(e); ok && prev.LSN <= e.LSN {
		return
	}
	l.tree.ReplaceOrInsert(e)
}

// Get returns the entry for target.
func (l *Log) Get(target model.Location) (Entry, bool) {
	return l.tree.Get(Entry{Target: target})
}

// Deleted reports whether target has an entry with LSN <= asOf.
func (l *Log) Deleted(target model.Location, asOf model.LSN) bool {
	e, ok := l.tree.Get(Entry{Target: target})
	return ok && e.LSN <= asOf
}

// Remove drops the entry for target.
func (l *Log) Remove(target model.Location) (Entry, bool) {
	return l.tree.Delete(Entry{Target: target})
}

// Remap moves the entry for from to the target to. It reports whether an
// entry existed.
func (l *Log) Remap(from, to model.Location) bool {
	e, ok := l.tree.Delete(Entry{Target: from})
	if !ok {
		return false
	}
	e.Target = to
	l.Record(e)
	return true
}

// Len returns the number of pending entries.
func (l *Log) Len() int { return l.tree.Len() }

// Clone returns a copy-on-write snapshot of the log.
func (l *Log) Clone() *Log { return &Log{tree: l.tree.Clone()} }

// All iterates all entries by target order.
func (l *Log) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		l.tree.Ascend(func(e Entry) bool { return yield(e) })
	}
}

// ForContainer iterates the entries targeting one segment or file.
func (l *Log) ForContainer(kind model.LocationKind, id uint64) iter.Seq[Entry] {
	lo, hi := containerBounds(kind, id)
	return func(yield func(Entry) bool) {
		l.tree.AscendRange(Entry{Target: lo}, Entry{Target: hi}, func(e Entry) bool { return yield(e) })
	}
}

// CountFor returns how many entries target one segment or file.
func (l *Log) CountFor(kind model.LocationKind, id uint64) int {
	n := 0
	for range l.ForContainer(kind, id) {
		n++
	}
	return n
}

// MinLSN returns the lowest LSN among pending entries.
func (l *Log) MinLSN() (model.LSN, bool) {
	var (
		lowest model.LSN
		found  bool
	)
	l.tree.Ascend(func(e Entry) bool {
		if !found || e.LSN < lowest {
			lowest, found = e.LSN, true
		}
		return true
	})
	return lowest, found
}

// containerBounds returns [lo, hi) covering every offset of the container.
func containerBounds(kind model.LocationKind, id uint64) (model.Location, model.Location) {
	switch kind {
	case model.LocationInBuffer:
		return model.InBuffer(model.SegmentID(id), 0), model.InBuffer(model.SegmentID(id+1), 0)
	default:
		return model.OnDisk(model.FileID(id), 0), model.OnDisk(model.FileID(id+1), 0)
	}
}
