package engine

import (
	"github.com/google/btree"

	"github.com/hupe1980/cdclake/model"
)

// waiter is a caller blocked until the persisted checkpoint reaches lsn.
// A non-zero merge requires that merge generation to be committed too.
type waiter struct {
	lsn   model.LSN
	id    uint64
	merge uint64
	done  chan error
}

// waiters keeps blocked callers ordered by LSN so they are released in
// that order.
type waiters struct {
	tree *btree.BTreeG[*waiter]
	next uint64
}

func newWaiters() *waiters {
	return &waiters{tree: btree.NewG(8, func(a, b *waiter) bool {
		if a.lsn != b.lsn {
			return a.lsn < b.lsn
		}
		return a.id < b.id
	})}
}

func (w *waiters) add(lsn model.LSN, merge uint64) *waiter {
	w.next++
	wt := &waiter{lsn: lsn, id: w.next, merge: merge, done: make(chan error, 1)}
	w.tree.ReplaceOrInsert(wt)
	return wt
}

func (w *waiters) len() int { return w.tree.Len() }

// lowest returns the waiter with the smallest LSN.
func (w *waiters) lowest() (*waiter, bool) { return w.tree.Min() }

// release signals and removes every waiter ready accepts, in LSN order.
func (w *waiters) release(ready func(*waiter) bool) int {
	return w.finish(ready, nil)
}

// fail signals err to every waiter match accepts.
func (w *waiters) fail(match func(*waiter) bool, err error) int {
	return w.finish(match, err)
}

func (w *waiters) finish(match func(*waiter) bool, err error) int {
	var done []*waiter
	w.tree.Ascend(func(wt *waiter) bool {
		if match(wt) {
			done = append(done, wt)
		}
		return true
	})
	for _, wt := range done {
		w.tree.Delete(wt)
		wt.done <- err
	}
	return len(done)
}
