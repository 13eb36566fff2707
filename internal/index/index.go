// Package index maps primary keys to the single location of their live row.
//
// The index is mutated only by the table's writer goroutine. Readers that
// need point lookups take a Clone, which shares structure with the original
// and copies nodes lazily on the next write.
package index

import (
	"github.com/google/btree"

	"github.com/hupe1980/cdclake/model"
)

const degree = 32

type entry struct {
	key model.Key
	loc model.Location
}

func less(a, b entry) bool { return a.key < b.key }

// Index is an ordered primary-key index. The zero value is not usable; use New.
type Index struct {
	tree *btree.BTreeG[entry]
}

// New returns an empty index.
func New() *Index {
	return &Index{tree: btree.NewG(degree, less)}
}

// Lookup returns the live location of key.
func (x *Index) Lookup(key model.Key) (model.Location, bool) {
	e, ok := x.tree.Get(entry{key: key})
	return e.loc, ok
}

// Upsert points key at loc and returns the previous location, if any.
func (x *Index) Upsert(key model.Key, loc model.Location) (model.Location, bool) {
	prev, ok := x.tree.ReplaceOrInsert(entry{key: key, loc: loc})
	return prev.loc, ok
}

// Remove drops key and returns the location it pointed at.
func (x *Index) Remove(key model.Key) (model.Location, bool) {
	e, ok := x.tree.Delete(entry{key: key})
	return e.loc, ok
}

// Move repoints key from one location to another. It returns false, leaving
// the index unchanged, when key no longer points at from.
func (x *Index) Move(key model.Key, from, to model.Location) bool {
	cur, ok := x.Lookup(key)
	if !ok || cur != from {
		return false
	}
	x.tree.ReplaceOrInsert(entry{key: key, loc: to})
	return true
}

// Len returns the number of live keys.
func (x *Index) Len() int { return x.tree.Len() }

// Clone returns a copy-on-write snapshot of the index.
func (x *Index) Clone() *Index {
	return &Index{tree: x.tree.Clone()}
}

// Ascend calls fn for every key in order until fn returns false.
func (x *Index) Ascend(fn func(key model.Key, loc model.Location) bool) {
	x.tree.Ascend(func(e entry) bool { return fn(e.key, e.loc) })
}

// AscendRange calls fn for keys in [from, to) in order. An empty to means
// no upper bound.
func (x *Index) AscendRange(from, to model.Key, fn func(key model.Key, loc model.Location) bool) {
	visit := func(e entry) bool { return fn(e.key, e.loc) }
	if to == "" {
		x.tree.AscendGreaterOrEqual(entry{key: from}, visit)
		return
	}
	x.tree.AscendRange(entry{key: from}, entry{key: to}, visit)
}

// Stats counts live keys per location kind.
func (x *Index) Stats() (inBuffer, onDisk int) {
	x.tree.Ascend(func(e entry) bool {
		switch e.loc.Kind {
		case model.LocationInBuffer:
			inBuffer++
		case model.LocationOnDisk:
			onDisk++
		}
		return true
	})
	return inBuffer, onDisk
}
