package snapshot

import (
	"fmt"
	"sync/atomic"

	"github.com/hupe1980/cdclake/internal/manifest"
)

// State is the lifecycle state of a snapshot.
type State int32

const (
	// Pending snapshots have a manifest that the commit pointer does not
	// reference yet.
	Pending State = iota
	// Current is the snapshot the commit pointer references.
	Current
	// Superseded snapshots were replaced by a later Current one.
	Superseded
	// Reclaimable snapshots are no longer retained or pinned.
	Reclaimable
	// Removed snapshots had their manifest and exclusive objects deleted.
	Removed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Current:
		return "current"
	case Superseded:
		return "superseded"
	case Reclaimable:
		return "reclaimable"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Snapshot is one published table version. The manifest is immutable.
type Snapshot struct {
	Manifest *manifest.Manifest
	Name     string // manifest object name; empty for a table without commits

	// refs counts reader pins. -1 marks a reclaimed snapshot.
	refs  atomic.Int64
	state atomic.Int32
}

func newSnapshot(m *manifest.Manifest, name string, st State) *Snapshot {
	s := &Snapshot{Manifest: m, Name: name}
	s.state.Store(int32(st))
	return s
}

// Seq returns the snapshot sequence number.
func (s *Snapshot) Seq() uint64 { return s.Manifest.Seq }

// State returns the lifecycle state.
func (s *Snapshot) State() State { return State(s.state.Load()) }

func (s *Snapshot) setState(st State) { s.state.Store(int32(st)) }

// Refs returns the number of reader pins.
func (s *Snapshot) Refs() int64 { return max(s.refs.Load(), 0) }

// TryIncRef pins the snapshot. It fails once the snapshot was reclaimed.
func (s *Snapshot) TryIncRef() bool {
	for {
		refs := s.refs.Load()
		if refs < 0 {
			return false
		}
		if s.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// DecRef releases a pin taken by TryIncRef.
func (s *Snapshot) DecRef() {
	if s.refs.Add(-1) < 0 {
		panic("snapshot: DecRef without matching TryIncRef")
	}
}

// tryReclaim marks an unpinned snapshot reclaimed.
func (s *Snapshot) tryReclaim() bool {
	if s.State() == Reclaimable {
		return true
	}
	if s.refs.CompareAndSwap(0, -1) {
		s.setState(Reclaimable)
		return true
	}
	return false
}
