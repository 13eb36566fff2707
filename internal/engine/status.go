package engine

import (
	"time"

	"github.com/hupe1980/cdclake/internal/recovery"
	"github.com/hupe1980/cdclake/model"
)

// Status is a point-in-time report of a table.
type Status struct {
	Seq         uint64    // sequence of the Current snapshot
	Checkpoint  model.LSN // persisted flush LSN
	Frontier    model.LSN // highest committed LSN
	LastApplied model.LSN
	ReadFloor   model.LSN

	Keys            int
	BufferedRows    int
	BufferedBytes   int64
	ActiveRows      int
	SealedSegments  int
	FlushedSegments int
	Pending         int // deletion entries not yet in a vector
	// PendingByFile counts the pending entries per committed data file.
	PendingByFile map[model.FileID]int
	// OldestPending is the lowest LSN among pending entries, zero if none.
	OldestPending model.LSN
	OpenStreams     int

	Files   int
	Rows    uint64
	Deleted uint64

	Discarded    uint64 // duplicate events dropped
	Throttled    bool
	Merging      bool
	Waiters      int
	LastSnapshot time.Time

	WALFiles int
	WALBytes int64

	LastError   string
	LastErrorAt time.Time
	Quarantined []string
	Gap         *recovery.Gap
}

// Lag returns how far the persisted checkpoint trails the accepted events.
func (s Status) Lag() model.LSN {
	if s.LastApplied <= s.Checkpoint {
		return 0
	}
	return s.LastApplied - s.Checkpoint
}
