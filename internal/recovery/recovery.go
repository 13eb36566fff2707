// Package recovery rebuilds a table's in-memory state after a restart.
//
// Load discards manifests that never became Current, deletes objects that
// no surviving manifest references, decodes the committed files and
// deletion vectors, rebuilds the primary-key index from them and collects
// the write-ahead log tail above the checkpoint for the engine to re-apply.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/cdclake/blobstore"
	"github.com/hupe1980/cdclake/internal/compact"
	"github.com/hupe1980/cdclake/internal/datafile"
	"github.com/hupe1980/cdclake/internal/dv"
	"github.com/hupe1980/cdclake/internal/flush"
	"github.com/hupe1980/cdclake/internal/index"
	"github.com/hupe1980/cdclake/internal/snapshot"
	"github.com/hupe1980/cdclake/internal/wal"
	"github.com/hupe1980/cdclake/model"
)

// ErrCorrupted wraps a committed file or vector that failed verification.
var ErrCorrupted = errors.New("recovery: committed object corrupted")

// Options configures Load.
type Options struct {
	Schema    model.Schema
	Blobs     blobstore.BlobStore
	Snapshots *snapshot.Manager
	// WAL is nil when the table runs without a write-ahead log.
	WAL *wal.WAL
	// LastApplied is the highest LSN the table had accepted before the
	// restart, as recorded after the last commit.
	LastApplied model.LSN
	// Concurrency bounds parallel object reads.
	Concurrency int
	Logger      *slog.Logger
}

// Gap describes changes that were accepted but can no longer be recovered.
type Gap struct {
	From, To model.LSN
}

// Corrupt records a committed object that could not be loaded.
type Corrupt struct {
	File model.FileID
	Name string
	Err  error
}

// State is the recovered table state.
type State struct {
	Snapshot *snapshot.Snapshot
	Index    *index.Index
	Files    map[model.FileID]*datafile.File
	Vectors  map[model.FileID]*dv.Vector
	// Replay holds log events above the checkpoint in log order.
	Replay []model.Event
	// Gap is set when accepted changes above the checkpoint are lost.
	Gap      *Gap
	Corrupt  []Corrupt
	Removed  []string // pending manifests and orphans deleted
	Duration time.Duration
}

// Checkpoint returns the resume position of the recovered snapshot.
func (s *State) Checkpoint() model.LSN { return s.Snapshot.Manifest.FlushLSN }

// Load recovers the table.
func Load(ctx context.Context, opts Options) (*State, error) {
	start := time.Now()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}

	snap, err := opts.Snapshots.Load(ctx, opts.Schema)
	if err != nil {
		return nil, fmt.Errorf("load current snapshot: %w", err)
	}
	st := &State{
		Snapshot: snap,
		Index:    index.New(),
		Files:    make(map[model.FileID]*datafile.File, len(snap.Manifest.Files)),
		Vectors:  make(map[model.FileID]*dv.Vector, len(snap.Manifest.Vectors)),
	}

	if err := st.sweep(ctx, opts); err != nil {
		return nil, err
	}
	if err := st.loadObjects(ctx, opts); err != nil {
		return nil, err
	}
	st.buildIndex(opts.Logger)
	if err := st.collectReplay(opts); err != nil {
		return nil, err
	}

	ckpt := st.Checkpoint()
	if opts.LastApplied > ckpt {
		var covered model.LSN
		if opts.WAL != nil {
			covered = opts.WAL.LastLSN()
		}
		if covered < opts.LastApplied {
			st.Gap = &Gap{From: max(ckpt, covered) + 1, To: opts.LastApplied}
		}
	}

	st.Duration = time.Since(start)
	opts.Logger.Info("table recovered",
		"seq", snap.Seq(), "checkpoint", ckpt, "files", len(st.Files),
		"keys", st.Index.Len(), "replay", len(st.Replay), "removed", len(st.Removed),
		"duration", st.Duration)
	if st.Gap != nil {
		opts.Logger.Warn("recovery gap", "from", st.Gap.From, "to", st.Gap.To)
	}
	return st, nil
}

// sweep deletes Pending manifests and objects that no surviving manifest
// references, and registers retained older manifests.
func (st *State) sweep(ctx context.Context, opts Options) error {
	store := opts.Snapshots.Store()
	pending, err := store.Pending(ctx)
	if err != nil {
		return fmt.Errorf("list pending manifests: %w", err)
	}
	for _, e := range pending {
		if err := opts.Blobs.Delete(ctx, e.Name); err != nil {
			return fmt.Errorf("discard pending manifest %s: %w", e.Name, err)
		}
		st.Removed = append(st.Removed, e.Name)
		opts.Logger.Warn("discarded pending manifest", "name", e.Name, "seq", e.Seq)
	}

	live := make(map[string]bool)
	for _, o := range st.Snapshot.Manifest.Objects() {
		live[o] = true
	}
	entries, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("list manifests: %w", err)
	}
	for _, e := range entries {
		if e.Name == st.Snapshot.Name {
			continue
		}
		m, err := store.LoadName(ctx, e.Name)
		if err != nil {
			opts.Logger.Warn("skipping unreadable manifest", "name", e.Name, "error", err)
			continue
		}
		for _, o := range m.Objects() {
			live[o] = true
		}
		opts.Snapshots.AddHistory(m, e.Name)
	}

	for _, prefix := range []string{flush.Dir, compact.VectorDir} {
		names, err := opts.Blobs.List(ctx, prefix)
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, n := range names {
			if live[n] || strings.HasSuffix(n, "/") {
				continue
			}
			if err := opts.Blobs.Delete(ctx, n); err != nil {
				return fmt.Errorf("delete orphan %s: %w", n, err)
			}
			st.Removed = append(st.Removed, n)
			opts.Logger.Debug("deleted orphan object", "name", n)
		}
	}
	return nil
}

// loadObjects decodes every committed file and vector in parallel.
func (st *State) loadObjects(ctx context.Context, opts Options) error {
	man := st.Snapshot.Manifest
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for _, info := range man.Files {
		g.Go(func() error {
			f, err := datafile.Open(gctx, opts.Blobs, info.Name, opts.Schema)
			if err == nil && f.Checksum() != info.Checksum {
				err = fmt.Errorf("%w: checksum %x, manifest records %x", datafile.ErrCorrupted, f.Checksum(), info.Checksum)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if isCorrupt(err) {
					st.Corrupt = append(st.Corrupt, Corrupt{File: info.ID, Name: info.Name, Err: err})
					return nil
				}
				return fmt.Errorf("load %s: %w", info.Name, err)
			}
			st.Files[info.ID] = f
			return nil
		})
	}
	for _, info := range man.Vectors {
		g.Go(func() error {
			data, err := blobstore.Get(gctx, opts.Blobs, info.Name)
			var v *dv.Vector
			if err == nil {
				v, err = dv.Decode(data)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if isCorrupt(err) {
					st.Corrupt = append(st.Corrupt, Corrupt{File: info.File, Name: info.Name, Err: err})
					return nil
				}
				return fmt.Errorf("load %s: %w", info.Name, err)
			}
			st.Vectors[info.File] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	slices.SortFunc(st.Corrupt, func(a, b Corrupt) int { return strings.Compare(a.Name, b.Name) })
	return nil
}

func isCorrupt(err error) bool {
	return errors.Is(err, datafile.ErrCorrupted) || errors.Is(err, datafile.ErrSchemaMismatch) || errors.Is(err, dv.ErrCorrupted)
}

// buildIndex points every live key at its committed position. Files are
// visited in id order; if a key appears live twice the newer insert wins.
func (st *State) buildIndex(logger *slog.Logger) {
	ids := make([]model.FileID, 0, len(st.Files))
	for id := range st.Files {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		f, vec := st.Files[id], st.Vectors[id]
		for pos := uint32(0); pos < f.Rows(); pos++ {
			if vec.Deleted(pos) {
				continue
			}
			key := f.Key(pos)
			loc := model.OnDisk(id, pos)
			if prev, ok := st.Index.Lookup(key); ok {
				if pf := st.Files[prev.File]; pf != nil && pf.LSN(prev.Offset) > f.LSN(pos) {
					logger.Warn("duplicate live key in committed files", "key", key, "kept", prev, "dropped", loc)
					continue
				}
				logger.Warn("duplicate live key in committed files", "key", key, "kept", loc, "dropped", prev)
			}
			st.Index.Upsert(key, loc)
		}
	}
}

// collectReplay reads the log and keeps what the checkpoint does not cover:
// main events above it, and streamed transactions that were not committed
// at or below it.
func (st *State) collectReplay(opts Options) error {
	if opts.WAL == nil {
		return nil
	}
	ckpt := st.Checkpoint()
	var events []model.Event
	committed := make(map[uint32]model.LSN)
	err := opts.WAL.Replay(func(ev model.Event) error {
		if ev.Streamed() && ev.Op == model.OpCommit {
			committed[ev.Xact] = ev.LSN
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}
	for _, ev := range events {
		if ev.Streamed() {
			if lsn, ok := committed[ev.Xact]; ok && lsn <= ckpt {
				continue
			}
			st.Replay = append(st.Replay, ev)
			continue
		}
		if ev.LSN > ckpt {
			st.Replay = append(st.Replay, ev)
		}
	}
	return nil
}
