package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/cdclake/blobstore"
	"github.com/hupe1980/cdclake/internal/manifest"
	"github.com/hupe1980/cdclake/internal/retry"
	"github.com/hupe1980/cdclake/model"
)

var (
	// ErrConflict is returned when a commit keeps losing to other writers or
	// its change no longer applies to the new parent.
	ErrConflict = errors.New("snapshot: conflicting commit")
	// ErrUnknownFile is returned when a change references a file the parent
	// does not hold.
	ErrUnknownFile = errors.New("snapshot: unknown data file")
)

// Change is the delta one commit applies to its parent.
type Change struct {
	Files   []manifest.FileInfo   // new data files
	Removed []model.FileID        // files replaced by a merge
	Vectors []manifest.VectorInfo // replace the vector of each listed file

	FlushLSN   model.LSN
	ReadFloor  model.LSN
	NextFileID model.FileID

	// Scratch lists objects written only for this attempt. They are deleted
	// if the attempt loses.
	Scratch []string
}

// Derive builds the change of one commit attempt against parent. It is
// called again with the new parent after a lost race.
type Derive func(ctx context.Context, parent *manifest.Manifest, seq uint64) (Change, error)

// Options configures a Manager.
type Options struct {
	// Retain is the number of newest snapshot versions whose manifests are
	// kept. The minimum is 1.
	Retain int
	// MaxConflicts bounds rebase attempts per commit.
	MaxConflicts int
	Retry        retry.Policy
	Logger       *slog.Logger
	// ReclaimConcurrency bounds parallel deletes.
	ReclaimConcurrency int
}

// Manager owns the Current snapshot and the retained history.
type Manager struct {
	blobs blobstore.BlobStore
	store *manifest.Store
	opts  Options

	mu      sync.Mutex
	current *Snapshot
	history []*Snapshot // superseded, oldest first
	commits uint64
	lastAt  time.Time
}

// NewManager returns a Manager. Call Load before use.
func NewManager(blobs blobstore.BlobStore, commits blobstore.CommitStore, opts Options) *Manager {
	if opts.Retain < 1 {
		opts.Retain = 1
	}
	if opts.MaxConflicts <= 0 {
		opts.MaxConflicts = 8
	}
	if opts.ReclaimConcurrency <= 0 {
		opts.ReclaimConcurrency = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{blobs: blobs, store: manifest.NewStore(blobs, commits), opts: opts}
}

// Store returns the manifest store.
func (m *Manager) Store() *manifest.Store { return m.store }

// Load reads the Current manifest, or starts an empty table with schema
// when nothing was committed. An existing table must have the same schema.
func (m *Manager) Load(ctx context.Context, schema model.Schema) (*Snapshot, error) {
	man, name, err := m.store.Load(ctx)
	switch {
	case errors.Is(err, manifest.ErrNotFound):
		man, name = manifest.New(schema), ""
	case err != nil:
		return nil, err
	case !man.Schema.Equal(schema):
		return nil, fmt.Errorf("%w: table has %s", model.ErrSchemaMismatch, man.Schema)
	}

	snap := newSnapshot(man, name, Current)
	m.mu.Lock()
	m.current = snap
	m.history = nil
	m.mu.Unlock()
	return snap, nil
}

// Current returns the Current snapshot without pinning it.
func (m *Manager) Current() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Acquire pins and returns the Current snapshot.
func (m *Manager) Acquire() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.TryIncRef()
	return m.current
}

// Release drops a pin taken by Acquire.
func (m *Manager) Release(s *Snapshot) { s.DecRef() }

// History returns the retained superseded snapshots, oldest first.
func (m *Manager) History() []*Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

// Stats returns the number of commits and the time of the last one.
func (m *Manager) Stats() (commits uint64, last time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits, m.lastAt
}

// Commit writes and publishes a new snapshot derived from the Current one.
// The manifest is written before the commit pointer moves. When another
// writer wins the race the Current manifest is reloaded and derive runs
// again against it.
func (m *Manager) Commit(ctx context.Context, derive Derive) (*Snapshot, error) {
	parent := m.Current().Manifest

	for attempt := 0; ; attempt++ {
		seq := parent.Seq + 1
		change, err := derive(ctx, parent, seq)
		if err != nil {
			return nil, err
		}
		next, err := apply(parent, seq, change)
		if err != nil {
			m.discard(ctx, "", change.Scratch)
			return nil, err
		}

		var name string
		err = retry.Do(ctx, m.opts.Retry, retryable, m.onRetry("write manifest"), func(ctx context.Context) error {
			var werr error
			name, werr = m.store.Write(ctx, next)
			return werr
		})
		if err != nil {
			m.discard(ctx, "", change.Scratch)
			return nil, fmt.Errorf("write manifest %d: %w", seq, err)
		}

		err = retry.Do(ctx, m.opts.Retry, retryable, m.onRetry("publish manifest"), func(ctx context.Context) error {
			perr := m.store.Publish(ctx, next, name)
			if perr != nil && !manifest.IsConflict(perr) {
				// The swap may have landed before the error surfaced.
				if cur, curName, cerr := m.store.Current(ctx); cerr == nil && cur == seq && curName == name {
					return nil
				}
			}
			return perr
		})
		if err == nil {
			return m.publish(next, name), nil
		}

		if !manifest.IsConflict(err) {
			m.discard(ctx, name, change.Scratch)
			return nil, fmt.Errorf("publish manifest %d: %w", seq, err)
		}

		winner, winnerName, lerr := m.store.Load(ctx)
		if lerr != nil {
			return nil, fmt.Errorf("reload after conflict: %w", lerr)
		}
		if winner.CommitID == next.CommitID {
			// A retried swap of this attempt already landed.
			return m.publish(winner, winnerName), nil
		}
		m.discard(ctx, name, change.Scratch)
		m.opts.Logger.Warn("commit conflict, rebasing", "seq", seq, "winner", winner.Seq, "attempt", attempt+1)
		if attempt+1 >= m.opts.MaxConflicts {
			return nil, fmt.Errorf("%w: lost %d races", ErrConflict, attempt+1)
		}
		parent = winner
		m.adopt(winner, winnerName)
	}
}

func (m *Manager) onRetry(op string) func(int, error) {
	return func(attempt int, err error) {
		m.opts.Logger.Warn(op+" failed, retrying", "attempt", attempt, "error", err)
	}
}

func retryable(err error) bool {
	switch {
	case manifest.IsConflict(err):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// discard removes the objects of a losing attempt.
func (m *Manager) discard(ctx context.Context, name string, scratch []string) {
	objs := slices.Clone(scratch)
	if name != "" {
		objs = append(objs, name)
	}
	for _, o := range objs {
		if err := m.blobs.Delete(ctx, o); err != nil {
			m.opts.Logger.Warn("discard failed", "object", o, "error", err)
		}
	}
}

// publish installs a committed manifest as Current.
func (m *Manager) publish(man *manifest.Manifest, name string) *Snapshot {
	snap := newSnapshot(man, name, Current)
	m.mu.Lock()
	defer m.mu.Unlock()
	if old := m.current; old != nil {
		old.setState(Superseded)
		m.history = append(m.history, old)
	}
	m.current = snap
	m.commits++
	m.lastAt = time.Now()
	return snap
}

// adopt installs a manifest committed by another writer.
func (m *Manager) adopt(man *manifest.Manifest, name string) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur != nil && cur.Seq() >= man.Seq {
		return
	}
	snap := newSnapshot(man, name, Current)
	m.mu.Lock()
	defer m.mu.Unlock()
	cur.setState(Superseded)
	m.history = append(m.history, cur)
	m.current = snap
}

// apply builds the manifest of seq from parent and change.
func apply(parent *manifest.Manifest, seq uint64, c Change) (*manifest.Manifest, error) {
	next := parent.Clone()
	next.Seq = seq
	next.Parent = parent.Seq
	next.CommitID = uuid.New()
	next.CreatedAt = time.Now()
	next.FlushLSN = max(parent.FlushLSN, c.FlushLSN)
	next.ReadFloor = max(parent.ReadFloor, c.ReadFloor)
	next.NextFileID = max(parent.NextFileID, c.NextFileID)

	removed := make(map[model.FileID]bool, len(c.Removed))
	for _, id := range c.Removed {
		if _, ok := parent.File(id); !ok {
			return nil, fmt.Errorf("%w: %w: remove %d", ErrConflict, ErrUnknownFile, id)
		}
		removed[id] = true
	}

	files := next.Files[:0:0]
	for _, f := range next.Files {
		if !removed[f.ID] {
			files = append(files, f)
		}
	}
	for _, f := range c.Files {
		if _, dup := parent.File(f.ID); dup {
			return nil, fmt.Errorf("%w: file %d is already committed", ErrConflict, f.ID)
		}
		if f.ID >= next.NextFileID {
			next.NextFileID = f.ID + 1
		}
		files = append(files, f)
	}
	slices.SortFunc(files, func(a, b manifest.FileInfo) int { return compareID(a.ID, b.ID) })
	next.Files = files

	replaced := make(map[model.FileID]manifest.VectorInfo, len(c.Vectors))
	for _, v := range c.Vectors {
		replaced[v.File] = v
	}
	vectors := next.Vectors[:0:0]
	for _, v := range next.Vectors {
		if removed[v.File] {
			continue
		}
		if nv, ok := replaced[v.File]; ok {
			vectors = append(vectors, nv)
			delete(replaced, v.File)
			continue
		}
		vectors = append(vectors, v)
	}
	for _, v := range replaced {
		if _, ok := next.File(v.File); !ok {
			return nil, fmt.Errorf("%w: %w: vector for %d", ErrConflict, ErrUnknownFile, v.File)
		}
		vectors = append(vectors, v)
	}
	slices.SortFunc(vectors, func(a, b manifest.VectorInfo) int { return compareID(a.File, b.File) })
	next.Vectors = vectors
	return next, nil
}

func compareID(a, b model.FileID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// ReclaimStats reports one reclaim pass.
type ReclaimStats struct {
	Snapshots int // snapshots removed
	Objects   int // data files and vectors deleted
}

// Reclaim removes superseded snapshots beyond the retention window that no
// reader pins, deleting their manifest and every object no remaining
// snapshot references.
func (m *Manager) Reclaim(ctx context.Context) (ReclaimStats, error) {
	m.mu.Lock()
	keepFrom := max(len(m.history)-(m.opts.Retain-1), 0)
	var doomed, kept []*Snapshot
	for i, s := range m.history {
		if i < keepFrom && s.tryReclaim() {
			doomed = append(doomed, s)
			continue
		}
		kept = append(kept, s)
	}
	m.history = kept
	live := make(map[string]bool)
	for _, o := range m.current.Manifest.Objects() {
		live[o] = true
	}
	for _, s := range kept {
		for _, o := range s.Manifest.Objects() {
			live[o] = true
		}
	}
	m.mu.Unlock()

	if len(doomed) == 0 {
		return ReclaimStats{}, nil
	}

	seen := make(map[string]bool)
	var objects []string
	for _, s := range doomed {
		for _, o := range s.Manifest.Objects() {
			if !live[o] && !seen[o] {
				seen[o] = true
				objects = append(objects, o)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.ReclaimConcurrency)
	for _, o := range objects {
		g.Go(func() error { return m.blobs.Delete(gctx, o) })
	}
	if err := g.Wait(); err != nil {
		m.restore(doomed)
		return ReclaimStats{}, fmt.Errorf("reclaim objects: %w", err)
	}
	// Manifests go last so a failed pass can be retried from them.
	for _, s := range doomed {
		if s.Name != "" {
			if err := m.blobs.Delete(ctx, s.Name); err != nil {
				return ReclaimStats{}, fmt.Errorf("reclaim manifest %s: %w", s.Name, err)
			}
		}
		s.setState(Removed)
	}
	m.opts.Logger.Info("snapshots reclaimed", "snapshots", len(doomed), "objects", len(objects))
	return ReclaimStats{Snapshots: len(doomed), Objects: len(objects)}, nil
}

// restore puts snapshots back into the history after a failed reclaim.
// They stay unpinnable; the next pass retries their deletion.
func (m *Manager) restore(doomed []*Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(slices.Clone(doomed), m.history...)
}

// AddHistory registers a retained older manifest found in storage so that
// Reclaim can remove it once it leaves the retention window.
func (m *Manager) AddHistory(man *manifest.Manifest, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if man.Seq >= m.current.Seq() {
		return
	}
	s := newSnapshot(man, name, Superseded)
	i, _ := slices.BinarySearchFunc(m.history, man.Seq, func(h *Snapshot, seq uint64) int {
		switch {
		case h.Seq() < seq:
			return -1
		case h.Seq() > seq:
			return 1
		}
		return 0
	})
	m.history = slices.Insert(m.history, i, s)
}
