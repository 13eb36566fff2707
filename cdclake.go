package cdclake

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hupe1980/cdclake/blobstore"
	"github.com/hupe1980/cdclake/blobstore/minio"
	"github.com/hupe1980/cdclake/blobstore/s3"
	"github.com/hupe1980/cdclake/internal/cache"
	"github.com/hupe1980/cdclake/internal/datafile"
	"github.com/hupe1980/cdclake/internal/engine"
	"github.com/hupe1980/cdclake/internal/snapshot"
	"github.com/hupe1980/cdclake/model"
)

type (
	// LSN is a source sequence number.
	LSN = model.LSN
	// Schema defines the columns of a table and its primary key.
	Schema = model.Schema
	// Column is one schema column.
	Column = model.Column
	// Kind is a value type.
	Kind = model.Kind
	// Value is one column value.
	Value = model.Value
	// Row holds one value per schema column.
	Row = model.Row
	// Key is an encoded primary key.
	Key = model.Key
	// Event is one change event.
	Event = model.Event
	// Status reports a table's ingestion and storage state.
	Status = engine.Status
	// Reader is a consistent view of a table at one LSN. Close it when done.
	Reader = engine.Reader
	// VacuumStats reports what Vacuum removed.
	VacuumStats = snapshot.ReclaimStats
)

// Value kinds.
const (
	KindNull   = model.KindNull
	KindInt    = model.KindInt
	KindFloat  = model.KindFloat
	KindString = model.KindString
	KindBool   = model.KindBool
	KindBytes  = model.KindBytes
)

// Latest reads at the newest committed LSN.
const Latest = engine.Latest

// Null returns a null value.
func Null() Value { return model.Null() }

// Int returns an integer value.
func Int(v int64) Value { return model.Int(v) }

// Float returns a float value.
func Float(v float64) Value { return model.Float(v) }

// String returns a string value.
func String(v string) Value { return model.String(v) }

// Bool returns a boolean value.
func Bool(v bool) Value { return model.Bool(v) }

// Bytes returns a byte string value.
func Bytes(v []byte) Value { return model.Bytes(v) }

// EncodeKey encodes primary-key values in key order.
func EncodeKey(vals ...Value) (Key, error) { return model.EncodeKey(vals...) }

// Table is an open CDC table. It is safe for concurrent use, but events
// must be applied in LSN order.
type Table struct {
	t      *engine.Table
	name   string
	logger *Logger
}

// Open opens or creates the table at dir.
//
// dir always holds the write-ahead log, the metadata database and the lock
// file. Without a storage option the data files live under dir as well.
func Open(ctx context.Context, dir string, schema Schema, opts ...Option) (*Table, error) {
	o := applyOptions(opts)
	name := filepath.Base(dir)
	logger := o.logger.WithTable(name)

	eopts := []engine.Option{
		engine.WithLogger(o.logger.Logger),
		engine.WithMetricsObserver(observer{mc: o.metrics}),
	}
	if o.codec != "" {
		codec, err := datafile.ParseCodec(o.codec)
		if err != nil {
			return nil, fmt.Errorf("cdclake: %w", err)
		}
		eopts = append(eopts, engine.WithCodec(codec))
	}
	if o.shared != nil {
		eopts = append(eopts, engine.WithResourceController(o.shared.rc))
	}

	blobs, commits, err := resolveStorage(ctx, name, &o)
	if err != nil {
		logger.LogRecovery(ctx, 0, 0, err)
		return nil, translateIOError(err)
	}
	if blobs != nil {
		eopts = append(eopts, engine.WithBlobStore(blobs))
	}
	if commits != nil {
		eopts = append(eopts, engine.WithCommitStore(commits))
	}
	eopts = append(eopts, o.engine...)

	t, err := engine.Open(dir, schema, eopts...)
	if err != nil {
		logger.LogRecovery(ctx, 0, 0, err)
		return nil, translateError(err)
	}
	if gap := t.Gap(); gap != nil {
		logger.WarnContext(ctx, "changes lost before restart",
			"from", gap.From,
			"to", gap.To,
		)
	}
	logger.LogRecovery(ctx, t.Checkpoint(), t.ResumeLSN(), nil)
	return &Table{t: t, name: name, logger: logger}, nil
}

func resolveStorage(ctx context.Context, scope string, o *options) (blobstore.BlobStore, blobstore.CommitStore, error) {
	var (
		blobs   blobstore.BlobStore
		commits = o.commits
	)
	switch o.storage {
	case storageLocal:
		return nil, commits, nil
	case storageCustom:
		blobs = o.blobs
	case storageS3:
		opts := o.s3
		if opts.AccessKeyID == "" {
			creds, err := resolveSecrets(ctx, o.secrets, scope)
			if err != nil {
				return nil, nil, err
			}
			opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken = creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken
		}
		backend, err := s3.New(ctx, o.bucket, o.prefix, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("s3 backend: %w", err)
		}
		blobs = backend.Store
		if commits == nil && backend.Commit != nil {
			commits = backend.Commit
		}
	case storageMinIO:
		opts := o.minio
		if opts.AccessKeyID == "" {
			creds, err := resolveSecrets(ctx, o.secrets, scope)
			if err != nil {
				return nil, nil, err
			}
			opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken = creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken
		}
		store, err := minio.New(o.bucket, o.prefix, opts)
		if err != nil {
			return nil, nil, err
		}
		blobs = store
	}

	if o.blockCache > 0 && o.storage != storageCustom {
		blobs = blobstore.NewCachingStore(blobs, cache.NewShardedLRUBlockCache(o.blockCache, o.controller()), 0)
	}
	return blobs, commits, nil
}

// resolveSecrets returns empty credentials when nothing is configured so
// that the backend falls back to its default chain.
func resolveSecrets(ctx context.Context, r SecretResolver, scope string) (Credentials, error) {
	if r == nil {
		return Credentials{}, nil
	}
	creds, err := r.Resolve(ctx, scope, PurposeObjectStore)
	if errors.Is(err, ErrNoCredentials) {
		return Credentials{}, nil
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("resolve credentials for %s: %w", scope, err)
	}
	return creds, nil
}

// Name returns the table name, the base name of its directory.
func (t *Table) Name() string { return t.name }

// Schema returns the table schema.
func (t *Table) Schema() Schema { return t.t.Schema() }

// Apply applies events in order. It returns ErrBackpressure when ctx
// expires while the table is not accepting events.
func (t *Table) Apply(ctx context.Context, events ...Event) error {
	return translateError(t.t.Apply(ctx, events...))
}

// Insert applies an insert of row at lsn.
func (t *Table) Insert(ctx context.Context, lsn LSN, row Row) error {
	return t.Apply(ctx, model.Insert(lsn, row))
}

// Update applies an update of row at lsn.
func (t *Table) Update(ctx context.Context, lsn LSN, row Row) error {
	return t.Apply(ctx, model.Update(lsn, row))
}

// Delete applies a delete of key at lsn.
func (t *Table) Delete(ctx context.Context, lsn LSN, key Key) error {
	return t.Apply(ctx, model.Delete(lsn, key))
}

// Commit makes every change applied since the previous commit visible at
// lsn.
func (t *Table) Commit(ctx context.Context, lsn LSN) error {
	return t.Apply(ctx, model.Commit(lsn))
}

// Read returns a reader at asOf. Use Latest for the newest commit.
func (t *Table) Read(asOf LSN) (*Reader, error) {
	r, err := t.t.Read(asOf)
	if err != nil {
		return nil, translateError(err)
	}
	return r, nil
}

// Get returns the row of key at the newest commit.
func (t *Table) Get(key Key) (Row, bool, error) {
	r, err := t.Read(Latest)
	if err != nil {
		return nil, false, err
	}
	defer r.Close()
	row, ok := r.Get(key)
	return row, ok, nil
}

// Flush writes every buffered change to storage and waits for the
// snapshot that covers it.
func (t *Table) Flush(ctx context.Context) error {
	err := t.waitOp(t.t.Flush(ctx))
	t.logger.LogFlush(ctx, t.t.Checkpoint(), err)
	return err
}

// ForceSnapshot waits until a snapshot covers every change up to lsn.
func (t *Table) ForceSnapshot(ctx context.Context, lsn LSN) error {
	err := t.waitOp(t.t.ForceSnapshot(ctx, lsn))
	t.logger.LogCommit(ctx, "force snapshot", lsn, t.t.Checkpoint(), err)
	return err
}

// Compact merges files with many deleted rows and folds every pending
// deletion into vectors.
func (t *Table) Compact(ctx context.Context) error {
	err := t.waitOp(t.t.Compact(ctx))
	t.logger.LogCommit(ctx, "compact", t.t.Checkpoint(), t.t.Checkpoint(), err)
	return err
}

func (t *Table) waitOp(err error) error {
	err = translateIOError(err)
	var ce *CorruptError
	if errors.As(err, &ce) {
		t.logger.LogQuarantine(context.Background(), ce.Kind, ce.Name, err)
	}
	return err
}

// Status reports ingestion and storage state.
func (t *Table) Status(ctx context.Context) (Status, error) {
	s, err := t.t.Status(ctx)
	if err != nil {
		return Status{}, translateError(err)
	}
	return s, nil
}

// Checkpoint returns the persisted flush LSN.
func (t *Table) Checkpoint() LSN { return t.t.Checkpoint() }

// ResumeLSN returns the position the change source should resume from.
func (t *Table) ResumeLSN() LSN { return t.t.ResumeLSN() }

// SnapshotInfo describes one retained snapshot.
type SnapshotInfo struct {
	Seq       uint64
	Parent    uint64
	Name      string
	State     string
	Refs      int64
	FlushLSN  LSN
	ReadFloor LSN
	Files     int
	Rows      uint64
	Deleted   uint64
	CreatedAt time.Time
}

// Snapshots lists the retained snapshots, oldest first. The last entry is
// the current snapshot.
func (t *Table) Snapshots() []SnapshotInfo {
	mgr := t.t.Snapshots()
	hist := mgr.History()
	if cur := mgr.Current(); cur != nil && cur.Name != "" {
		hist = append(hist, cur)
	}
	out := make([]SnapshotInfo, 0, len(hist))
	for _, s := range hist {
		m := s.Manifest
		out = append(out, SnapshotInfo{
			Seq:       m.Seq,
			Parent:    m.Parent,
			Name:      s.Name,
			State:     s.State().String(),
			Refs:      s.Refs(),
			FlushLSN:  m.FlushLSN,
			ReadFloor: m.ReadFloor,
			Files:     len(m.Files),
			Rows:      m.Rows(),
			Deleted:   m.Deleted(),
			CreatedAt: m.CreatedAt,
		})
	}
	return out
}

// Vacuum removes snapshots beyond the retention window that no reader
// holds, together with the objects only they reference.
func (t *Table) Vacuum(ctx context.Context) (VacuumStats, error) {
	st, err := t.t.Vacuum(ctx)
	if err != nil {
		return st, translateIOError(err)
	}
	t.logger.InfoContext(ctx, "vacuum completed",
		"snapshots", st.Snapshots,
		"objects", st.Objects,
	)
	return st, nil
}

// Close stops ingestion and releases the table. Changes not yet in a
// snapshot are replayed from the log on the next Open.
func (t *Table) Close() error {
	return translateError(t.t.Close())
}

// Drop stops ingestion and removes every object of the table.
func (t *Table) Drop(ctx context.Context) error {
	return translateIOError(t.t.Drop(ctx))
}
