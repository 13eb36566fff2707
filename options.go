package cdclake

import (
	"log/slog"
	"time"

	"github.com/hupe1980/cdclake/blobstore"
	"github.com/hupe1980/cdclake/blobstore/minio"
	"github.com/hupe1980/cdclake/blobstore/s3"
	"github.com/hupe1980/cdclake/internal/engine"
	"github.com/hupe1980/cdclake/internal/resource"
	"github.com/hupe1980/cdclake/internal/retry"
	"github.com/hupe1980/cdclake/internal/wal"
)

type storageKind int

const (
	storageLocal storageKind = iota
	storageCustom
	storageS3
	storageMinIO
)

type options struct {
	logger  *Logger
	metrics MetricsCollector
	secrets SecretResolver

	storage storageKind
	bucket  string
	prefix  string
	s3      s3.Options
	minio   minio.Options
	blobs   blobstore.BlobStore
	commits blobstore.CommitStore
	// metaCommits mirrors engine.WithMetastoreCommits for ReadSchema.
	metaCommits bool

	blockCache int64
	codec      string
	shared     *Resources

	engine []engine.Option
}

// Option configures Open.
type Option func(*options)

func applyOptions(opts []Option) options {
	o := options{
		logger:  NoopLogger(),
		metrics: NoopMetricsCollector{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger. If nil is passed, logging is disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithLogLevel logs human-readable text at level to stderr.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector sets the metrics collector for monitoring.
//
// Example:
//
//	mc := &cdclake.BasicMetricsCollector{}
//	tbl, _ := cdclake.Open(ctx, dir, schema, cdclake.WithMetricsCollector(mc))
//	fmt.Println(mc.GetStats().CommitCount)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metrics = mc
	}
}

// WithSecretResolver supplies object-store credentials for WithS3 and
// WithMinIO when their options carry none.
func WithSecretResolver(r SecretResolver) Option {
	return func(o *options) {
		o.secrets = r
	}
}

// WithBlobStore keeps data files, vectors and manifests in store.
func WithBlobStore(store blobstore.BlobStore) Option {
	return func(o *options) {
		o.storage = storageCustom
		o.blobs = store
	}
}

// WithCommitStore sets the commit pointer implementation.
func WithCommitStore(cs blobstore.CommitStore) Option {
	return func(o *options) {
		o.commits = cs
	}
}

// WithS3 keeps the table's objects in an S3 bucket under prefix. Setting
// CommitTable moves the commit pointer to DynamoDB.
func WithS3(bucket, prefix string, opts s3.Options) Option {
	return func(o *options) {
		o.storage = storageS3
		o.bucket, o.prefix = bucket, prefix
		o.s3 = opts
	}
}

// WithMinIO keeps the table's objects on an S3-compatible endpoint.
func WithMinIO(bucket, prefix string, opts minio.Options) Option {
	return func(o *options) {
		o.storage = storageMinIO
		o.bucket, o.prefix = bucket, prefix
		o.minio = opts
	}
}

// WithMetastoreCommits keeps the commit pointer in the local metadata
// database.
func WithMetastoreCommits() Option {
	return func(o *options) {
		o.metaCommits = true
		o.engine = append(o.engine, engine.WithMetastoreCommits())
	}
}

// WithBlockCache caches remote reads in blocks up to bytes in total.
// It has no effect on local tables.
func WithBlockCache(bytes int64) Option {
	return func(o *options) {
		o.blockCache = bytes
	}
}

// WithSharedResources lets several tables draw from one memory and
// worker budget.
func WithSharedResources(r *Resources) Option {
	return func(o *options) {
		o.shared = r
	}
}

// WithSealThreshold seals the active segment once it holds rows rows or
// bytes bytes.
func WithSealThreshold(rows uint32, bytes int64) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithSealThreshold(rows, bytes))
	}
}

// WithMaxSealedSegments bounds segments waiting for a flush.
func WithMaxSealedSegments(n int) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithMaxSealedSegments(n))
	}
}

// WithBufferLimit sets a soft limit for buffered bytes.
func WithBufferLimit(bytes int64) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithBufferLimit(bytes))
	}
}

// WithSnapshotInterval sets the periodic snapshot tick.
func WithSnapshotInterval(d time.Duration) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithSnapshotInterval(d))
	}
}

// WithForcedSnapshotInterval bounds how long buffered state may go
// without a snapshot. Zero disables forcing.
func WithForcedSnapshotInterval(d time.Duration) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithForcedSnapshotInterval(d))
	}
}

// WithVectorThreshold sets the pending deletions that trigger a
// deletion-vector rewrite.
func WithVectorThreshold(n int) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithVectorThreshold(n))
	}
}

// WithMergeRatio merges data files whose deleted share reaches ratio.
func WithMergeRatio(ratio float64) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithMergeRatio(ratio))
	}
}

// WithRetainedManifests keeps the newest n snapshots on Vacuum.
func WithRetainedManifests(n int) Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithRetainedManifests(n))
	}
}

// WithCompression selects data-file compression: "none", "lz4" or
// "zstd". Open fails for other names.
func WithCompression(name string) Option {
	return func(o *options) {
		o.codec = name
	}
}

// WithRetry sets the backoff for transient storage failures. maxRetries
// counts attempts after the first.
func WithRetry(maxRetries int, initial, maxBackoff time.Duration) Option {
	return func(o *options) {
		p := retry.DefaultPolicy()
		p.MaxRetries = maxRetries
		if initial > 0 {
			p.InitialBackoff = initial
		}
		if maxBackoff > 0 {
			p.MaxBackoff = maxBackoff
		}
		o.engine = append(o.engine, engine.WithRetryPolicy(p))
	}
}

// WithAsyncWAL acknowledges events before the log is fsynced. A crash
// may lose the newest events.
func WithAsyncWAL() Option {
	return func(o *options) {
		opts := wal.DefaultOptions()
		opts.Durability = wal.DurabilityAsync
		o.engine = append(o.engine, engine.WithWAL(opts))
	}
}

// WithoutWAL disables the write-ahead log.
func WithoutWAL() Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithoutWAL())
	}
}

// WithStrictRecovery makes Open fail with ErrRecoveryGap when accepted
// changes were lost.
func WithStrictRecovery() Option {
	return func(o *options) {
		o.engine = append(o.engine, engine.WithStrictRecovery())
	}
}

func (o *options) controller() *resource.Controller {
	if o.shared == nil {
		return nil
	}
	return o.shared.rc
}

// Resources is a memory and worker budget shared between tables.
type Resources struct {
	rc *resource.Controller
}

// NewResources creates a budget. memoryBytes caps the block caches,
// workers bounds concurrent flushes and merges and ioBytesPerSec throttles
// background writes. Zero keeps the default.
func NewResources(memoryBytes int64, workers int, ioBytesPerSec int64) *Resources {
	return &Resources{rc: resource.NewController(resource.Config{
		MemoryLimitBytes:     memoryBytes,
		MaxBackgroundWorkers: int64(workers),
		IOLimitBytesPerSec:   ioBytesPerSec,
	})}
}
