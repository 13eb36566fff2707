package engine

import (
	"log/slog"
	"time"

	"github.com/hupe1980/cdclake/blobstore"
	"github.com/hupe1980/cdclake/internal/datafile"
	"github.com/hupe1980/cdclake/internal/fs"
	"github.com/hupe1980/cdclake/internal/resource"
	"github.com/hupe1980/cdclake/internal/retry"
	"github.com/hupe1980/cdclake/internal/wal"
)

// Default tuning values.
const (
	DefaultSealRows          = 16384
	DefaultSealBytes         = 32 << 20
	DefaultMaxSealed         = 4
	DefaultSnapshotInterval  = 500 * time.Millisecond
	DefaultForcedInterval    = 5 * time.Minute
	DefaultVectorThreshold   = 1
	DefaultMergeRatio        = 0.5
	DefaultRetainedManifests = 2
)

// Option configures a Table.
type Option func(*config)

type config struct {
	logger  *slog.Logger
	metrics MetricsObserver
	rc      *resource.Controller
	fsys    fs.FileSystem

	blobs   blobstore.BlobStore
	commits blobstore.CommitStore
	// metaCommits selects the bbolt commit pointer for local roots.
	metaCommits bool

	sealRows  uint32
	sealBytes int64
	maxSealed int
	bufferCap int64

	snapshotInterval time.Duration
	forcedInterval   time.Duration
	vectorThreshold  int
	mergeRatio       float64
	retain           int

	codec      datafile.Codec
	retry      retry.Policy
	skipVerify bool

	walEnabled bool
	wal        wal.Options

	strictRecovery bool
}

func defaultConfig() config {
	return config{
		logger:           slog.New(slog.DiscardHandler),
		metrics:          NoopMetricsObserver{},
		fsys:             fs.LocalFS{},
		sealRows:         DefaultSealRows,
		sealBytes:        DefaultSealBytes,
		maxSealed:        DefaultMaxSealed,
		snapshotInterval: DefaultSnapshotInterval,
		forcedInterval:   DefaultForcedInterval,
		vectorThreshold:  DefaultVectorThreshold,
		mergeRatio:       DefaultMergeRatio,
		retain:           DefaultRetainedManifests,
		codec:            datafile.CodecZSTD,
		retry:            retry.DefaultPolicy(),
		walEnabled:       true,
		wal:              wal.DefaultOptions(),
	}
}

// WithLogger sets the logger for the table.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetricsObserver sets the metrics observer for the table.
func WithMetricsObserver(observer MetricsObserver) Option {
	return func(c *config) {
		if observer != nil {
			c.metrics = observer
		}
	}
}

// WithResourceController shares a resource controller between tables.
// It overrides WithMaxSealedSegments and WithBufferLimit.
func WithResourceController(rc *resource.Controller) Option {
	return func(c *config) {
		c.rc = rc
	}
}

// WithFileSystem sets the file system used for the log, lock and local
// storage root.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(c *config) {
		if fsys != nil {
			c.fsys = fsys
		}
	}
}

// WithBlobStore sets the storage root. The default is a local store under
// the table directory.
func WithBlobStore(store blobstore.BlobStore) Option {
	return func(c *config) {
		c.blobs = store
	}
}

// WithCommitStore sets the commit pointer implementation. Remote roots
// shared by several processes need a store with a real compare-and-swap,
// such as the DynamoDB store.
func WithCommitStore(cs blobstore.CommitStore) Option {
	return func(c *config) {
		c.commits = cs
	}
}

// WithMetastoreCommits keeps the commit pointer in the local metadata
// database instead of the CURRENT object.
func WithMetastoreCommits() Option {
	return func(c *config) {
		c.metaCommits = true
	}
}

// WithSealThreshold seals the active segment at the next commit boundary
// once it holds rows rows or bytes bytes. Zero keeps the default.
func WithSealThreshold(rows uint32, bytes int64) Option {
	return func(c *config) {
		if rows > 0 {
			c.sealRows = rows
		}
		if bytes > 0 {
			c.sealBytes = bytes
		}
	}
}

// WithMaxSealedSegments bounds segments sealed but not yet flushed. When
// the bound is reached the writer stops accepting events.
func WithMaxSealedSegments(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxSealed = n
		}
	}
}

// WithBufferLimit sets a soft limit for buffered bytes. Crossing it seals
// the active segment early.
func WithBufferLimit(bytes int64) Option {
	return func(c *config) {
		c.bufferCap = bytes
	}
}

// WithSnapshotInterval sets the periodic snapshot tick.
func WithSnapshotInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.snapshotInterval = d
		}
	}
}

// WithForcedSnapshotInterval sets how long buffered state may go without a
// published snapshot before one is forced. Zero disables forcing.
func WithForcedSnapshotInterval(d time.Duration) Option {
	return func(c *config) {
		c.forcedInterval = d
	}
}

// WithVectorThreshold sets the number of pending deletion entries against
// committed files that triggers a deletion-vector rewrite.
func WithVectorThreshold(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.vectorThreshold = n
		}
	}
}

// WithMergeRatio merges data files whose deleted share reaches ratio.
// A ratio <= 0 disables merging.
func WithMergeRatio(ratio float64) Option {
	return func(c *config) {
		c.mergeRatio = ratio
	}
}

// WithRetainedManifests keeps the newest n manifest versions.
func WithRetainedManifests(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.retain = n
		}
	}
}

// WithCodec sets the data-file block compression.
func WithCodec(codec datafile.Codec) Option {
	return func(c *config) {
		c.codec = codec
	}
}

// WithRetryPolicy sets the backoff for transient storage failures.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *config) {
		c.retry = p
	}
}

// WithoutReadBackVerify skips re-reading flushed files.
func WithoutReadBackVerify() Option {
	return func(c *config) {
		c.skipVerify = true
	}
}

// WithWAL configures the write-ahead log.
func WithWAL(opts wal.Options) Option {
	return func(c *config) {
		c.walEnabled = true
		c.wal = opts
	}
}

// WithoutWAL disables the write-ahead log. Changes not yet in a snapshot
// are lost on restart and reported as a recovery gap.
func WithoutWAL() Option {
	return func(c *config) {
		c.walEnabled = false
	}
}

// WithStrictRecovery makes Open fail when a recovery gap is detected.
func WithStrictRecovery() Option {
	return func(c *config) {
		c.strictRecovery = true
	}
}
