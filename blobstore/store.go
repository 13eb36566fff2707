package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
// The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// ErrConflict is returned by CommitStore.Swap when the commit pointer no
// longer references the expected parent.
var ErrConflict = errors.New("commit pointer moved")

// BlobStore is an abstraction over the table's storage root. Data files,
// deletion vectors and manifests are written once and never modified.
// Implementations must be safe for concurrent use.
type BlobStore interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Create creates a blob for streaming writes. The blob becomes visible
	// under name only once Close returns nil.
	Create(ctx context.Context, name string) (WritableBlob, error)
	// Put writes a blob atomically, replacing any previous content.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the sorted names of all blobs that start with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a data blob.
type Blob interface {
	io.Closer
	// ReadAt reads len(p) bytes at off. It returns io.EOF when fewer bytes remain.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// Size returns the size of the blob in bytes.
	Size() int64
}

// WritableBlob is a streaming writer for a new blob.
type WritableBlob interface {
	io.WriteCloser
	// Sync flushes buffered data to stable storage where supported.
	Sync() error
	// Abort discards the partial blob. It is safe to call after Close.
	Abort() error
}

// CommitStore holds the table's commit pointer: the sequence number and
// manifest name of the Current snapshot. Swap is a compare-and-swap on the
// parent sequence, which serializes competing committers.
type CommitStore interface {
	// Current returns the committed sequence and manifest name.
	// A table with no commit yet returns (0, "", nil).
	Current(ctx context.Context) (seq uint64, manifest string, err error)
	// Swap moves the pointer from parent to seq. It returns ErrConflict if
	// the pointer no longer references parent.
	Swap(ctx context.Context, parent, seq uint64, manifest string) error
}

// ReadAll reads the entire blob.
func ReadAll(ctx context.Context, b Blob) ([]byte, error) {
	size := b.Size()
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	n, err := b.ReadAt(ctx, buf, 0)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == size) {
		return nil, err
	}
	if int64(n) != size {
		return nil, io.ErrUnexpectedEOF
	}
	return buf, nil
}

// Get opens name and reads it fully.
func Get(ctx context.Context, s BlobStore, name string) ([]byte, error) {
	b, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	return ReadAll(ctx, b)
}

func hasPrefix(name, prefix string) bool {
	return prefix == "" || strings.HasPrefix(name, prefix)
}
