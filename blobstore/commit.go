package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// CurrentName is the blob holding the commit pointer for PointerCommitStore.
const CurrentName = "CURRENT"

// PointerCommitStore keeps the commit pointer as a small blob ("<seq> <manifest>")
// in a BlobStore. The compare-and-swap is guarded by an in-process mutex, so it
// serializes committers within one process only. Use a DynamoDB or bbolt
// backed CommitStore when several processes may commit.
type PointerCommitStore struct {
	mu    sync.Mutex
	store BlobStore
}

// NewPointerCommitStore returns a CommitStore backed by store.
func NewPointerCommitStore(store BlobStore) *PointerCommitStore {
	return &PointerCommitStore{store: store}
}

// Current reads the pointer blob.
func (c *PointerCommitStore) Current(ctx context.Context) (uint64, string, error) {
	data, err := Get(ctx, c.store, CurrentName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, "", nil
		}
		return 0, "", err
	}
	return ParsePointer(data)
}

// Swap rewrites the pointer blob if it still references parent.
func (c *PointerCommitStore) Swap(ctx context.Context, parent, seq uint64, manifest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, _, err := c.Current(ctx)
	if err != nil {
		return err
	}
	if cur != parent {
		return fmt.Errorf("%w: current %d, expected parent %d", ErrConflict, cur, parent)
	}
	return c.store.Put(ctx, CurrentName, FormatPointer(seq, manifest))
}

// FormatPointer encodes a commit pointer.
func FormatPointer(seq uint64, manifest string) []byte {
	return []byte(strconv.FormatUint(seq, 10) + " " + manifest + "\n")
}

// ParsePointer decodes a commit pointer written by FormatPointer.
func ParsePointer(data []byte) (uint64, string, error) {
	s := strings.TrimSpace(string(data))
	seqStr, name, ok := strings.Cut(s, " ")
	if !ok {
		return 0, "", fmt.Errorf("malformed commit pointer %q", s)
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed commit pointer %q: %w", s, err)
	}
	return seq, name, nil
}
