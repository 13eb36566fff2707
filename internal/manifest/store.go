package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hupe1980/cdclake/blobstore"
)

// Dir is the blob prefix holding manifests.
const Dir = "manifest/"

// Name returns the blob name of the manifest written by one commit attempt.
// The attempt suffix keeps competing writers of the same sequence apart.
func Name(m *Manifest) string {
	return fmt.Sprintf("%sMANIFEST-%06d-%s.bin", Dir, m.Seq, m.CommitID.String()[:8])
}

// ParseName extracts the sequence number from a manifest blob name.
func ParseName(name string) (uint64, bool) {
	base, ok := strings.CutPrefix(name, Dir+"MANIFEST-")
	if !ok || !strings.HasSuffix(base, ".bin") {
		return 0, false
	}
	seqStr, _, ok := strings.Cut(base, "-")
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	return seq, err == nil
}

// Entry is one manifest blob found in storage.
type Entry struct {
	Seq  uint64
	Name string
}

// Store persists manifests and moves the commit pointer.
//
// Commit is write-then-swap: the manifest blob is written in full before the
// pointer is advanced, so a crash in between leaves a Pending manifest that
// recovery discards and the parent stays Current.
type Store struct {
	blobs   blobstore.BlobStore
	commits blobstore.CommitStore
}

// NewStore returns a manifest store.
func NewStore(blobs blobstore.BlobStore, commits blobstore.CommitStore) *Store {
	return &Store{blobs: blobs, commits: commits}
}

// Current returns the sequence and name the commit pointer references.
func (s *Store) Current(ctx context.Context) (uint64, string, error) {
	return s.commits.Current(ctx)
}

// Load loads the Current manifest. It returns ErrNotFound for a table
// without commits.
func (s *Store) Load(ctx context.Context) (*Manifest, string, error) {
	seq, name, err := s.commits.Current(ctx)
	if err != nil {
		return nil, "", err
	}
	if seq == 0 {
		return nil, "", ErrNotFound
	}
	m, err := s.LoadName(ctx, name)
	if err != nil {
		return nil, "", err
	}
	if m.Seq != seq {
		return nil, "", fmt.Errorf("%w: pointer references seq %d, manifest holds %d", ErrCorrupted, seq, m.Seq)
	}
	return m, name, nil
}

// LoadName loads one manifest blob.
func (s *Store) LoadName(ctx context.Context, name string) (*Manifest, error) {
	data, err := blobstore.Get(ctx, s.blobs, name)
	if err != nil {
		return nil, fmt.Errorf("open manifest %s: %w", name, err)
	}
	m, err := ReadBinary(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return m, nil
}

// Write persists m as a Pending manifest and returns its name.
func (s *Store) Write(ctx context.Context, m *Manifest) (string, error) {
	var buf bytes.Buffer
	if err := m.WriteBinary(&buf); err != nil {
		return "", err
	}
	name := Name(m)
	if err := s.blobs.Put(ctx, name, buf.Bytes()); err != nil {
		return "", err
	}
	return name, nil
}

// Publish swaps the commit pointer from m.Parent to m. It returns an error
// wrapping blobstore.ErrConflict when another commit won.
func (s *Store) Publish(ctx context.Context, m *Manifest, name string) error {
	return s.commits.Swap(ctx, m.Parent, m.Seq, name)
}

// Commit writes m and publishes it.
func (s *Store) Commit(ctx context.Context, m *Manifest) (string, error) {
	name, err := s.Write(ctx, m)
	if err != nil {
		return "", err
	}
	if err := s.Publish(ctx, m, name); err != nil {
		return name, err
	}
	return name, nil
}

// List returns every manifest blob ordered by sequence.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	names, err := s.blobs.List(ctx, Dir)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, n := range names {
		if seq, ok := ParseName(n); ok {
			out = append(out, Entry{Seq: seq, Name: n})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Pending returns manifests that were written but never became Current:
// any blob with a sequence above current, or a losing attempt at a
// sequence that another attempt published.
func (s *Store) Pending(ctx context.Context) ([]Entry, error) {
	seq, name, err := s.commits.Current(ctx)
	if err != nil {
		return nil, err
	}
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.Seq > seq || (e.Seq == seq && e.Name != name) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Delete removes a manifest blob.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.blobs.Delete(ctx, name)
}

// IsConflict reports whether err is a lost commit race.
func IsConflict(err error) bool { return errors.Is(err, blobstore.ErrConflict) }
