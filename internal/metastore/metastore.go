// Package metastore keeps a table's local bookkeeping in a bbolt database
// (meta.db next to the WAL): the last applied LSN, the streaming floor,
// quarantine records, the last background error and, for tables whose
// storage root has no conditional put, the commit pointer.
package metastore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/hupe1980/cdclake/blobstore"
	"github.com/hupe1980/cdclake/model"
)

// FileName is the database file name inside the table directory.
const FileName = "meta.db"

var (
	metaBucket       = []byte("meta")
	quarantineBucket = []byte("quarantine")

	keyLastApplied = []byte("last_applied")
	keyStreamFloor = []byte("stream_floor")
	keyLastError   = []byte("last_error")
	keyCommitSeq   = []byte("commit_seq")
	keyCommitName  = []byte("commit_manifest")
)

// ErrMissingBucket is returned when the database layout is damaged.
var ErrMissingBucket = errors.New("metastore: missing bucket")

// Store is the table metadata database.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates dir/meta.db.
func Open(dir string) (*Store, error) {
	db, err := bbolt.Open(filepath.Join(dir, FileName), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("metastore: open: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{metaBucket, quarantineBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("metastore: init: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func bucket(tx *bbolt.Tx, name []byte) (*bbolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingBucket, name)
	}
	return b, nil
}

func getUint64(b *bbolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func putUint64(b *bbolt.Bucket, key []byte, v uint64) error {
	return b.Put(key, binary.BigEndian.AppendUint64(nil, v))
}

// Progress is the ingestion position recorded after each commit.
type Progress struct {
	// LastApplied is the highest LSN the table had accepted.
	LastApplied model.LSN
	// StreamFloor is the lowest first LSN of open streamed transactions, or 0.
	StreamFloor model.LSN
}

// Progress returns the recorded ingestion position.
func (s *Store) Progress() (Progress, error) {
	var p Progress
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, metaBucket)
		if err != nil {
			return err
		}
		p.LastApplied = getUint64(b, keyLastApplied)
		p.StreamFloor = getUint64(b, keyStreamFloor)
		return nil
	})
	return p, err
}

// SetProgress records p.
func (s *Store) SetProgress(p Progress) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, metaBucket)
		if err != nil {
			return err
		}
		if err := putUint64(b, keyLastApplied, p.LastApplied); err != nil {
			return err
		}
		return putUint64(b, keyStreamFloor, p.StreamFloor)
	})
}

// SetLastError records the most recent background failure. An empty msg clears it.
func (s *Store) SetLastError(msg string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, metaBucket)
		if err != nil {
			return err
		}
		if msg == "" {
			return b.Delete(keyLastError)
		}
		return b.Put(keyLastError, []byte(msg))
	})
}

// LastError returns the recorded background failure.
func (s *Store) LastError() (string, error) {
	var msg string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, metaBucket)
		if err != nil {
			return err
		}
		msg = string(b.Get(keyLastError))
		return nil
	})
	return msg, err
}

// Quarantine describes a segment or file that failed verification.
type Quarantine struct {
	Name   string
	Reason string
	At     time.Time
}

// AddQuarantine records a quarantined object.
func (s *Store) AddQuarantine(q Quarantine) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, quarantineBucket)
		if err != nil {
			return err
		}
		val := binary.BigEndian.AppendUint64(nil, uint64(q.At.UnixNano()))
		return b.Put([]byte(q.Name), append(val, q.Reason...))
	})
}

// RemoveQuarantine drops the record for name.
func (s *Store) RemoveQuarantine(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, quarantineBucket)
		if err != nil {
			return err
		}
		return b.Delete([]byte(name))
	})
}

// Quarantined lists quarantine records ordered by name.
func (s *Store) Quarantined() ([]Quarantine, error) {
	var out []Quarantine
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, quarantineBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) < 8 {
				return nil
			}
			out = append(out, Quarantine{
				Name:   string(k),
				At:     time.Unix(0, int64(binary.BigEndian.Uint64(v))),
				Reason: string(v[8:]),
			})
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

// CommitStore returns a blobstore.CommitStore whose pointer lives in this
// database. The swap runs inside a single bbolt update transaction.
func (s *Store) CommitStore() blobstore.CommitStore { return commitStore{s} }

type commitStore struct{ s *Store }

func (c commitStore) Current(ctx context.Context) (uint64, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	var (
		seq  uint64
		name string
	)
	err := c.s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, metaBucket)
		if err != nil {
			return err
		}
		seq = getUint64(b, keyCommitSeq)
		name = string(b.Get(keyCommitName))
		return nil
	})
	return seq, name, err
}

func (c commitStore) Swap(ctx context.Context, parent, seq uint64, manifest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, metaBucket)
		if err != nil {
			return err
		}
		if cur := getUint64(b, keyCommitSeq); cur != parent {
			return fmt.Errorf("%w: current %d, expected parent %d", blobstore.ErrConflict, cur, parent)
		}
		if err := putUint64(b, keyCommitSeq, seq); err != nil {
			return err
		}
		return b.Put(keyCommitName, []byte(manifest))
	})
}
