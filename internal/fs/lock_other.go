//go:build !unix

package fs

import "errors"

// ErrLocked is returned when another process holds the table lock.
var ErrLocked = errors.New("table directory is locked by another writer")

// LockFileName is the name of the single-writer lock file inside a table root.
const LockFileName = "LOCK"

// DirLock is a no-op on platforms without flock.
type DirLock struct{}

// LockDir is a no-op on platforms without flock.
func LockDir(string) (*DirLock, error) { return &DirLock{}, nil }

// Unlock is a no-op.
func (l *DirLock) Unlock() error { return nil }
