package cdclake

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/cdclake/blobstore"
	"github.com/hupe1980/cdclake/internal/datafile"
	"github.com/hupe1980/cdclake/internal/engine"
	"github.com/hupe1980/cdclake/internal/flush"
	"github.com/hupe1980/cdclake/internal/snapshot"
	"github.com/hupe1980/cdclake/model"
)

var (
	// ErrTransientIO is returned when a storage operation failed in a way
	// that may succeed on retry.
	ErrTransientIO = errors.New("transient storage failure")

	// ErrConflictingCommit is returned when another writer moved the
	// table's commit pointer.
	ErrConflictingCommit = errors.New("conflicting snapshot commit")

	// ErrCorrupt is returned when a written or committed object fails
	// verification.
	ErrCorrupt = errors.New("corrupt object")

	// ErrRecoveryGap is returned when accepted changes can no longer be
	// recovered.
	ErrRecoveryGap = errors.New("recovery gap")

	// ErrClosed is returned for operations on a closed table.
	ErrClosed = errors.New("table closed")

	// ErrBackpressure is returned when the table could not accept events
	// before the caller's deadline.
	ErrBackpressure = errors.New("backpressure")

	// ErrInvalidEvent is returned for events that do not fit the schema or
	// arrive out of order.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrStaleRead is returned for reads below the table's read floor.
	ErrStaleRead = errors.New("stale read")

	// ErrTableDropped is returned for every operation after Drop.
	ErrTableDropped = errors.New("table dropped")
)

// CorruptError names the object that failed verification.
//
// The original underlying error can be accessed via errors.Unwrap.
type CorruptError struct {
	Kind  string // "segment", "file" or "vector"
	Name  string
	cause error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt %s %s: %v", e.Kind, e.Name, e.cause)
}

func (e *CorruptError) Unwrap() []error { return []error{ErrCorrupt, e.cause} }

// RecoveryGapError reports the range of accepted changes that were lost.
type RecoveryGapError struct {
	From, To LSN
	cause    error
}

func (e *RecoveryGapError) Error() string {
	return fmt.Sprintf("recovery gap: changes %d to %d were lost", e.From, e.To)
}

func (e *RecoveryGapError) Unwrap() []error { return []error{ErrRecoveryGap, e.cause} }

// ErrorStatus classifies a surfaced error.
type ErrorStatus int

const (
	// StatusOK is the status of a nil error.
	StatusOK ErrorStatus = iota
	// StatusTemporary marks failures that may succeed on retry.
	StatusTemporary
	// StatusPermanent marks failures that will not go away by retrying.
	StatusPermanent
)

func (s ErrorStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTemporary:
		return "temporary"
	default:
		return "permanent"
	}
}

// StatusOf classifies err.
func StatusOf(err error) ErrorStatus {
	switch {
	case err == nil:
		return StatusOK
	case IsTemporary(err):
		return StatusTemporary
	default:
		return StatusPermanent
	}
}

// IsTemporary reports whether err may succeed on retry.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrTransientIO) ||
		errors.Is(err, ErrConflictingCommit) ||
		errors.Is(err, ErrBackpressure)
}

var sentinels = []struct {
	from []error
	to   error
}{
	{[]error{engine.ErrTableDropped}, ErrTableDropped},
	{[]error{engine.ErrClosed}, ErrClosed},
	{[]error{engine.ErrBackpressure}, ErrBackpressure},
	{[]error{engine.ErrStaleRead}, ErrStaleRead},
	{[]error{model.ErrInvalidEvent, engine.ErrOutOfOrder}, ErrInvalidEvent},
	{[]error{snapshot.ErrConflict, blobstore.ErrConflict}, ErrConflictingCommit},
	{[]error{engine.ErrCorrupt, flush.ErrCorrupted, datafile.ErrCorrupted}, ErrCorrupt},
	{[]error{engine.ErrRecoveryGap}, ErrRecoveryGap},
}

func translateError(err error) error {
	out, _ := classify(err)
	return out
}

// translateIOError is translateError for operations that wait on storage.
// Unclassified failures there come from the object store.
func translateIOError(err error) error {
	out, ok := classify(err)
	if ok || out == nil {
		return out
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientIO, err)
}

func classify(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	var gap *engine.GapError
	if errors.As(err, &gap) {
		return &RecoveryGapError{From: gap.From, To: gap.To, cause: err}, true
	}
	var oe *engine.ObjectError
	if errors.As(err, &oe) && errors.Is(err, engine.ErrCorrupt) {
		return &CorruptError{Kind: oe.Kind, Name: oe.Name, cause: err}, true
	}

	for _, s := range sentinels {
		for _, from := range s.from {
			if errors.Is(err, from) {
				return fmt.Errorf("%w: %w", s.to, err), true
			}
		}
	}
	return err, false
}
