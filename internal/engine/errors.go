package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed table.
	ErrClosed = errors.New("engine: table closed")

	// ErrTableDropped is returned for every operation after Drop.
	ErrTableDropped = errors.New("engine: table dropped")

	// ErrBackpressure is returned when the writer could not accept a batch
	// before the caller's deadline.
	ErrBackpressure = errors.New("engine: write buffer full")

	// ErrStaleRead is returned for reads below the read floor of the
	// newest snapshot.
	ErrStaleRead = errors.New("engine: read position below read floor")

	// ErrCorrupt is returned when a written or committed object fails
	// verification.
	ErrCorrupt = errors.New("engine: data corruption detected")

	// ErrRecoveryGap is returned by Open with WithStrictRecovery when
	// accepted changes could not be recovered.
	ErrRecoveryGap = errors.New("engine: accepted changes lost")

	// ErrOutOfOrder is returned when an event's LSN is below an already
	// accepted one.
	ErrOutOfOrder = errors.New("engine: event out of order")
)

// ObjectError annotates a failure with the segment or object it concerns.
type ObjectError struct {
	Kind string // "segment", "file" or "vector"
	Name string
	Err  error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Name, e.Err)
}

func (e *ObjectError) Unwrap() error { return e.Err }

// GapError is returned by Open with WithStrictRecovery when the changes
// From through To were accepted but cannot be recovered.
type GapError struct {
	From, To uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("%v: lsn %d to %d", ErrRecoveryGap, e.From, e.To)
}

func (e *GapError) Unwrap() error { return ErrRecoveryGap }
