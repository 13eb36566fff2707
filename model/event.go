package model

import (
	"errors"
	"fmt"
)

// ErrInvalidEvent is returned for events that cannot be applied.
var ErrInvalidEvent = errors.New("invalid change event")

// Op is the kind of a change event.
type Op uint8

const (
	// OpInsert adds a row. Inserting an existing key replaces it.
	OpInsert Op = iota + 1
	// OpUpdate replaces the live row of a key.
	OpUpdate
	// OpDelete removes the live row of a key.
	OpDelete
	// OpCommit ends a transaction and makes its changes visible at LSN.
	OpCommit
	// OpStreamAbort discards a streamed transaction.
	OpStreamAbort
	// OpStreamFlush marks a flush request inside a streamed transaction.
	OpStreamFlush
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpCommit:
		return "commit"
	case OpStreamAbort:
		return "stream-abort"
	case OpStreamFlush:
		return "stream-flush"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Event is a normalized change event.
//
// Xact is zero for events of the main (non-streamed) transaction. Events
// with a non-zero Xact are buffered per transaction until their OpCommit.
type Event struct {
	Op   Op
	Key  Key // optional for Insert/Update; derived from Row when empty
	Row  Row
	LSN  LSN
	Xact uint32
}

// Insert returns an insert event.
func Insert(lsn LSN, row Row) Event { return Event{Op: OpInsert, Row: row, LSN: lsn} }

// Update returns an update event.
func Update(lsn LSN, row Row) Event { return Event{Op: OpUpdate, Row: row, LSN: lsn} }

// Delete returns a delete event for key.
func Delete(lsn LSN, key Key) Event { return Event{Op: OpDelete, Key: key, LSN: lsn} }

// Commit returns a commit event.
func Commit(lsn LSN) Event { return Event{Op: OpCommit, LSN: lsn} }

// InXact returns a copy of e belonging to streamed transaction xact.
func (e Event) InXact(xact uint32) Event {
	e.Xact = xact
	return e
}

// Streamed reports whether e belongs to a streamed transaction.
func (e Event) Streamed() bool { return e.Xact != 0 }

// Normalize validates e against s and fills Key from Row when missing.
func (e Event) Normalize(s Schema) (Event, error) {
	switch e.Op {
	case OpInsert, OpUpdate:
		if err := s.ValidateRow(e.Row); err != nil {
			return e, fmt.Errorf("%w: %s at lsn %d: %w", ErrInvalidEvent, e.Op, e.LSN, err)
		}
		key, err := s.KeyOf(e.Row)
		if err != nil {
			return e, fmt.Errorf("%w: %s at lsn %d: %w", ErrInvalidEvent, e.Op, e.LSN, err)
		}
		if e.Key != "" && e.Key != key {
			return e, fmt.Errorf("%w: %s at lsn %d: key does not match row", ErrInvalidEvent, e.Op, e.LSN)
		}
		e.Key = key
	case OpDelete:
		if e.Key == "" {
			if e.Row == nil {
				return e, fmt.Errorf("%w: delete at lsn %d without key", ErrInvalidEvent, e.LSN)
			}
			key, err := s.KeyOf(e.Row)
			if err != nil {
				return e, fmt.Errorf("%w: delete at lsn %d: %w", ErrInvalidEvent, e.LSN, err)
			}
			e.Key = key
		}
		e.Row = nil
	case OpCommit, OpStreamFlush:
	case OpStreamAbort:
		if e.Xact == 0 {
			return e, fmt.Errorf("%w: stream abort outside a streamed transaction", ErrInvalidEvent)
		}
	default:
		return e, fmt.Errorf("%w: unknown op %d", ErrInvalidEvent, e.Op)
	}
	return e, nil
}
