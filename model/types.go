package model

import (
	"fmt"
)

// SegmentID identifies a write buffer segment. IDs are never reused within a table.
type SegmentID uint64

// FileID identifies an immutable data file. IDs come from one table-wide
// counter persisted in the manifest and are never reused.
type FileID uint64

// LSN is a source sequence number. Ordering by LSN is the single authority
// for which version of a row is current.
type LSN = uint64

// LocationKind discriminates the variants of Location.
type LocationKind uint8

const (
	// LocationNone is the zero Location: the key is not live.
	LocationNone LocationKind = iota
	// LocationInBuffer points into an in-memory segment.
	LocationInBuffer
	// LocationOnDisk points at a row position of a committed data file.
	LocationOnDisk
)

func (k LocationKind) String() string {
	switch k {
	case LocationNone:
		return "none"
	case LocationInBuffer:
		return "buffer"
	case LocationOnDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// Location identifies where the live version of a row is stored.
//
// Exactly one of Segment (InBuffer) or File (OnDisk) is meaningful,
// selected by Kind. Offset is the segment offset or the file row position.
type Location struct {
	Kind    LocationKind
	Segment SegmentID
	File    FileID
	Offset  uint32
}

// InBuffer returns a Location inside segment seg at offset off.
func InBuffer(seg SegmentID, off uint32) Location {
	return Location{Kind: LocationInBuffer, Segment: seg, Offset: off}
}

// OnDisk returns a Location inside data file f at row position pos.
func OnDisk(f FileID, pos uint32) Location {
	return Location{Kind: LocationOnDisk, File: f, Offset: pos}
}

// IsZero reports whether l is the zero Location.
func (l Location) IsZero() bool { return l.Kind == LocationNone }

// Container returns the numeric id of the segment or file l points into.
func (l Location) Container() uint64 {
	switch l.Kind {
	case LocationInBuffer:
		return uint64(l.Segment)
	case LocationOnDisk:
		return uint64(l.File)
	default:
		return 0
	}
}

// Compare orders locations by kind, container and offset.
func (l Location) Compare(o Location) int {
	switch {
	case l.Kind != o.Kind:
		if l.Kind < o.Kind {
			return -1
		}
		return 1
	case l.Container() != o.Container():
		if l.Container() < o.Container() {
			return -1
		}
		return 1
	case l.Offset != o.Offset:
		if l.Offset < o.Offset {
			return -1
		}
		return 1
	}
	return 0
}

// String returns a string representation of the Location.
func (l Location) String() string {
	switch l.Kind {
	case LocationInBuffer:
		return fmt.Sprintf("Buf(%d:%d)", l.Segment, l.Offset)
	case LocationOnDisk:
		return fmt.Sprintf("Disk(%d:%d)", l.File, l.Offset)
	default:
		return "None"
	}
}
