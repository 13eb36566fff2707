package manifest

import "errors"

var (
	// ErrIncompatibleVersion is returned when the manifest version is not supported.
	ErrIncompatibleVersion = errors.New("incompatible manifest version")

	// ErrNotFound is returned when the table has no committed manifest.
	ErrNotFound = errors.New("manifest not found")

	// ErrCorrupted is returned when a manifest fails checksum validation.
	ErrCorrupted = errors.New("manifest corrupted")
)
