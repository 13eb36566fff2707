// Package manifest persists table snapshots.
//
// A manifest lists the data files and deletion vectors of one snapshot,
// together with the resume checkpoint (FlushLSN), the read floor and the
// next file id. It is stored in a compact binary format with integrity
// checking:
//
//	Header (16 bytes):
//	  Magic    (4 bytes) - 0x43444c4b ("CDLK")
//	  Version  (4 bytes) - Format version (currently 1)
//	  Checksum (4 bytes) - CRC32C of payload
//	  Length   (4 bytes) - Payload length in bytes
//
// Strings are length-prefixed (2-byte length + bytes).
//
// # Atomic Protocol
//
// Store.Commit follows write-then-swap:
//
//  1. Write manifest/MANIFEST-<seq>-<attempt>.bin in full.
//  2. Compare-and-swap the commit pointer from the parent sequence to the new one.
//
// A crash between the steps leaves a Pending manifest that recovery deletes.
// A failed swap reports blobstore.ErrConflict and the caller rebases.
package manifest
