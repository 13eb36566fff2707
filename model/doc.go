// Package model defines core types used throughout cdclake.
//
// # Identity Types
//
//   - SegmentID: identifier of an in-memory write buffer segment
//   - FileID: identifier of an immutable data file
//   - Location: tagged union InBuffer(segment, offset) | OnDisk(file, position)
//   - Key: order-preserving encoding of a row's primary-key columns
//
// # Data Types
//
//   - Value: small typed cell value (null, int, float, string, bool, bytes)
//   - Schema: column layout plus primary-key column set
//   - Row: one value per schema column
//   - Event: a normalized change event (insert, update, delete, commit)
package model
