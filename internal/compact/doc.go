// Package compact folds pending deletion entries into per-file deletion
// vectors and rewrites data files whose deleted share has grown too large.
//
// Vector compaction never touches data file bytes. Only a merge rewrites
// rows, and it writes a new file under a fresh id rather than replacing the
// old ones, so published snapshots keep reading what they reference.
package compact
