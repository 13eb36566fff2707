// Package fs provides filesystem abstractions for testability and fault injection.
//
//   - [File]: an open file with read/write/sync capabilities
//   - [FileSystem]: filesystem operations (open, remove, rename, etc.)
//   - [LocalFS]: production implementation using the os package
//   - [FaultyFS]: test wrapper that injects write, sync, close, rename and
//     remove failures, or simulates a crash
//   - [LockDir]: exclusive flock guarding a table directory against a second writer
//
// Filesystem operations take no context.Context. Local operations are not
// interruptible at the syscall level; remote storage goes through blobstore.
package fs
