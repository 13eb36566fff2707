// Package snapshot publishes table snapshots and reclaims the objects that
// no snapshot or reader references any more.
//
// A snapshot moves through Pending, Current, Superseded, Reclaimable and
// Removed. Commit writes the manifest before swapping the commit pointer.
// Readers pin snapshots with TryIncRef; Reclaim only removes superseded
// snapshots that are outside the retention window and unpinned, and only
// deletes objects that no remaining snapshot references.
package snapshot
