// Package resource governs the shared resources of a table.
//
//   - Sealed-segment slots: the admission-control point. A segment takes a
//     slot when it is sealed and returns it once flushed. With every slot
//     taken the writer stops consuming change events, so memory stays bounded
//     while flush catches up.
//   - Buffer accounting: soft limit on buffered-row bytes; crossing it asks
//     the writer to seal early.
//   - Memory: hard, fail-fast limit for caches.
//   - Background workers: semaphore for flush, commit and merge jobs.
//   - IO: token bucket for background writes (RateLimitedWriter).
//
// All methods are safe for concurrent use and treat a nil *Controller as
// unlimited.
package resource
