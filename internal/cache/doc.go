// Package cache provides an LRU block cache for immutable blobs.
//
// Data files and deletion vectors are never modified after they are written,
// so blocks can be cached by (blob name, block index) without versioning.
// blobstore.CachingStore uses it in front of remote storage roots.
package cache
