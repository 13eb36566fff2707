// Package blobstore provides the storage-root abstraction for cdclake tables.
//
// A table writes three kinds of immutable objects under its root: data files
// (data/), deletion vectors (dv/) and snapshot manifests (manifest/). The
// commit pointer that names the Current snapshot lives in a [CommitStore]:
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)
//	    Create(ctx, name) (WritableBlob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
//
//	type CommitStore interface {
//	    Current(ctx) (seq, manifest, error)
//	    Swap(ctx, parent, seq, manifest) error
//	}
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem, atomic writes via temp file + rename
//   - MemoryStore: in-memory, for tests
//   - CachingStore: block cache in front of a remote store
//   - PointerCommitStore: commit pointer kept as a blob ("CURRENT") guarded by a mutex
//   - s3.Store / s3.DDBCommitStore: Amazon S3 with DynamoDB conditional writes
//   - minio.Store: MinIO and S3-compatible storage
package blobstore
