// Package s3 provides an Amazon S3 storage root for cdclake tables.
//
// # Usage
//
//	backend, err := s3.New(ctx, "my-bucket", "tables/orders", s3.Options{
//	    Region:      "us-east-1",
//	    CommitTable: "cdclake-commits",
//	})
//
//	tbl, err := cdclake.Open(ctx, "/var/lib/cdclake/orders", schema,
//	    cdclake.WithBlobStore(backend.Store),
//	    cdclake.WithCommitStore(backend.Commit),
//	)
//
// # Features
//
//   - Range reads for data files and deletion vectors
//   - Multipart uploads for large data files, aborted on failure
//   - CRC32C checksums on uploads
//   - DynamoDB conditional writes for the snapshot commit pointer
package s3
