// Package minio stores a table's storage root in MinIO or any other
// S3-compatible object store (Ceph, Garage, SeaweedFS) through the MinIO Go
// client.
//
//	store, err := minio.New("lake", "tables/orders/", minio.Options{
//	    Endpoint:        "localhost:9000",
//	    AccessKeyID:     "minioadmin",
//	    SecretAccessKey: "minioadmin",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	tbl, err := cdclake.Open(ctx, dir, schema, cdclake.WithBlobStore(store))
//
// Streaming uploads back BlobStore.Create, so data files never need to be
// held fully in memory. MinIO offers no conditional put, so a table on this
// backend keeps its commit pointer in the local metadata store.
package minio
