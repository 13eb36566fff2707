// Package cdclake mirrors a stream of row-level change events into an
// analytical table kept in object storage.
//
// Changes are buffered in memory, flushed to immutable columnar data files
// and published as versioned snapshots. Deletions of persisted rows are
// recorded in per-file deletion vectors instead of rewriting the files, so
// a snapshot commit writes only what changed.
//
// # Quick Start
//
//	schema := cdclake.Schema{
//	    Columns: []cdclake.Column{
//	        {Name: "id", Kind: cdclake.KindInt},
//	        {Name: "name", Kind: cdclake.KindString, Nullable: true},
//	    },
//	    PrimaryKey: []int{0},
//	}
//	tbl, err := cdclake.Open(ctx, "./orders", schema)
//	if err != nil {
//	    return err
//	}
//	defer tbl.Close()
//
//	_ = tbl.Insert(ctx, 10, cdclake.Row{cdclake.Int(1), cdclake.String("a")})
//	_ = tbl.Commit(ctx, 11)
//
//	r, _ := tbl.Read(cdclake.Latest)
//	defer r.Close()
//	for key, row := range r.Rows() {
//	    fmt.Println(key, row)
//	}
//
// # Storage
//
// By default the table lives entirely under its directory. WithS3 and
// WithMinIO move data files, deletion vectors and manifests to a bucket
// while the write-ahead log and the metadata database stay local.
//
// # Durability
//
// Every accepted event is appended to a write-ahead log. After a restart
// the table resumes from the newest snapshot and replays the log tail
// above its checkpoint. ResumeLSN tells the change source where to
// continue; events at or below the checkpoint are discarded.
package cdclake
