package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hupe1980/cdclake"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the ingestion and storage state of a table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			tbl, err := openTable(ctx)
			if err != nil {
				return err
			}
			defer tbl.Close()

			st, err := tbl.Status(ctx)
			if err != nil {
				return err
			}
			writeStatus(cmd.OutOrStdout(), tbl.Name(), tbl.ResumeLSN(), st)
			return nil
		},
	}
}

func writeStatus(w io.Writer, name string, resume cdclake.LSN, st cdclake.Status) {
	tw := tablewriter.NewWriter(w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"Property", "Value"})

	add := func(k string, v any) { tw.Append([]string{k, fmt.Sprint(v)}) }
	add("table", name)
	add("snapshot", st.Seq)
	add("checkpoint", st.Checkpoint)
	add("resume lsn", resume)
	add("frontier", st.Frontier)
	add("last applied", st.LastApplied)
	add("lag", st.Lag())
	add("read floor", st.ReadFloor)
	add("files", st.Files)
	add("rows", st.Rows)
	add("deleted", st.Deleted)
	add("keys", st.Keys)
	add("buffered rows", st.BufferedRows)
	add("buffered bytes", st.BufferedBytes)
	add("sealed segments", st.SealedSegments)
	add("pending deletions", st.Pending)
	if st.Pending > 0 {
		add("oldest pending lsn", st.OldestPending)
	}
	ids := slices.Sorted(maps.Keys(st.PendingByFile))
	for _, id := range ids {
		add(fmt.Sprintf("pending in file %d", id), st.PendingByFile[id])
	}
	add("open streams", st.OpenStreams)
	add("discarded", st.Discarded)
	add("wal files", st.WALFiles)
	add("wal bytes", st.WALBytes)
	if !st.LastSnapshot.IsZero() {
		add("last snapshot", st.LastSnapshot.Format(time.RFC3339))
	}
	if st.LastError != "" {
		add("last error", st.LastError)
		add("last error at", st.LastErrorAt.Format(time.RFC3339))
	}
	for i, q := range st.Quarantined {
		add("quarantined #"+strconv.Itoa(i+1), q)
	}
	if st.Gap != nil {
		add("recovery gap", fmt.Sprintf("%d..%d", st.Gap.From, st.Gap.To))
	}
	tw.Render()
}
