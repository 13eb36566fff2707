package main

import (
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hupe1980/cdclake"
)

func newSnapshotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots",
		Short: "List the retained snapshots of a table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tbl, err := openTable(cmd.Context())
			if err != nil {
				return err
			}
			defer tbl.Close()

			writeSnapshots(cmd.OutOrStdout(), tbl.Snapshots())
			return nil
		},
	}
}

func writeSnapshots(w io.Writer, snaps []cdclake.SnapshotInfo) {
	tw := tablewriter.NewWriter(w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"Seq", "Parent", "State", "Refs", "Flush LSN", "Read Floor", "Files", "Rows", "Deleted", "Created", "Manifest"})
	for _, s := range snaps {
		tw.Append([]string{
			strconv.FormatUint(s.Seq, 10),
			strconv.FormatUint(s.Parent, 10),
			s.State,
			strconv.FormatInt(s.Refs, 10),
			strconv.FormatUint(s.FlushLSN, 10),
			strconv.FormatUint(s.ReadFloor, 10),
			strconv.Itoa(s.Files),
			strconv.FormatUint(s.Rows, 10),
			strconv.FormatUint(s.Deleted, 10),
			s.CreatedAt.Format(time.RFC3339),
			s.Name,
		})
	}
	tw.Render()
}
