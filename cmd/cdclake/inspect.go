package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hupe1980/cdclake"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <object>...",
		Short: "Decode and verify data files, deletion vectors or manifests",
		Long: "inspect reads objects of the table's storage root by name, for example\n" +
			"data/00000000000000000001.cdf, and verifies their checksums.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tbl, err := openTable(ctx)
			if err != nil {
				return err
			}
			defer tbl.Close()

			infos := make([]cdclake.ObjectInfo, 0, len(args))
			for _, name := range args {
				info, err := tbl.Inspect(ctx, name)
				if err != nil {
					return err
				}
				infos = append(infos, info)
			}
			writeObjects(cmd.OutOrStdout(), infos)
			return nil
		},
	}
}

func writeObjects(w io.Writer, infos []cdclake.ObjectInfo) {
	tw := tablewriter.NewWriter(w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"Object", "Kind", "Size", "Rows", "Deleted", "Codec", "Checksum", "LSN Range"})
	for _, in := range infos {
		checksum := ""
		if in.Checksum != 0 {
			checksum = fmt.Sprintf("%016x", in.Checksum)
		}
		tw.Append([]string{
			in.Name,
			in.Kind,
			fmt.Sprint(in.Size),
			fmt.Sprint(in.Rows),
			fmt.Sprint(in.Deleted),
			in.Codec,
			checksum,
			fmt.Sprintf("%d..%d", in.MinLSN, in.MaxLSN),
		})
	}
	tw.Render()
}
