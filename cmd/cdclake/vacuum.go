package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/cdclake"
)

var retain int

func newVacuumCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vacuum",
		Short: "Delete snapshots beyond the retention window and their objects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			var extra []cdclake.Option
			if retain > 0 {
				extra = append(extra, cdclake.WithRetainedManifests(retain))
			}
			tbl, err := openTable(ctx, extra...)
			if err != nil {
				return err
			}
			defer tbl.Close()

			st, err := tbl.Vacuum(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d snapshots and %d objects\n", st.Snapshots, st.Objects)
			return nil
		},
	}
	cmd.Flags().IntVar(&retain, "retain", 0, "`number` of snapshots to keep")
	cfgVars["retain"] = cmd.Flags().Lookup("retain")
	return cmd
}
