package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var recomputeCmd = &cobra.Command{
	Use:   "recompute [item-id]",
	Short: "Rebuild item summaries from stored observations",
	Long:  "Recomputes one item's summary, or every item's with --all. Use --all to repair legacy observation counts.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			return eris.New("recompute: pass exactly one of <item-id> or --all")
		}

		svc, err := initServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if all {
			report, err := svc.agg.RecomputeAll(ctx)
			if err != nil {
				return eris.Wrap(err, "recompute all")
			}
			return enc.Encode(report)
		}

		if _, err := svc.agg.Recompute(ctx, args[0]); err != nil {
			return eris.Wrap(err, "recompute")
		}
		row, err := svc.store.GetItemPrice(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "recompute: read view")
		}
		return enc.Encode(row)
	},
}

func init() {
	recomputeCmd.Flags().Bool("all", false, "recompute every item")
	rootCmd.AddCommand(recomputeCmd)
}
