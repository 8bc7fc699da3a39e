package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pricewatch/internal/aggregate"
	"github.com/sells-group/pricewatch/internal/monitoring"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report items whose summary disagrees with their observations",
	Long:  "Recomputes every summary in memory and compares it with the stored row. With --repair, drifted items are recomputed in place.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		mcfg := cfg.Monitoring
		if cmd.Flags().Changed("repair") {
			mcfg.Repair, _ = cmd.Flags().GetBool("repair")
		}

		checker := monitoring.NewChecker(monitoring.NewCollector(st), aggregate.New(st), mcfg)
		snap, err := checker.Check(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return err
		}

		if !snap.Healthy() && !mcfg.Repair {
			return eris.Errorf("check: %d item(s) drifted", len(snap.Drifted))
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().Bool("repair", false, "recompute drifted items (default from monitoring.repair)")
	rootCmd.AddCommand(checkCmd)
}
