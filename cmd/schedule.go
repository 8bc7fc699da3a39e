package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/pricewatch/internal/schedule"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Ingest every configured query on an interval",
	Long:  "Runs ingestion over schedule.queries with bounded concurrency. With --once it runs a single pass and prints the report.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := initServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		once, _ := cmd.Flags().GetBool("once")
		queries, _ := cmd.Flags().GetStringSlice("query")
		if len(queries) == 0 {
			queries = cfg.Schedule.Queries
		}

		sched := schedule.New(svc.ingest, queries,
			schedule.WithConcurrency(cfg.Schedule.Concurrency),
			schedule.WithInterval(time.Duration(cfg.Schedule.IntervalMins)*time.Minute),
		)

		if once {
			return writeReport(os.Stdout, sched.RunOnce(ctx))
		}
		return sched.Run(ctx, func(r *schedule.Report) {
			_ = writeReport(os.Stdout, r)
		})
	},
}

// writeReport prints the run summary without the per-query results.
func writeReport(w io.Writer, r *schedule.Report) error {
	summary := *r
	summary.Results = nil
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func init() {
	scheduleCmd.Flags().Bool("once", false, "run a single pass and exit")
	scheduleCmd.Flags().StringSlice("query", nil, "override the configured query list (repeatable)")
	rootCmd.AddCommand(scheduleCmd)
}
