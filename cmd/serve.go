package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pricewatch/internal/api"
	"github.com/sells-group/pricewatch/internal/monitoring"
	"github.com/sells-group/pricewatch/internal/schedule"
)

var (
	servePort     int
	serveSchedule bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long:  "Serves the item price view and ingestion endpoints. The drift checker runs in the background; --schedule also runs scheduled ingestion.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := initServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		checker := monitoring.NewChecker(monitoring.NewCollector(svc.store), svc.agg, cfg.Monitoring)
		workers := []func(context.Context) error{
			func(ctx context.Context) error {
				checker.Run(ctx)
				return nil
			},
		}

		if serveSchedule {
			sched := schedule.New(svc.ingest, cfg.Schedule.Queries,
				schedule.WithConcurrency(cfg.Schedule.Concurrency),
				schedule.WithInterval(time.Duration(cfg.Schedule.IntervalMins)*time.Minute),
			)
			workers = append(workers, func(ctx context.Context) error {
				return sched.Run(ctx, nil)
			})
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: api.NewRouter(api.Deps{
				Reader:      svc.store,
				Ingester:    svc.ingest,
				Recomputer:  svc.agg,
				Provider:    svc.provider,
				CORSOrigins: cfg.Server.CORSOrigins,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		return serveWithWorkers(ctx, srv, port, workers...)
	},
}

// serveWithWorkers runs srv next to the background workers. It returns only
// after every worker has exited, so callers may release shared resources.
// A worker error stops the server.
func serveWithWorkers(ctx context.Context, srv *http.Server, port int, workers ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w(gctx) })
	}

	err := listenAndServe(gctx, srv, port)
	cancel()
	if werr := g.Wait(); werr != nil && err == nil {
		err = eris.Wrap(werr, "background worker")
	}
	return err
}

// listenAndServe runs srv until ctx is cancelled, then shuts it down.
func listenAndServe(ctx context.Context, srv *http.Server, port int) error {
	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveSchedule, "schedule", false, "also run scheduled ingestion")
	rootCmd.AddCommand(serveCmd)
}
