package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/pricewatch/internal/mockscrape"
)

var mockPort int

var mockScraperCmd = &cobra.Command{
	Use:   "mock-scraper",
	Short: "Run a stub price provider for local development",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		port := mockPort
		if port == 0 {
			port = cfg.Mock.Port
		}

		gen := mockscrape.NewGenerator(mockscrape.Config{
			MinPrices: cfg.Mock.MinPrices,
			MaxPrices: cfg.Mock.MaxPrices,
			Seed:      cfg.Mock.Seed,
		})
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mockscrape.NewRouter(gen),
			ReadHeaderTimeout: 10 * time.Second,
		}
		return listenAndServe(ctx, srv, port)
	},
}

func init() {
	mockScraperCmd.Flags().IntVar(&mockPort, "port", 0, "listen port (default from config)")
	rootCmd.AddCommand(mockScraperCmd)
}
