package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetmeter/fleetmeter/internal/logging"
	"github.com/fleetmeter/fleetmeter/internal/metrics"
	"github.com/fleetmeter/fleetmeter/internal/observability"
)

func serveCmd() *cobra.Command {
	var (
		appName  string
		logLevel string
		logFmt   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the manager's ingest API and usage/rental query endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.InitStructured(logFmt, logLevel)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			d, err := buildDeps(ctx, appName)
			if err != nil {
				return err
			}
			defer d.store.Close()
			defer observability.Shutdown(context.Background())

			if d.cfg.Metrics.Enabled {
				metrics.Init(d.cfg.Metrics.Namespace)
			}

			mux := http.NewServeMux()
			d.handler.RegisterRoutes(mux)
			if d.cfg.Metrics.Enabled {
				mux.Handle("GET /metrics", metrics.Handler())
			}

			httpServer := &http.Server{
				Addr:    d.cfg.DaemonAddr,
				Handler: mux,
			}

			errCh := make(chan error, 1)
			go func() {
				logging.Op().Info("manager started", "addr", d.cfg.DaemonAddr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logging.Op().Info("shutdown signal received", "signal", sig.String())
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("shutdown manager: %w", err)
				}
				return nil
			case err := <-errCh:
				return fmt.Errorf("manager server error: %w", err)
			}
		},
	}

	cmd.Flags().StringVar(&appName, "app", "fleetmeter-manager", "config file base name to search for")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	cmd.Flags().StringVar(&logFmt, "log-format", "text", "log format: text or json")

	return cmd
}
