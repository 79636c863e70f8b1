package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetmeter/fleetmeter/internal/logging"
)

func runCmd() *cobra.Command {
	var (
		appName  string
		logLevel string
		logFmt   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent's tick loop until a shutdown signal is received",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.InitStructured(logFmt, logLevel)

			eng, _, err := buildEngine(appName)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				logging.Op().Info("shutdown signal received", "signal", sig.String())
				eng.Stop()
				cancel()
			}()

			logging.Op().Info("agent starting")
			if err := eng.RunForever(ctx); err != nil && err != context.Canceled {
				return err
			}
			logging.Op().Info("agent stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&appName, "app", "fleetmeter-agent", "config file base name to search for")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	cmd.Flags().StringVar(&logFmt, "log-format", "text", "log format: text or json")

	return cmd
}
