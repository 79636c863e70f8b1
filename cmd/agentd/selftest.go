package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetmeter/fleetmeter/internal/logging"
)

func selfTestCmd() *cobra.Command {
	var (
		appName  string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "self-test",
		Short: "Run a single probe/diff/emit cycle and report success",
		Long:  "Exit 0 on success, 1 on fatal config error, 2 if the probe never succeeded (spec exit-code convention)",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.SetLevelFromString(logLevel)

			eng, _, err := buildEngine(appName)
			if err != nil {
				logging.Op().Error("self-test: fatal config error", "error", err)
				os.Exit(1)
			}

			if err := eng.RunOnce(context.Background()); err != nil {
				logging.Op().Error("self-test: probe never succeeded", "error", err)
				os.Exit(2)
			}

			logging.Op().Info("self-test: probe succeeded")
			return nil
		},
	}

	cmd.Flags().StringVar(&appName, "app", "fleetmeter-agent", "config file base name to search for")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")

	return cmd
}
