package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetmeter/fleetmeter/internal/legacyimport"
	"github.com/fleetmeter/fleetmeter/internal/logging"
)

// importLegacyLogCmd is a one-shot importer for the legacy task-log
// ingestion path, deliberately never wired as a live HTTP route.
func importLegacyLogCmd() *cobra.Command {
	var (
		appName  string
		node     string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "import-legacy-log <path>",
		Short: "One-shot import of a Proxmox task-log file into the session log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.SetLevelFromString(logLevel)

			if node == "" {
				return fmt.Errorf("--node is required")
			}

			ctx := context.Background()
			d, err := buildDeps(ctx, appName)
			if err != nil {
				return err
			}
			defer d.store.Close()

			result, err := legacyimport.ImportFile(ctx, d.reconciler, node, args[0])
			if err != nil {
				return fmt.Errorf("import legacy log: %w", err)
			}

			logging.Op().Info("legacy import complete",
				"lines_read", result.LinesRead,
				"events_parsed", result.EventsParsed,
				"starts_applied", result.StartsApplied,
				"stops_applied", result.StopsApplied,
				"skipped", result.Skipped,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&appName, "app", "fleetmeter-manager", "config file base name to search for")
	cmd.Flags().StringVar(&node, "node", "", "node name this log file was collected from")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")

	return cmd
}
