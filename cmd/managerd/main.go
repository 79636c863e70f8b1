// Command managerd is the central manager daemon: it hosts the ingest API,
// answers usage and rental queries, and can one-shot import a legacy
// Proxmox task log.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "managerd",
		Short: "fleetmeter manager daemon",
		Long:  "Reconcile agent-reported VM state into a session log and answer usage queries",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(importLegacyLogCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
