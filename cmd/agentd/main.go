// Command agentd is the per-node agent daemon: it polls the local
// hypervisor, diffs VM state, and reports to a fleetmeter manager.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentd",
		Short: "fleetmeter agent daemon",
		Long:  "Poll local hypervisor VM state and report start/stop events to the fleetmeter manager",
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(selfTestCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
