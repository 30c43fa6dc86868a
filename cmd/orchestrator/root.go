package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Parallel agent orchestrator",
	Long: `orchestrator drives a fleet of short-lived worker subprocesses against a
persistent, dependency-ordered feature queue.

Core capabilities:
- Stores feature state and dependency edges durably across runs
- Claims features exclusively so concurrent workers never collide
- Spawns coding and testing workers, bounded by configurable concurrency
- Quarantines features that fail repeatedly instead of retrying forever
- Reports progress over a subscribable event bus, in a CLI or TUI view

Available commands:
  init     Initialize an orchestrator project
  run      Run the Scheduler Loop until the feature queue resolves
  status   Show the current queue state
  config   Inspect or edit orchestrator configuration
  version  Show version information

Use "orchestrator [command] --help" for more information about a command.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version()
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}
