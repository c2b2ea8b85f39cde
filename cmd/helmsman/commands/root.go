package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	dbPath    string
	logLevel  string
	logFormat string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "helmsman",
		Short: "Helmsman - Continuous Delivery Control Plane",
		Long: `Helmsman is the orchestration core of a continuous-delivery control
plane. It binds external events to workflow definitions, resolves
artifact expectations, and drives durable, safely-steppable workflow
executions.

Features:
  - Durable execution repository with stage and task state
  - Resumable saga action chains with compensation
  - Event-to-workflow trigger matching
  - Artifact expectation resolution
  - Capacity guards for destructive operations`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "helmsman.db", "execution database path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")

	// Add subcommands
	rootCmd.AddCommand(newExecutionCommand())
	rootCmd.AddCommand(newDefinitionsCommand())

	return rootCmd
}
