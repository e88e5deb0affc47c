package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "verge",
		Short: "Verge - Declarative component state reconciler",
		Long: `Verge converges a set of locally installed executable components to the
state a manifest declares: inspect, diff, snapshot, apply atomically,
validate, and roll the whole batch back on any failure.

Features:
  - Structured and free-text binary probes
  - Content-addressed manifests (SHA-256)
  - Fail-closed snapshots with stage-then-swap apply
  - All-or-nothing rollback on validation failure
  - Policy gate over computed deltas
  - Drift detection`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/verge.cue", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInspectCommand())
	rootCmd.AddCommand(newGenerateManifestCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newSnapshotsCommand())
	rootCmd.AddCommand(newCleanupCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newDriftCommand())

	return rootCmd
}
