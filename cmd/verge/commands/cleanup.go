package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/verge-sh/verge/pkg/engine"
)

func newCleanupCommand() *cobra.Command {
	var (
		maxCount   int
		maxAgeDays int
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Prune old snapshots and consumed staging files",
		Long: `Prune snapshots past the retention policy and remove staging files
that were consumed by committed runs.

The newest snapshot is never deleted, regardless of policy. Flags
override the retention settings from the config file.`,
		Example: `  # Apply the configured retention policy
  verge cleanup

  # Keep at most 3 snapshots
  verge cleanup --max-count 3

  # Drop snapshots older than a week
  verge cleanup --max-age-days 7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			policy := app.cfg.RetentionPolicy()
			if cmd.Flags().Changed("max-count") {
				policy.MaxCount = maxCount
			}
			if cmd.Flags().Changed("max-age-days") {
				policy.MaxAgeDays = maxAgeDays
			}

			result, err := app.maintain.Cleanup(cmd.Context(), policy)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(result)
			}
			printCleanupResult(result)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxCount, "max-count", 0, "max snapshots to keep (overrides config)")
	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 0, "max snapshot age in days (overrides config)")

	return cmd
}

func printCleanupResult(result *engine.CleanupResult) {
	fmt.Printf("cleaned %d entries (%d bytes freed), removed %d staging files\n",
		result.Cleaned, result.FreedBytes, len(result.StagingRemoved))
	fmt.Printf("snapshots kept: %d\n", len(result.SnapshotsKept))
	for _, id := range result.SnapshotsKept {
		fmt.Printf("  %s\n", id)
	}
}
