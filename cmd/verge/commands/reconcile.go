package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/verge-sh/verge/pkg/engine"
)

func newReconcileCommand() *cobra.Command {
	var (
		manifestPath string
		dryRun       bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Converge components to a manifest",
		Long: `Converge the installed components to the state a manifest declares.

This command:
  - Inspects the current state of all configured components
  - Computes the delta between current and declared state
  - Evaluates the policy gate over the delta
  - Snapshots every file about to change
  - Applies all changes with stage-then-swap
  - Re-validates the result and rolls the whole batch back on failure`,
		Example: `  # Converge to a manifest
  verge reconcile --manifest manifest.json

  # Preview the delta without touching anything
  verge reconcile --manifest manifest.json --dry-run

  # Machine-readable result
  verge reconcile --manifest manifest.json --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			reconciler, err := app.newReconciler(cmd.Context())
			if err != nil {
				return err
			}

			result, rerr := reconciler.Reconcile(cmd.Context(), manifestPath, dryRun)
			if result != nil {
				if jsonOutput {
					if err := printJSON(result); err != nil {
						return err
					}
				} else {
					printReconcileResult(result)
				}
			}
			return rerr
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "manifest file declaring the desired state")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute and report the delta without applying")
	cmd.MarkFlagRequired("manifest")

	return cmd
}

func printReconcileResult(result *engine.ReconcileResult) {
	for _, change := range result.Changes {
		if change.Kind == engine.ChangeNone {
			continue
		}
		fmt.Printf("%-8s %-24s %s\n", change.Kind, change.Component, change.Path)
	}
	fmt.Printf("run %s: %s", result.RunID, result.Status)
	if result.SnapshotID != "" {
		fmt.Printf(" (snapshot %s)", result.SnapshotID)
	}
	fmt.Printf(" in %.2fs\n", result.DurationSeconds)
	if result.Error != "" {
		fmt.Printf("error: %s\n", result.Error)
	}
}
