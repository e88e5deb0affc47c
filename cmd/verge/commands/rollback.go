package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/verge-sh/verge/pkg/engine"
)

func newRollbackCommand() *cobra.Command {
	var snapshotID string

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore components from a snapshot",
		Long: `Restore components to the state captured by a snapshot.

Every component in the snapshot is restored: files that existed are
swapped back in and hash-verified, files that were absent are removed.
Without --snapshot the most recent snapshot is used.`,
		Example: `  # Roll back to the latest snapshot
  verge rollback

  # Roll back to a specific snapshot
  verge rollback --snapshot 20250114-093042-a1b2c3d4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			result, rerr := rollbackTo(app, snapshotID)
			if result != nil {
				if jsonOutput {
					if err := printJSON(result); err != nil {
						return err
					}
				} else {
					fmt.Printf("rollback to %s: %s (%s)\n",
						result.SnapshotID, result.Status,
						strings.Join(result.RestoredComponents, ", "))
				}
			}
			return rerr
		},
	}

	cmd.Flags().StringVarP(&snapshotID, "snapshot", "s", "", "snapshot to restore (default: latest)")

	return cmd
}

func rollbackTo(app *app, snapshotID string) (*engine.RollbackResult, error) {
	if snapshotID == "" {
		return app.rollback.RollbackLatest("manual")
	}
	return app.rollback.RollbackByID(snapshotID, "manual")
}
