package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSnapshotsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List snapshots",
		Long: `List the snapshots on disk, newest first.

Each snapshot is a self-contained directory holding the pre-change
binaries, the manifest that triggered it, and a checksum file. Any
listed snapshot can be restored with "verge rollback --snapshot".`,
		Example: `  # List snapshots
  verge snapshots

  # Machine-readable listing
  verge snapshots --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			snaps, err := app.snapshots.List()
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(snaps)
			}

			if len(snaps) == 0 {
				fmt.Println("no snapshots")
				return nil
			}
			fmt.Printf("%-28s %-20s %10s %6s  %s\n", "ID", "REASON", "SIZE", "FILES", "CREATED")
			for _, snap := range snaps {
				fmt.Printf("%-28s %-20s %10d %6d  %s\n",
					snap.ID, snap.Reason, snap.SizeBytes, len(snap.Components),
					snap.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	return cmd
}
