package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/verge-sh/verge/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit     int
		offset    int
		runID     string
		snapshots bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs and indexed snapshots",
		Long: `Show the run history the store keeps for every reconcile, rollback and
cleanup, newest first. With --run, show one run in full; with
--snapshots, list the snapshot index instead.`,
		Example: `  # The last 20 runs
  verge history

  # One run in full
  verge history --run 6c1a6b0e-...

  # The snapshot index
  verge history --snapshots`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			if runID != "" {
				run, err := app.store.GetRun(cmd.Context(), runID)
				if err != nil {
					return err
				}
				return printJSON(run)
			}

			if snapshots {
				records, err := app.store.ListSnapshots(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(records)
				}
				printSnapshotRecords(records)
				return nil
			}

			runs, err := app.store.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(runs)
			}
			printRuns(runs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max entries to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	cmd.Flags().StringVar(&runID, "run", "", "show a single run by ID")
	cmd.Flags().BoolVar(&snapshots, "snapshots", false, "list the snapshot index instead of runs")

	return cmd
}

func printRuns(runs []*stores.Run) {
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return
	}
	for _, run := range runs {
		line := fmt.Sprintf("%s  %-16s  %d changes  started %s",
			run.ID, run.Status, run.Changes, run.StartedAt.Format(time.RFC3339))
		if run.SnapshotID != "" {
			line += "  snapshot " + run.SnapshotID
		}
		fmt.Println(line)
		if run.Error != "" {
			fmt.Printf("    error: %s\n", run.Error)
		}
	}
}

func printSnapshotRecords(records []*stores.SnapshotRecord) {
	if len(records) == 0 {
		fmt.Println("no snapshots indexed")
		return
	}
	for _, rec := range records {
		fmt.Printf("%s  %-14s  %d components  %d bytes  %s\n",
			rec.ID, rec.Reason, rec.Components, rec.SizeBytes, rec.CreatedAt.Format(time.RFC3339))
	}
}
