package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/verge-sh/verge/pkg/engine"
)

func newDriftCommand() *cobra.Command {
	var (
		manifestPath string
		watch        bool
	)

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Detect out-of-band modification of components",
		Long: `Compare installed components against a baseline and report divergence.

The baseline comes from --manifest when given, otherwise from the most
recent snapshot. Detection is advisory: nothing is modified, a
reconcile run is the remedy.

With --watch the command keeps running and reports drift as it happens,
using filesystem notifications.`,
		Example: `  # One-shot drift check against the latest snapshot
  verge drift

  # Check against a specific manifest
  verge drift --manifest manifest.json

  # Watch continuously until interrupted
  verge drift --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			baseline, err := loadBaseline(app, manifestPath)
			if err != nil {
				return err
			}

			if watch {
				return watchDrift(cmd, app, baseline)
			}
			return checkDrift(cmd, app, baseline)
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "manifest to use as baseline (default: latest snapshot)")
	cmd.Flags().BoolVar(&watch, "watch", false, "watch continuously for drift")

	return cmd
}

// loadBaseline maps component name to expected hash, from an explicit
// manifest or from the manifest captured by the latest snapshot.
func loadBaseline(app *app, manifestPath string) (map[string]string, error) {
	if manifestPath == "" {
		snap, err := app.snapshots.Latest()
		if err != nil {
			return nil, fmt.Errorf("no baseline: %w (pass --manifest or create a snapshot first)", err)
		}
		manifestPath = app.snapshots.ManifestPath(snap)
	}
	manifest, err := engine.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	baseline := make(map[string]string, len(manifest.Components))
	for name, comp := range manifest.Components {
		baseline[name] = comp.Hash
	}
	return baseline, nil
}

func checkDrift(cmd *cobra.Command, app *app, baseline map[string]string) error {
	state, err := app.inspector.Inspect(cmd.Context())
	if err != nil {
		return err
	}

	var drifted []engine.Change
	for name, want := range baseline {
		comp, ok := state.Components[name]
		if !ok {
			continue
		}
		if comp.Hash == want {
			continue
		}
		drifted = append(drifted, engine.Change{
			Kind:      engine.ChangeUpdate,
			Component: name,
			Path:      comp.Path,
			FromHash:  comp.Hash,
			ToHash:    want,
		})
	}

	if jsonOutput {
		if err := printJSON(drifted); err != nil {
			return err
		}
	} else if len(drifted) == 0 {
		fmt.Println("no drift detected")
	} else {
		for _, change := range drifted {
			fmt.Printf("drift: %-24s %s\n", change.Component, change.Path)
		}
	}

	if len(drifted) > 0 {
		return fmt.Errorf("%d components drifted from baseline", len(drifted))
	}
	return nil
}

func watchDrift(cmd *cobra.Command, app *app, baseline map[string]string) error {
	watcher := engine.NewDriftWatcher(app.specs, baseline, app.logger, app.events)
	changes, err := watcher.Watch(cmd.Context())
	if err != nil {
		return err
	}
	for change := range changes {
		if jsonOutput {
			if err := printJSON(change); err != nil {
				return err
			}
			continue
		}
		fmt.Printf("drift: %-24s %s\n", change.Component, change.Path)
	}
	return nil
}
