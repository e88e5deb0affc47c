package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/verge-sh/verge/pkg/engine"
)

func newInspectCommand() *cobra.Command {
	var includeExternal bool

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect installed components",
		Long: `Inspect the configured components and report their health.

For each component this command:
  - Stats the binary on disk
  - Hashes its content (SHA-256)
  - Runs its probe to extract version information
  - Classifies it as healthy, missing, corrupted, or unknown`,
		Example: `  # Inspect managed components
  verge inspect

  # Include external (unmanaged) components
  verge inspect --all

  # Machine-readable output
  verge inspect --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			state, err := app.inspector.Inspect(cmd.Context())
			if err != nil {
				return err
			}

			if !includeExternal {
				for name, comp := range state.Components {
					if !comp.Managed {
						delete(state.Components, name)
					}
				}
				state.Summary = summarize(state)
			}

			if jsonOutput {
				return printJSON(state)
			}

			for _, name := range sortedComponentNames(state) {
				comp := state.Components[name]
				version := comp.Version
				if version == "" {
					version = "-"
				}
				fmt.Printf("%-24s %-12s %-10s %s\n", comp.Name, comp.Status, version, comp.Path)
			}
			fmt.Printf("\n%d components: %d healthy, %d missing, %d corrupted, %d unknown\n",
				state.Summary.Total, state.Summary.Healthy, state.Summary.Missing,
				state.Summary.Corrupted, state.Summary.Unknown)

			if !state.Healthy {
				return fmt.Errorf("one or more components are not healthy")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&includeExternal, "all", false, "include external (unmanaged) components")

	return cmd
}

func summarize(state *engine.StateMap) engine.StateSummary {
	var s engine.StateSummary
	for _, comp := range state.Components {
		s.Total++
		switch comp.Status {
		case engine.StatusHealthy:
			s.Healthy++
		case engine.StatusMissing:
			s.Missing++
		case engine.StatusCorrupted:
			s.Corrupted++
		default:
			s.Unknown++
		}
	}
	return s
}

func sortedComponentNames(state *engine.StateMap) []string {
	names := make([]string, 0, len(state.Components))
	for name := range state.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
