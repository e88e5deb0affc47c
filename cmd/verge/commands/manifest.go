package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/verge-sh/verge/pkg/engine"
)

func newGenerateManifestCommand() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "generate-manifest",
		Short: "Generate a manifest from the installed state",
		Long: `Generate a manifest describing the currently installed components.

Only managed, healthy components are included. The resulting manifest
can be edited to declare a desired state and fed to "verge reconcile".`,
		Example: `  # Write manifest.json in the working directory
  verge generate-manifest

  # Write to a specific file
  verge generate-manifest --out /srv/verge/manifest.json`,
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

			manifest := engine.GenerateManifest(state)
			if len(manifest.Components) == 0 {
				return fmt.Errorf("no healthy managed components to describe")
			}
			if err := engine.SaveManifest(manifest, outPath); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(manifest)
			}
			fmt.Printf("wrote %s (%d components)\n", outPath, len(manifest.Components))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "manifest.json", "output file")

	return cmd
}
