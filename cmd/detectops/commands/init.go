package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/detectops/pkg/config"
)

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a detectops project",
		Long: `Initialize a new project with a default project file, an empty workspace,
a plugin directory and a policy directory.`,
		Example: `  # Initialize the current directory
  detectops init

  # Overwrite an existing project file
  detectops init ./soc --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}

			log.Info().Str("dir", dir).Bool("force", force).Msg("Initializing project")

			project, err := config.Scaffold(dir, force)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Created project file: %s\n", project.Path())
			fmt.Fprintf(out, "✓ Created workspace: %s\n", project.WorkspaceDir())
			fmt.Fprintf(out, "✓ Created plugin directory: %s\n", project.PluginConfig().Dir)
			fmt.Fprintf(out, "✓ Created policy directory: %s\n", project.PoliciesDir())
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintln(out, "  1. Copy plugin binaries (<name>.wasm) into the plugin directory")
			fmt.Fprintln(out, "  2. Declare services with 'detectops services add'")
			fmt.Fprintf(out, "  3. Write detections under %s/<plugin>/\n", project.Workspace())
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing project file")

	return cmd
}
