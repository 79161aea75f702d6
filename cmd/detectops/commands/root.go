package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/detectops/pkg/config"
)

// LogLevelEnv overrides the configured log level.
const LogLevelEnv = "DETECTOPS_LOG"

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	toolVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	toolVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "detectops",
		Short: "detectops - Detection-as-code for security platforms",
		Long: `detectops keeps the detection rules deployed on security services in sync
with the rules kept in a workspace directory.

Rules are grouped by plugin: every directory of the workspace names a WASM
plugin that knows how to create, read, update and delete rules on one kind
of service. A state file tracks what was deployed, so removed rules are
cleaned up and drift is detected before every apply.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFile, "project file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newPingCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newServicesCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
