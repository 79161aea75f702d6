package commands

import (
	"context"

	"github.com/spf13/cobra"
)

func newDestroyCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "destroy [service|environment]",
		Short: "Remove every tracked rule from its service",
		Long: `Remove every rule recorded in the state for the selected services,
whatever the workspace currently contains. Rules already deleted remotely are
dropped from the state without a call.`,
		Example: `  # Tear down one service
  detectops destroy splunk-dev

  # Tear down everything without asking
  detectops destroy --auto-approve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := scopeArg(args)
			return withApp(cmd.Context(), "destroy", scope, func(ctx context.Context, a *app) error {
				r, err := a.reconciler(a.printer)
				if err != nil {
					return err
				}
				return r.Destroy(ctx, scope, autoApprove)
			})
		},
	}

	cmd.Flags().BoolVarP(&autoApprove, "auto-approve", "a", false, "skip interactive approval")

	return cmd
}
