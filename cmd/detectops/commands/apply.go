package commands

import (
	"context"

	"github.com/spf13/cobra"
)

func newApplyCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "apply [service|environment]",
		Short: "Deploy workspace detections to their services",
		Long: `Create, update and remove rules so each service matches the workspace.

The state is locked for the whole run. The plan is printed and confirmed
before anything changes unless --auto-approve is set. Rules that fail are
reported and left out of the saved state; the rest of the batch continues.`,
		Example: `  # Apply everything after confirmation
  detectops apply

  # Apply the prod environment without asking
  detectops apply prod --auto-approve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := scopeArg(args)
			return withApp(cmd.Context(), "apply", scope, func(ctx context.Context, a *app) error {
				r, err := a.reconciler(a.printer)
				if err != nil {
					return err
				}
				return r.Apply(ctx, scope, autoApprove)
			})
		},
	}

	cmd.Flags().BoolVarP(&autoApprove, "auto-approve", "a", false, "skip interactive approval")

	return cmd
}
