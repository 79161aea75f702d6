package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/detectops/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var stateOnly bool

	cmd := &cobra.Command{
		Use:   "plan [service|environment]",
		Short: "Show the changes apply would make",
		Long: `Compare the workspace detections with the rules deployed on each service.

Tracked rules are read back from their service first, so rules modified or
deleted out of band show up in the plan. Nothing is changed remotely and the
state is not written.`,
		Example: `  # Plan every service
  detectops plan

  # Plan one environment against the cached state only
  detectops plan prod --state-only

  # Show content diffs of updated rules
  detectops plan splunk-prod --verbose`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := scopeArg(args)
			return withApp(cmd.Context(), "plan", scope, func(ctx context.Context, a *app) error {
				var reporter engine.Reporter = a.printer
				if jsonOutput {
					reporter = nil
				}
				r, err := a.reconciler(reporter)
				if err != nil {
					return err
				}

				d, err := r.Plan(ctx, scope, engine.PlanOptions{StateOnly: stateOnly, Verbose: verbose})
				if err != nil {
					return err
				}

				if jsonOutput {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(d)
				}
				if !d.Empty() {
					create, update, remove := d.Counts()
					fmt.Fprintf(cmd.OutOrStdout(), "\nPlan: %d to create, %d to update, %d to remove.\n", create, update, remove)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&stateOnly, "state-only", false, "diff against the cached state without reading services")

	return cmd
}
