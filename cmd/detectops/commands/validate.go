package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/detectops/pkg/engine"
	"github.com/openfroyo/detectops/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate [service|environment]",
		Short: "Validate workspace detections",
		Long: `Validate every detection of the scope without contacting any service.

Each detection is checked by:
  - its plugin's own validate()
  - the plugin's detection schema (JSON Schema)
  - the built-in policies and the Rego policies under policies/<plugin>/

Violations of severity error fail the command. With --watch, validation runs
again whenever a detection or a policy changes.`,
		Example: `  # Validate everything
  detectops validate

  # Validate one service and print violations as JSON
  detectops validate splunk-prod --json

  # Re-validate on every change
  detectops validate --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := scopeArg(args)
			out := cmd.OutOrStdout()
			return withApp(cmd.Context(), "validate", scope, func(ctx context.Context, a *app) error {
				r, err := a.reconciler(nil)
				if err != nil {
					return err
				}

				run := func(ctx context.Context) error {
					violations, err := r.Validate(ctx, scope)
					if err != nil {
						return err
					}
					if err := printViolations(out, violations); err != nil {
						return err
					}
					if n := blocking(violations); n > 0 {
						return engine.NewPermanentError(fmt.Sprintf("%d detection(s) failed validation", n), nil).
							WithCode(engine.ErrCodeValidation)
					}
					return nil
				}

				if !watch {
					return run(ctx)
				}

				if err := run(ctx); err != nil && !engine.HasCode(err, engine.ErrCodeValidation) {
					return err
				}
				if err := a.tel.Metrics.StartMetricsServer(ctx, a.logger); err != nil {
					return err
				}

				paths := []string{a.project.WorkspaceDir(), a.project.PoliciesDir()}
				err = a.policies.Loader().Watch(ctx, paths, func(ctx context.Context) error {
					a.policies.Reload()
					if err := run(ctx); err != nil && !engine.HasCode(err, engine.ErrCodeValidation) {
						return err
					}
					return nil
				})
				if err != nil {
					return err
				}

				<-ctx.Done()
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate when detections or policies change")

	return cmd
}

func printViolations(w io.Writer, violations []engine.Violation) error {
	if jsonOutput {
		if violations == nil {
			violations = []engine.Violation{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(violations)
	}

	for _, v := range violations {
		severity := v.Severity
		if severity == "" {
			severity = string(policy.SeverityError)
		}
		if _, err := fmt.Fprintf(w, "%-7s %s [%s] %s\n", severity, v.Path, v.Source, v.Message); err != nil {
			return err
		}
	}
	return nil
}

func blocking(violations []engine.Violation) int {
	n := 0
	for _, v := range violations {
		if policy.Severity(v.Severity).Blocking() {
			n++
		}
	}
	return n
}
