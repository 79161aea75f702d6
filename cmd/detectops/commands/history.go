package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/detectops/pkg/engine"
	"github.com/openfroyo/detectops/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit int
		prune int
		rule  string
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past apply and destroy runs",
		Long: `List recent apply and destroy runs, or show the rule operations of one run.

Runs are kept in a SQLite database under the project base directory.`,
		Example: `  # Last 20 runs
  detectops history

  # Operations of one run
  detectops history 5f0c3a8e-7d0b-4a53-9a8e-1c2d3e4f5a6b

  # Everything that happened to one rule
  detectops history --rule splunk:splunk/auth/brute_force.yaml

  # Keep only the 100 most recent runs
  detectops history --prune 100`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), "history", "", func(ctx context.Context, a *app) error {
				if a.history == nil {
					return fmt.Errorf("run history is unavailable")
				}
				if err := a.history.HealthCheck(ctx); err != nil {
					return fmt.Errorf("run history is unavailable: %w", err)
				}
				out := cmd.OutOrStdout()

				if prune > 0 {
					n, err := a.history.Prune(ctx, prune)
					if err != nil {
						return err
					}
					log.Info().Int64("removed", n).Msg("Pruned run history")
					return nil
				}

				if rule != "" {
					service, path, ok := strings.Cut(rule, ":")
					if !ok || service == "" || path == "" {
						return fmt.Errorf("--rule expects SERVICE:PATH, got %q", rule)
					}
					ops, err := a.history.RuleHistory(ctx, service, path, limit)
					if err != nil {
						return err
					}
					if jsonOutput {
						return encodeJSON(out, ops)
					}
					return printOperations(out, ops)
				}

				if len(args) == 1 {
					run, err := a.history.GetRun(ctx, args[0])
					if engine.IsNotFound(err) {
						return fmt.Errorf("no run %s in history, list runs with `detectops history`", args[0])
					}
					if err != nil {
						return err
					}
					if jsonOutput {
						return encodeJSON(out, run)
					}
					return printRun(out, run)
				}

				runs, err := a.history.ListRuns(ctx, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return encodeJSON(out, runs)
				}
				return printRuns(out, runs)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	cmd.Flags().StringVar(&rule, "rule", "", "show operations on one rule, as SERVICE:PATH")
	cmd.Flags().IntVar(&prune, "prune", 0, "delete all but the N most recent runs")

	return cmd
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRuns(w io.Writer, runs []*stores.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCOMMAND\tSCOPE\tSTATUS\tOK\tFAILED\tSTARTED\tDURATION")
	for _, r := range runs {
		scope := r.Scope
		if scope == "" {
			scope = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.Command, scope, r.Status, r.Succeeded, r.Failed,
			r.StartedAt.Local().Format(time.DateTime), r.Duration().Round(time.Millisecond))
	}
	return tw.Flush()
}

func printRun(w io.Writer, r *stores.Run) error {
	fmt.Fprintf(w, "run:     %s\ncommand: %s\nstatus:  %s\nserial:  %d\nstarted: %s\n",
		r.ID, r.Command, r.Status, r.Serial, r.StartedAt.Local().Format(time.DateTime))
	if r.Error != "" {
		fmt.Fprintf(w, "error:   %s\n", r.Error)
	}
	if len(r.Operations) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	return printOperations(w, r.Operations)
}

func printOperations(w io.Writer, ops []*stores.RuleOperation) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSERVICE\tACTION\tRULE\tRESULT")
	for _, op := range ops {
		result := "ok"
		if !op.Succeeded() {
			result = op.Error
		}
		action := string(op.Action)
		if op.Action.IsDestructive() {
			action += "!"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", shortID(op.RunID), op.Service, action, op.Path, result)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
