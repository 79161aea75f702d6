package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/detectops/pkg/engine"
)

type pingResult struct {
	Service   string `json:"service"`
	Plugin    string `json:"plugin"`
	Reachable bool   `json:"reachable"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Error     string `json:"error,omitempty"`
}

func newPingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping [service|environment]",
		Short: "Check connectivity with services",
		Long: `Ask each plugin to reach its service with the configured settings.
Services are checked concurrently; any failure fails the command.`,
		Example: `  # Check every service
  detectops ping

  # Check one environment
  detectops ping prod --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := scopeArg(args)
			return withApp(cmd.Context(), "ping", scope, func(ctx context.Context, a *app) error {
				r, err := a.reconciler(nil)
				if err != nil {
					return err
				}

				results, pingErr := r.Ping(ctx, scope)
				if !jsonOutput || results == nil {
					return pingErr
				}

				out := make([]pingResult, 0, len(results))
				for _, res := range results {
					pr := pingResult{
						Service:   res.Service,
						Plugin:    res.Plugin,
						Reachable: res.Reachable(),
						ElapsedMS: res.Elapsed.Milliseconds(),
					}
					if res.Err != nil {
						pr.Error = res.Err.Error()
					}
					out = append(out, pr)
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return err
				}
				if pingErr != nil {
					return fmt.Errorf("%d of %d services unreachable", countUnreachable(results), len(results))
				}
				return nil
			})
		},
	}

	return cmd
}

func countUnreachable(results []engine.PingResult) int {
	n := 0
	for _, res := range results {
		if !res.Reachable() {
			n++
		}
	}
	return n
}
