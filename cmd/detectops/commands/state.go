package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openfroyo/detectops/pkg/engine"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and transfer the deployment state",
	}

	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStatePullCommand())
	cmd.AddCommand(newStatePushCommand())

	return cmd
}

func newStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show [service]",
		Short: "List the rules tracked for each service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), "state show", scopeArg(args), func(ctx context.Context, a *app) error {
				exists, st, err := a.backend.Load(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return engine.StateIOError("no state found, nothing has been applied yet", nil)
				}
				if jsonOutput {
					return writeState(cmd.OutOrStdout(), st)
				}
				return showState(cmd.OutOrStdout(), st, scopeArg(args))
			})
		},
	}
}

func newStatePullCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pull [file]",
		Short: "Write the current state to a file or stdout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), "state pull", "", func(ctx context.Context, a *app) error {
				exists, st, err := a.backend.Load(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return engine.StateIOError("no state found, nothing has been applied yet", nil)
				}

				if len(args) == 0 {
					return writeState(cmd.OutOrStdout(), st)
				}
				f, err := os.Create(args[0])
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", args[0], err)
				}
				if err := writeState(f, st); err != nil {
					f.Close()
					return err
				}
				return f.Close()
			})
		},
	}
}

func newStatePushCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "push FILE",
		Short: "Replace the current state with a local file",
		Long: `Replace the state with the content of FILE, typically to migrate from one
backend to another. The push is refused when FILE belongs to another lineage
or is older than the current state, unless --force is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			var incoming engine.State
			if err := json.Unmarshal(data, &incoming); err != nil {
				return engine.SerializationError(fmt.Sprintf("unable to parse state file: %s", args[0]), err)
			}

			return withApp(cmd.Context(), "state push", "", func(ctx context.Context, a *app) error {
				return pushState(ctx, a.backend, &incoming, force)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "push even when lineage or serial do not match")

	return cmd
}

// pushState saves incoming in place of the current state under the lock.
// The saved serial continues from the current one.
func pushState(ctx context.Context, backend engine.StateBackend, incoming *engine.State, force bool) (err error) {
	incoming.Normalize()

	token, err := backend.Lock(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := backend.Unlock(ctx, token); uerr != nil && err == nil {
			err = uerr
		}
	}()

	exists, current, err := backend.Load(ctx)
	if err != nil {
		return err
	}
	if exists && !force {
		if current.Lineage != incoming.Lineage {
			return engine.NewConflictError(
				fmt.Sprintf("cannot push state with lineage %s over lineage %s", incoming.Lineage, current.Lineage), nil)
		}
		if incoming.Serial < current.Serial {
			return engine.NewConflictError(
				fmt.Sprintf("cannot push state with serial %d over newer serial %d", incoming.Serial, current.Serial), nil)
		}
	}
	if exists {
		incoming.Serial = current.Serial
	}
	return backend.Save(ctx, incoming)
}

func writeState(w io.Writer, st *engine.State) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func showState(w io.Writer, st *engine.State, service string) error {
	fmt.Fprintf(w, "lineage: %s\nserial:  %d\nversion: %s\nrules:   %d\n", st.Lineage, st.Serial, st.ToolVersion, st.RuleCount())
	for _, name := range st.ServiceNames() {
		if service != "" && name != service {
			continue
		}
		fmt.Fprintf(w, "\n%s\n", name)
		rules := st.Services[name]
		for _, path := range sortedRulePaths(rules) {
			fmt.Fprintf(w, "  %s\n", path)
		}
	}
	return nil
}

func sortedRulePaths(rules map[string]json.RawMessage) []string {
	paths := make([]string, 0, len(rules))
	for p := range rules {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
