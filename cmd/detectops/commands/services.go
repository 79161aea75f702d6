package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/detectops/pkg/config"
	"github.com/openfroyo/detectops/pkg/engine"
	"github.com/openfroyo/detectops/pkg/plugins"
)

func newServicesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "services",
		Aliases: []string{"service"},
		Short:   "Manage the services declared in the project file",
	}

	cmd.AddCommand(newServicesListCommand())
	cmd.AddCommand(newServicesAddCommand())
	cmd.AddCommand(newServicesRemoveCommand())
	cmd.AddCommand(newServicesConfigureCommand())

	return cmd
}

type serviceEntry struct {
	Name        string `json:"name"`
	Plugin      string `json:"plugin"`
	Environment string `json:"environment,omitempty"`
}

func newServicesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List declared services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := config.Load(configPath)
			if err != nil {
				return err
			}

			entries := make([]serviceEntry, 0, len(project.Services))
			for _, name := range project.ServiceNames() {
				svc := project.Services[name]
				entries = append(entries, serviceEntry{Name: name, Plugin: svc.Plugin, Environment: svc.Environment})
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPLUGIN\tENVIRONMENT")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, e.Plugin, e.Environment)
			}
			return tw.Flush()
		},
	}
}

func newServicesAddCommand() *cobra.Command {
	var (
		plugin      string
		environment string
		settings    []string
	)

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Declare a new service",
		Example: `  # Add a Splunk service in the prod environment
  detectops services add splunk-prod --plugin splunk --environment prod \
    --set url=https://splunk.example.com:8089`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := config.Load(configPath)
			if err != nil {
				return err
			}

			values, err := parseSettings(settings)
			if err != nil {
				return err
			}
			svc := &config.Service{Plugin: plugin, Environment: environment, Settings: values}
			if err := project.AddService(args[0], svc); err != nil {
				return err
			}
			if err := project.Save(); err != nil {
				return err
			}

			if dirs, err := project.PluginDirs(); err == nil && !slices.Contains(dirs, plugin) {
				log.Warn().Str("plugin", plugin).Str("workspace", project.WorkspaceDir()).
					Msg("Workspace has no detections for this plugin yet")
			}
			log.Info().Str("service", args[0]).Str("plugin", plugin).Msg("Service added")
			return nil
		},
	}

	cmd.Flags().StringVarP(&plugin, "plugin", "p", "", "plugin backing the service")
	cmd.Flags().StringVarP(&environment, "environment", "e", "", "environment the service belongs to")
	cmd.Flags().StringArrayVar(&settings, "set", nil, "service setting as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("plugin")

	return cmd
}

func newServicesRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "remove NAME",
		Aliases: []string{"rm"},
		Short:   "Remove a declared service",
		Long: `Remove a service from the project file. Rules already deployed on it stay
tracked in the state; run 'detectops destroy NAME' first to remove them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !project.RemoveService(args[0]) {
				return engine.ConfigurationError(fmt.Sprintf("unknown service `%s`", args[0]), nil)
			}
			if err := project.Save(); err != nil {
				return err
			}

			log.Info().Str("service", args[0]).Msg("Service removed")
			return nil
		},
	}
}

func newServicesConfigureCommand() *cobra.Command {
	var settings []string

	cmd := &cobra.Command{
		Use:   "configure NAME",
		Short: "Fill a service's settings from its plugin schema",
		Long: `Rebuild the settings of a service from the settings schema reported by
its plugin. Every property keeps its current value unless overridden with
--set; unset properties take the schema default. The result is validated
against the schema before the project file is written.`,
		Example: `  # Fill defaults for a new service
  detectops services configure splunk-prod

  # Change one setting
  detectops services configure splunk-prod --set verify_tls=true`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			overrides, err := parseSettings(settings)
			if err != nil {
				return err
			}

			project, tel, err := loadProject()
			if err != nil {
				return err
			}
			defer tel.Shutdown(context.WithoutCancel(cmd.Context()), "detectops")

			svc, ok := project.Services[name]
			if !ok {
				return engine.ConfigurationError(fmt.Sprintf("unknown service `%s`", name), nil)
			}

			schema, err := settingsSchema(cmd.Context(), project, tel.Logger.Zerolog(), svc.Plugin)
			if err != nil {
				return err
			}

			defaulted, err := svc.Configure(schema, overrides)
			if err != nil {
				return engine.ConfigurationError(fmt.Sprintf("unable to configure `%s`", name), err)
			}
			for _, key := range defaulted {
				log.Warn().Str("service", name).Msgf("no default for `%s`, using an empty value", key)
			}
			if err := project.Save(); err != nil {
				return err
			}

			log.Info().Str("service", name).Msg("Service configured")
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&settings, "set", nil, "service setting as key=value (repeatable)")

	return cmd
}

// settingsSchema loads plugin in a fresh sandbox and returns its settings schema.
func settingsSchema(ctx context.Context, project *config.Project, logger zerolog.Logger, plugin string) ([]byte, error) {
	manager, err := plugins.NewManager(ctx, project.PluginConfig(), nil, logger)
	if err != nil {
		return nil, err
	}
	defer manager.Close(ctx)

	if !manager.Exists(plugin) {
		return nil, engine.PluginMissingError(plugin)
	}
	p, err := manager.Load(ctx, plugin)
	if err != nil {
		return nil, err
	}
	defer p.Close(ctx)

	return p.Settings(ctx)
}

// parseSettings turns key=value pairs into settings. Values are read as YAML
// scalars, so numbers and booleans keep their type.
func parseSettings(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid setting %q, expected key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		if _, isMap := value.(map[string]any); isMap {
			value = raw
		}
		out[key] = value
	}
	return out, nil
}
