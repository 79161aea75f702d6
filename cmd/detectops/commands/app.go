package commands

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/detectops/pkg/config"
	"github.com/openfroyo/detectops/pkg/diff"
	"github.com/openfroyo/detectops/pkg/engine"
	"github.com/openfroyo/detectops/pkg/plugins"
	"github.com/openfroyo/detectops/pkg/policy"
	"github.com/openfroyo/detectops/pkg/state"
	"github.com/openfroyo/detectops/pkg/stores"
	"github.com/openfroyo/detectops/pkg/telemetry"
)

// app holds everything a command needs once the project file is loaded.
type app struct {
	project  *config.Project
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	plugins  *plugins.Manager
	backend  engine.StateBackend
	history  *stores.SQLiteStore
	policies *policy.Engine
	printer  *diff.Printer
}

// loadProject reads the project file named by --config and sets up telemetry.
func loadProject() (*config.Project, *telemetry.Telemetry, error) {
	project, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	cfg := project.TelemetryConfig()
	cfg.ServiceVersion = toolVersion
	if level := os.Getenv(LogLevelEnv); level != "" {
		cfg.Logging.Level = level
	}

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, nil, engine.ConfigurationError("invalid telemetry configuration", err)
	}
	return project, tel, nil
}

func newApp(ctx context.Context) (*app, error) {
	project, tel, err := loadProject()
	if err != nil {
		return nil, err
	}
	logger := tel.Logger.Zerolog()

	a := &app{
		project: project,
		tel:     tel,
		logger:  logger,
		printer: diff.NewPrinter(os.Stdout, diff.DefaultConfig(os.Stdout)),
	}

	a.plugins, err = plugins.NewManager(ctx, project.PluginConfig(), tel.Metrics, logger)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	a.backend, err = state.New(project.State, project.StateOptions(state.Options{
		ToolVersion: toolVersion,
		Metrics:     tel.Metrics,
		Logger:      logger,
	}))
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	a.policies, err = policy.NewEngine(ctx, project.PoliciesDir(), logger)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	historyPath := filepath.Join(project.BaseDir(), stores.DefaultFile)
	if a.history, err = stores.Open(ctx, historyPath); err != nil {
		logger.Warn().Err(err).Str("path", historyPath).Msg("Run history unavailable")
		a.history = nil
	}

	return a, nil
}

// reconciler wires the engine. A nil reporter silences plan output.
func (a *app) reconciler(reporter engine.Reporter) (*engine.Reconciler, error) {
	recorder := &telemetry.RunRecorder{Metrics: a.tel.Metrics}
	if a.history != nil {
		recorder.Next = a.history
	}

	return engine.NewReconciler(engine.Options{
		Loader:     a.plugins,
		Backend:    a.backend,
		Resolver:   a.project,
		Prompter:   newTerminalPrompter(os.Stdin, os.Stderr),
		Reporter:   reporter,
		Recorder:   recorder,
		Validators: []engine.DetectionValidator{policy.SchemaValidator{}, a.policies},
		Logger:     a.logger,
	})
}

// span starts the root span of a command.
func (a *app) span(ctx context.Context, command, scope string) (context.Context, trace.Span) {
	return a.tel.Tracer.StartCommandSpan(ctx, command, scope)
}

// Close releases the plugin runtime and the history store, then flushes telemetry.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.plugins != nil {
		errs = append(errs, a.plugins.Close(ctx))
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if err := a.tel.Shutdown(context.WithoutCancel(ctx), "detectops"); err != nil {
		a.logger.Debug().Err(err).Msg("Telemetry shutdown failed")
	}
	return errors.Join(errs...)
}

// withApp runs fn with a fully wired app inside a command span.
func withApp(ctx context.Context, command, scope string, fn func(context.Context, *app) error) (err error) {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ctx, span := a.span(ctx, command, scope)
	defer func() {
		telemetry.EndSpan(span, err)
		if a.tel.Config.Tracing.Enabled {
			a.logger.Debug().Str("command", command).Str("trace_id", telemetry.TraceID(ctx)).Msg("Command finished")
		}
	}()

	return fn(ctx, a)
}

func scopeArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
