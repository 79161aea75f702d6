package telemetry

import (
	"context"
	"errors"

	"github.com/openfroyo/detectops/pkg/engine"
)

// Telemetry bundles logging, tracing and metrics for one CLI invocation.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// Shutdown pushes metrics (when a Pushgateway is set) and flushes traces.
func (t *Telemetry) Shutdown(ctx context.Context, job string) error {
	return errors.Join(
		t.Metrics.Push(ctx, job),
		t.Tracer.Shutdown(ctx),
	)
}

// RunRecorder decorates an engine.RunRecorder with run metrics. Next may be nil.
type RunRecorder struct {
	Metrics *Metrics
	Next    engine.RunRecorder
}

// RecordRun implements engine.RunRecorder.
func (r *RunRecorder) RecordRun(ctx context.Context, run *engine.RunRecord) error {
	r.Metrics.RecordRun(run)
	if r.Next == nil {
		return nil
	}
	return r.Next.RecordRun(ctx, run)
}
