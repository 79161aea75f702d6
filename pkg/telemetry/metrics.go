package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog"

	"github.com/openfroyo/detectops/pkg/engine"
)

// Metrics provides Prometheus metrics for detectops. A disabled instance is
// valid and every Record method on it is a no-op.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	ruleOps       *prometheus.CounterVec

	// Plugin metrics
	pluginCalls     *prometheus.CounterVec
	pluginDuration  *prometheus.HistogramVec
	pluginErrors    *prometheus.CounterVec
	pluginInstances prometheus.Gauge

	// State metrics
	stateOps      *prometheus.CounterVec
	stateDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of apply and destroy runs by final status",
			},
			[]string{"command", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of apply and destroy runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"command"},
		),
		ruleOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_operations_total",
				Help:      "Remote rule mutations by plugin, action and result",
			},
			[]string{"plugin", "action", "result"},
		),

		pluginCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_calls_total",
				Help:      "Total number of plugin calls",
			},
			[]string{"plugin", "operation"},
		),
		pluginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plugin_call_duration_seconds",
				Help:      "Duration of plugin calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"plugin", "operation"},
		),
		pluginErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_errors_total",
				Help:      "Total number of failed plugin calls by error code",
			},
			[]string{"plugin", "operation", "code"},
		),
		pluginInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plugin_instances",
				Help:      "Current number of live plugin instances",
			},
		),

		stateOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_operations_total",
				Help:      "State backend operations by backend, operation and result",
			},
			[]string{"backend", "operation", "result"},
		),
		stateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "state_operation_duration_seconds",
				Help:      "Duration of state backend operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend", "operation"},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.ruleOps,
		m.pluginCalls,
		m.pluginDuration,
		m.pluginErrors,
		m.pluginInstances,
		m.stateOps,
		m.stateDuration,
	)

	return m, nil
}

// Run Metrics

// RecordRun records a finished run and its rule outcomes.
func (m *Metrics) RecordRun(run *engine.RunRecord) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(run.Command, string(run.Status)).Inc()
	m.runDuration.WithLabelValues(run.Command).Observe(run.CompletedAt.Sub(run.StartedAt).Seconds())
	for _, o := range run.Outcomes {
		result := "success"
		if !o.Succeeded() {
			result = "failure"
		}
		m.ruleOps.WithLabelValues(o.Plugin, string(o.Action), result).Inc()
	}
}

// Plugin Metrics

// RecordPluginCall records a plugin call with its duration. code is empty on
// success and the error code otherwise.
func (m *Metrics) RecordPluginCall(plugin, operation string, duration time.Duration, code string) {
	if m == nil || m.pluginCalls == nil {
		return
	}
	m.pluginCalls.WithLabelValues(plugin, operation).Inc()
	m.pluginDuration.WithLabelValues(plugin, operation).Observe(duration.Seconds())
	if code != "" {
		m.pluginErrors.WithLabelValues(plugin, operation, code).Inc()
	}
}

// PluginInstanceStarted increments the live instance gauge.
func (m *Metrics) PluginInstanceStarted() {
	if m == nil || m.pluginInstances == nil {
		return
	}
	m.pluginInstances.Inc()
}

// PluginInstanceClosed decrements the live instance gauge.
func (m *Metrics) PluginInstanceClosed() {
	if m == nil || m.pluginInstances == nil {
		return
	}
	m.pluginInstances.Dec()
}

// State Metrics

// RecordStateOperation records a state backend operation.
func (m *Metrics) RecordStateOperation(backend, operation string, duration time.Duration, err error) {
	if m == nil || m.stateOps == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.stateOps.WithLabelValues(backend, operation, result).Inc()
	m.stateDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer exposes metrics over HTTP until ctx is done.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}

// Push sends the collected metrics to the configured Pushgateway under job.
// Short-lived commands call it once on exit.
func (m *Metrics) Push(ctx context.Context, job string) error {
	if m == nil || m.registry == nil || m.config.PushGateway == "" {
		return nil
	}
	return push.New(m.config.PushGateway, job).
		Gatherer(m.registry).
		PushContext(ctx)
}
