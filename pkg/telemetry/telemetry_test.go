package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/detectops/pkg/engine"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"missing service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "info", Format: "json"})

	zl := logger.Zerolog()
	zl.Info().Str("component", "planner").Str("plugin", "sample").Msg("refreshed")
	zl.Debug().Msg("hidden")

	out := buf.String()
	for _, want := range []string{`"component":"planner"`, `"plugin":"sample"`, `"message":"refreshed"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Error("Debug message logged at info level")
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordPluginCall("sample", "read", time.Millisecond, "")
	m.RecordStateOperation("local", "save", time.Millisecond, nil)
	m.RecordRun(&engine.RunRecord{Command: "apply"})
	m.PluginInstanceStarted()

	var nilMetrics *Metrics
	nilMetrics.RecordPluginCall("sample", "read", time.Millisecond, "TIMEOUT")

	if err := m.Push(context.Background(), "apply"); err != nil {
		t.Errorf("Push() on disabled metrics error = %v", err)
	}
}

func TestMetrics_Record(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "detectops"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordPluginCall("sample", "read", 5*time.Millisecond, "")
	m.RecordPluginCall("sample", "read", 5*time.Millisecond, "TIMEOUT")
	m.RecordRun(&engine.RunRecord{
		Command:     "apply",
		Status:      engine.RunStatusPartial,
		StartedAt:   time.Now().Add(-time.Second),
		CompletedAt: time.Now(),
		Outcomes: []engine.RuleOutcome{
			{Plugin: "sample", Action: engine.ActionCreate},
			{Plugin: "sample", Action: engine.ActionCreate, Err: errors.New("boom")},
		},
	})

	out := scrape(t, m)
	for _, want := range []string{
		`detectops_plugin_calls_total{operation="read",plugin="sample"} 2`,
		`detectops_plugin_errors_total{code="TIMEOUT",operation="read",plugin="sample"} 1`,
		`detectops_rule_operations_total{action="create",plugin="sample",result="failure"} 1`,
		`detectops_rule_operations_total{action="create",plugin="sample",result="success"} 1`,
		`detectops_runs_completed_total{command="apply",status="partial"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in metrics output", want)
		}
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestMetrics_Handler(t *testing.T) {
	m, _ := NewMetrics(MetricsConfig{Enabled: true, Namespace: "detectops"})
	m.RecordStateOperation("local", "load", time.Millisecond, nil)

	if out := scrape(t, m); !strings.Contains(out, "detectops_state_operations_total") {
		t.Errorf("Expected state metric in output:\n%s", out)
	}
}

type countingRecorder struct{ runs int }

func (c *countingRecorder) RecordRun(ctx context.Context, run *engine.RunRecord) error {
	c.runs++
	return nil
}

func TestRunRecorder_Delegates(t *testing.T) {
	next := &countingRecorder{}
	r := &RunRecorder{Next: next}

	if err := r.RecordRun(context.Background(), &engine.RunRecord{Command: "destroy"}); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}
	if next.runs != 1 {
		t.Errorf("Expected delegation, got %d runs", next.runs)
	}
}

func TestNewTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "stderr"

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	if tel.Logger == nil || tel.Tracer == nil || tel.Metrics == nil {
		t.Fatalf("incomplete telemetry: %+v", tel)
	}
	if err := tel.Shutdown(context.Background(), "test"); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
