package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/detectops/pkg/engine"
	"github.com/openfroyo/detectops/pkg/state"
)

const sampleProject = `core:
  base_dir: .detectops
  workspace: rules
state:
  type: local
  local:
    path: .detectops/state.json
plugins:
  timeout: 30s
  allowed_hosts:
    splunk: ["*.example.com"]
services:
  splunk-prod:
    plugin: splunk
    environment: production
    settings:
      url: https://splunk.example.com
      token: ${DETECTOPS_TEST_TOKEN}
  sentinel-prod:
    plugin: sentinel
    environment: production
`

func writeProject(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFile)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write project: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("DETECTOPS_TEST_TOKEN", "s3cr3t")
	path := writeProject(t, sampleProject)

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if p.Core.Workspace != "rules" {
		t.Errorf("Workspace = %q, want rules", p.Core.Workspace)
	}
	if p.State.Type != state.TypeLocal {
		t.Errorf("State.Type = %q", p.State.Type)
	}
	if p.Plugins.Timeout != 30*time.Second {
		t.Errorf("Plugins.Timeout = %v, want 30s", p.Plugins.Timeout)
	}

	svc := p.Services["splunk-prod"]
	if svc == nil {
		t.Fatal("splunk-prod not decoded")
	}
	if svc.Settings["token"] != "s3cr3t" {
		t.Errorf("token = %v, want substituted value", svc.Settings["token"])
	}

	names := p.ServiceNames()
	if len(names) != 2 || names[0] != "sentinel-prod" || names[1] != "splunk-prod" {
		t.Errorf("ServiceNames() = %v", names)
	}

	dir := filepath.Dir(path)
	if got := p.WorkspaceDir(); got != filepath.Join(dir, "rules") {
		t.Errorf("WorkspaceDir() = %q", got)
	}
	if got := p.PluginConfig().Dir; got != filepath.Join(dir, ".detectops", "plugins") {
		t.Errorf("PluginConfig().Dir = %q", got)
	}
	if got := p.PoliciesDir(); got != filepath.Join(dir, "policies") {
		t.Errorf("PoliciesDir() = %q", got)
	}
	if got := p.StateOptions(state.Options{}).BaseDir; got != dir {
		t.Errorf("StateOptions().BaseDir = %q", got)
	}
	if p.TelemetryConfig().ServiceName != "detectops" {
		t.Error("TelemetryConfig() should default when absent")
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), DefaultFile))
		if !engine.HasCode(err, engine.ErrCodeConfiguration) {
			t.Fatalf("expected configuration error, got %v", err)
		}
		if !strings.Contains(err.Error(), "detectops init") {
			t.Errorf("error should point at init: %v", err)
		}
	})

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "empty document",
			content: "",
			want:    "is empty",
		},
		{
			name:    "unknown top-level field",
			content: "core:\n  workspace: rules\nbogus: 1\n",
			want:    "bogus",
		},
		{
			name:    "missing workspace",
			content: "core:\n  base_dir: .detectops\n",
			want:    "workspace",
		},
		{
			name:    "service without plugin",
			content: "core:\n  workspace: rules\nservices:\n  splunk-prod:\n    environment: prod\n",
			want:    "plugin",
		},
		{
			name:    "service name not kebab-case",
			content: "core:\n  workspace: rules\nservices:\n  Splunk_Prod:\n    plugin: splunk\n",
			want:    "Splunk_Prod",
		},
		{
			name:    "http state without address",
			content: "core:\n  workspace: rules\nstate:\n  type: http\n  http:\n    username: u\n",
			want:    "address",
		},
		{
			name:    "unknown state type",
			content: "core:\n  workspace: rules\nstate:\n  type: s3\n",
			want:    "configuration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeProject(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !engine.HasCode(err, engine.ErrCodeConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
			if !strings.Contains(strings.ToLower(err.Error()), strings.ToLower(tt.want)) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadReportsSchemaPath(t *testing.T) {
	_, err := Load(writeProject(t, "core:\n  workspace: rules\nbogus: 1\n"))

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors in chain, got %T: %v", err, err)
	}
	found := false
	for _, ve := range verrs {
		if strings.Contains(ve.Path, "bogus") {
			found = true
		}
	}
	if !found {
		t.Errorf("no validation error for path bogus: %v", verrs)
	}
}

func TestLoadTelemetryDefaults(t *testing.T) {
	p, err := Load(writeProject(t, "core:\n  workspace: rules\ntelemetry:\n  logging:\n    level: debug\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg := p.TelemetryConfig()
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("Logging.Format = %q, want default console", cfg.Logging.Format)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("merged telemetry config should validate: %v", err)
	}
}

func TestServiceEditing(t *testing.T) {
	path := writeProject(t, "core:\n  workspace: rules\n")
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := p.AddService("splunk-dev", &Service{Plugin: "splunk", Settings: map[string]any{"url": "https://dev"}}); err != nil {
		t.Fatalf("AddService() error = %v", err)
	}
	if err := p.AddService("splunk-dev", &Service{Plugin: "splunk"}); err == nil {
		t.Error("duplicate service should fail")
	}
	if err := p.AddService("Bad Name", &Service{Plugin: "splunk"}); err == nil {
		t.Error("non kebab-case name should fail")
	} else if !strings.Contains(err.Error(), "try `bad-name`") {
		t.Errorf("error should suggest a kebab-case name, got %v", err)
	}
	if err := p.AddService("no-plugin", &Service{}); err == nil {
		t.Error("service without plugin should fail")
	}

	if err := p.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	svc := reloaded.Services["splunk-dev"]
	if svc == nil || svc.Plugin != "splunk" || svc.Settings["url"] != "https://dev" {
		t.Fatalf("saved service not reloaded: %+v", svc)
	}

	if !reloaded.RemoveService("splunk-dev") {
		t.Error("RemoveService() = false for existing service")
	}
	if reloaded.RemoveService("splunk-dev") {
		t.Error("RemoveService() = true for removed service")
	}
}

func TestScaffold(t *testing.T) {
	dir := t.TempDir()

	p, err := Scaffold(dir, false)
	if err != nil {
		t.Fatalf("Scaffold() error = %v", err)
	}
	for _, d := range []string{p.WorkspaceDir(), p.PluginConfig().Dir, p.PoliciesDir()} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Errorf("%s not created", d)
		}
	}

	if _, err := Load(filepath.Join(dir, DefaultFile)); err != nil {
		t.Fatalf("scaffolded project does not load: %v", err)
	}

	if _, err := Scaffold(dir, false); err == nil {
		t.Error("second Scaffold() without force should fail")
	}
	if _, err := Scaffold(dir, true); err != nil {
		t.Errorf("Scaffold() with force error = %v", err)
	}
}
