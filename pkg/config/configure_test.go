package config

import (
	"strings"
	"testing"
)

const settingsSchemaDoc = `{
	"type": "object",
	"required": ["url"],
	"properties": {
		"url": {"type": "string", "default": "https://localhost:8089"},
		"verify_tls": {"type": "boolean"},
		"retries": {"allOf": [{"$ref": "#/definitions/Retries"}]},
		"index": {"type": "string", "enum": ["main", "security"], "default": "main"},
		"note": {}
	},
	"definitions": {
		"Retries": {"type": "integer", "minimum": 0, "default": 3}
	}
}`

func TestServiceConfigure(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		svc := &Service{Plugin: "splunk"}
		defaulted, err := svc.Configure([]byte(settingsSchemaDoc), nil)
		if err != nil {
			t.Fatalf("Configure() error = %v", err)
		}
		want := map[string]any{
			"url":        "https://localhost:8089",
			"verify_tls": false,
			"retries":    float64(3),
			"index":      "main",
		}
		if len(svc.Settings) != len(want) {
			t.Fatalf("Settings = %v", svc.Settings)
		}
		for k, v := range want {
			if svc.Settings[k] != v {
				t.Errorf("Settings[%s] = %#v, want %#v", k, svc.Settings[k], v)
			}
		}
		if len(defaulted) != 1 || defaulted[0] != "verify_tls" {
			t.Errorf("type-defaulted = %v", defaulted)
		}
	})

	t.Run("existing values and overrides win", func(t *testing.T) {
		svc := &Service{Plugin: "splunk", Settings: map[string]any{"url": "https://prod", "stale": "dropped"}}
		_, err := svc.Configure([]byte(settingsSchemaDoc), map[string]any{"index": "security"})
		if err != nil {
			t.Fatalf("Configure() error = %v", err)
		}
		if svc.Settings["url"] != "https://prod" || svc.Settings["index"] != "security" {
			t.Errorf("Settings = %v", svc.Settings)
		}
		if _, ok := svc.Settings["stale"]; ok {
			t.Error("settings outside the schema should be dropped")
		}
	})

	t.Run("invalid override keeps settings", func(t *testing.T) {
		svc := &Service{Plugin: "splunk", Settings: map[string]any{"url": "https://prod"}}
		_, err := svc.Configure([]byte(settingsSchemaDoc), map[string]any{"index": "other"})
		if err == nil || !strings.Contains(err.Error(), "/index") {
			t.Fatalf("expected enum violation, got %v", err)
		}
		if len(svc.Settings) != 1 {
			t.Errorf("settings changed on failure: %v", svc.Settings)
		}
	})

	t.Run("unknown override", func(t *testing.T) {
		svc := &Service{Plugin: "splunk"}
		if _, err := svc.Configure([]byte(settingsSchemaDoc), map[string]any{"bogus": 1}); err == nil {
			t.Fatal("expected unknown setting error")
		}
	})

	t.Run("bad reference", func(t *testing.T) {
		svc := &Service{Plugin: "splunk"}
		schema := `{"properties": {"x": {"allOf": [{"$ref": "#/definitions/Missing"}]}}}`
		if _, err := svc.Configure([]byte(schema), nil); err == nil {
			t.Fatal("expected missing definition error")
		}
	})
}
