package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/detectops/pkg/policy"
)

// property is the subset of a JSON schema property used to fill settings.
type property struct {
	Type    string            `json:"type"`
	Default json.RawMessage   `json:"default"`
	AllOf   []json.RawMessage `json:"allOf"`
}

type settingsSchema struct {
	Properties  map[string]property        `json:"properties"`
	Definitions map[string]json.RawMessage `json:"definitions"`
	Defs        map[string]json.RawMessage `json:"$defs"`
}

// Configure rebuilds the service settings from the plugin's settings schema.
// Each property takes, in order: its override, the current value, the
// schema default, the zero value of its type. Properties resolving to null
// are left out. The result is validated against the schema.
func (s *Service) Configure(schema []byte, overrides map[string]any) ([]string, error) {
	var doc settingsSchema
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, fmt.Errorf("invalid settings schema: %w", err)
	}
	for key := range overrides {
		if _, ok := doc.Properties[key]; !ok {
			return nil, fmt.Errorf("unknown setting `%s`", key)
		}
	}

	keys := make([]string, 0, len(doc.Properties))
	for k := range doc.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var defaulted []string
	settings := make(map[string]any, len(keys))
	for _, key := range keys {
		prop, err := doc.resolve(doc.Properties[key])
		if err != nil {
			return nil, fmt.Errorf("property `%s`: %w", key, err)
		}

		var value any
		switch {
		case overrides[key] != nil:
			value = overrides[key]
		case s.Settings[key] != nil:
			value = s.Settings[key]
		case len(prop.Default) > 0:
			if err := json.Unmarshal(prop.Default, &value); err != nil {
				return nil, fmt.Errorf("property `%s` has an invalid default: %w", key, err)
			}
		default:
			value = typeDefault(prop.Type)
			if value != nil {
				defaulted = append(defaulted, key)
			}
		}
		if value != nil {
			settings[key] = value
		}
	}

	if err := validateSettings(schema, settings); err != nil {
		return defaulted, err
	}
	s.Settings = settings
	return defaulted, nil
}

// resolve merges the type and default of definitions referenced through allOf.
func (d settingsSchema) resolve(p property) (property, error) {
	for _, item := range p.AllOf {
		var ref struct {
			Ref string `json:"$ref"`
		}
		if err := json.Unmarshal(item, &ref); err != nil || ref.Ref == "" {
			continue
		}

		var raw json.RawMessage
		switch {
		case strings.HasPrefix(ref.Ref, "#/definitions/"):
			raw = d.Definitions[strings.TrimPrefix(ref.Ref, "#/definitions/")]
		case strings.HasPrefix(ref.Ref, "#/$defs/"):
			raw = d.Defs[strings.TrimPrefix(ref.Ref, "#/$defs/")]
		default:
			return p, fmt.Errorf("unexpected $ref format: %s", ref.Ref)
		}
		if raw == nil {
			return p, fmt.Errorf("could not find definition for %s", ref.Ref)
		}

		var def property
		if err := json.Unmarshal(raw, &def); err != nil {
			return p, fmt.Errorf("invalid definition %s: %w", ref.Ref, err)
		}
		if def.Type != "" {
			p.Type = def.Type
		}
		if len(def.Default) > 0 {
			p.Default = def.Default
		}
	}
	return p, nil
}

func typeDefault(t string) any {
	switch t {
	case "string":
		return ""
	case "boolean":
		return false
	case "integer", "number":
		return 0
	case "array":
		return []any{}
	case "object":
		return map[string]any{}
	default:
		return nil
	}
}

// validateSettings checks settings against the plugin schema after a JSON
// round trip, so YAML-decoded numbers are seen as JSON numbers.
func validateSettings(schema []byte, settings map[string]any) error {
	compiled, err := policy.CompileSchema("settings", schema)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if problems := policy.Problems(compiled.Validate(doc)); len(problems) > 0 {
		return fmt.Errorf("invalid settings: %s", strings.Join(problems, "; "))
	}
	return nil
}
