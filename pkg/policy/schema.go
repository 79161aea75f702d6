package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openfroyo/detectops/pkg/engine"
)

// SchemaValidator checks detections against the JSON schema a plugin
// reports from schema().
type SchemaValidator struct{}

var _ engine.DetectionValidator = SchemaValidator{}

// ValidateDetections implements engine.DetectionValidator. An empty or null
// schema accepts everything.
func (SchemaValidator) ValidateDetections(_ context.Context, plugin string, schema []byte, detections map[string][]byte) ([]engine.Violation, error) {
	trimmed := bytes.TrimSpace(schema)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	compiled, err := CompileSchema(plugin, trimmed)
	if err != nil {
		return nil, engine.SerializationError("plugin returned an invalid detection schema", err).WithPlugin(plugin)
	}

	paths := make([]string, 0, len(detections))
	for p := range detections {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var violations []engine.Violation
	for _, path := range paths {
		var doc any
		if err := json.Unmarshal(detections[path], &doc); err != nil {
			violations = append(violations, engine.Violation{
				Plugin: plugin, Path: path, Source: "schema",
				Message: fmt.Sprintf("detection is not valid JSON: %v", err), Severity: string(SeverityError),
			})
			continue
		}
		for _, msg := range Problems(compiled.Validate(doc)) {
			violations = append(violations, engine.Violation{
				Plugin: plugin, Path: path, Source: "schema",
				Message: msg, Severity: string(SeverityError),
			})
		}
	}
	return violations, nil
}

// CompileSchema compiles a JSON schema document published by plugin.
func CompileSchema(plugin string, schema []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://detectops.local/plugins/%s.schema.json", plugin)
	if err := c.AddResource(url, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema compile failed: %w", err)
	}
	return compiled, nil
}

// Problems flattens a validation error into one line per failing keyword,
// prefixed with the instance location. A nil error has no problems.
func Problems(err error) []string {
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var out []string
	collect(ve, &out)
	return out
}

func collect(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, fmt.Sprintf("%s: %s", loc, ve.Message))
		return
	}
	for _, c := range ve.Causes {
		collect(c, out)
	}
}
