package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/detectops/pkg/engine"
)

// detectionExtensions are the files read from a plugin directory.
var detectionExtensions = map[string]bool{".yaml": true, ".yml": true, ".json": true}

var _ engine.Resolver = (*Project)(nil)

// Workspace returns the workspace directory as written in the project file.
func (p *Project) Workspace() string { return p.Core.Workspace }

// Detections resolves identifier to the desired detections per plugin.
//
// An empty identifier selects every plugin directory of the workspace along
// with the services using it. Otherwise identifier names a service, or an
// environment whose services are grouped by plugin.
func (p *Project) Detections(identifier string) (engine.Detections, error) {
	if identifier == "" {
		return p.allDetections()
	}

	targets, err := p.ResolveServices(identifier)
	if err != nil {
		return nil, err
	}

	detections := make(engine.Detections)
	for _, t := range targets {
		dc, ok := detections[t.Plugin]
		if !ok {
			files, err := p.ReadPluginFiles(t.Plugin)
			if err != nil {
				return nil, err
			}
			dc = &engine.DetectionContext{Detections: files}
			detections[t.Plugin] = dc
		}
		dc.Services = append(dc.Services, engine.ServiceSettings{Name: t.Name, Settings: t.Settings})
	}
	return detections, nil
}

func (p *Project) allDetections() (engine.Detections, error) {
	dir := p.WorkspaceDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, engine.ConfigurationError(fmt.Sprintf("failed to read workspace directory: %s.", dir), err)
	}

	all, err := p.ResolveServices("")
	if err != nil {
		return nil, err
	}

	detections := make(engine.Detections)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		plugin := entry.Name()
		files, err := p.ReadPluginFiles(plugin)
		if err != nil {
			return nil, err
		}
		dc := &engine.DetectionContext{Detections: files}
		for _, t := range all {
			if t.Plugin == plugin {
				dc.Services = append(dc.Services, engine.ServiceSettings{Name: t.Name, Settings: t.Settings})
			}
		}
		detections[plugin] = dc
	}
	return detections, nil
}

// ResolveServices resolves identifier to the declared services, sorted by name.
// An empty identifier returns every service.
func (p *Project) ResolveServices(identifier string) ([]engine.ServiceTarget, error) {
	var names []string
	switch {
	case identifier == "":
		names = p.ServiceNames()
	case p.Services[identifier] != nil:
		names = []string{identifier}
	default:
		names = p.EnvironmentServices(identifier)
		if len(names) == 0 {
			return nil, engine.ConfigurationError(fmt.Sprintf("invalid identifier: `%s`.", identifier), nil)
		}
	}

	targets := make([]engine.ServiceTarget, 0, len(names))
	for _, name := range names {
		svc := p.Services[name]
		settings, err := svc.SettingsJSON()
		if err != nil {
			return nil, engine.SerializationError(fmt.Sprintf("failed to serialize settings of service `%s`", name), err)
		}
		targets = append(targets, engine.ServiceTarget{Name: name, Plugin: svc.Plugin, Settings: settings})
	}
	return targets, nil
}

// EnvironmentServices returns the names of the services of environment.
func (p *Project) EnvironmentServices(environment string) []string {
	var names []string
	for _, name := range p.ServiceNames() {
		if p.Services[name].Environment == environment {
			names = append(names, name)
		}
	}
	return names
}

// ReadPluginFiles reads every detection under <workspace>/<plugin>, keyed by
// its slash-separated path starting at the workspace directory.
func (p *Project) ReadPluginFiles(plugin string) (map[string][]byte, error) {
	root := filepath.Join(p.WorkspaceDir(), plugin)
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, engine.ConfigurationError(fmt.Sprintf("plugin directory not found: %s", root), err)
	}

	files := make(map[string][]byte)
	err = filepath.WalkDir(root, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !detectionExtensions[strings.ToLower(filepath.Ext(file))] {
			return nil
		}
		raw, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		content, err := yamlToJSON(raw)
		if err != nil {
			return engine.SerializationError(fmt.Sprintf("failed to parse %s", file), err)
		}
		rel, err := filepath.Rel(root, file)
		if err != nil {
			return err
		}
		files[path.Join(filepath.ToSlash(p.Core.Workspace), plugin, filepath.ToSlash(rel))] = content
		return nil
	})
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			return nil, err
		}
		return nil, engine.ConfigurationError(fmt.Sprintf("failed to read %s", root), err)
	}
	return files, nil
}

// PluginDirs lists the plugin directories of the workspace in lexical order.
func (p *Project) PluginDirs() ([]string, error) {
	entries, err := os.ReadDir(p.WorkspaceDir())
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// yamlToJSON converts a YAML (or JSON) document to compact JSON.
func yamlToJSON(raw []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return marshalJSON(normalize(doc))
}

func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalize rewrites the map[any]any values yaml.v3 produces for non-string
// keys into map[string]any so the document can be encoded as JSON or CUE.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}
