package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/detectops/pkg/engine"
	"github.com/openfroyo/detectops/pkg/plugins"
	"github.com/openfroyo/detectops/pkg/state"
	"github.com/openfroyo/detectops/pkg/telemetry"
)

// Project layout defaults.
const (
	DefaultFile      = "detectops.yaml"
	DefaultBaseDir   = ".detectops"
	DefaultWorkspace = "rules"
	PoliciesDir      = "policies"
)

// Project is the decoded project file.
type Project struct {
	Core      CoreConfig          `yaml:"core" validate:"required"`
	State     state.Config        `yaml:"state,omitempty"`
	Plugins   plugins.Config      `yaml:"plugins,omitempty" validate:"-"`
	Services  map[string]*Service `yaml:"services,omitempty" validate:"dive,required"`
	Telemetry *telemetry.Config   `yaml:"telemetry,omitempty"`

	path string
}

// CoreConfig locates the project directories.
type CoreConfig struct {
	// BaseDir holds plugins and the local state. Default is .detectops.
	BaseDir string `yaml:"base_dir,omitempty"`

	// Workspace holds one directory of detections per plugin.
	Workspace string `yaml:"workspace" validate:"required"`
}

// Service is one remote system rules are deployed to.
type Service struct {
	Plugin      string         `yaml:"plugin" validate:"required"`
	Environment string         `yaml:"environment,omitempty"`
	Settings    map[string]any `yaml:"settings,omitempty"`
}

// SettingsJSON returns the settings as the JSON config handed to plugins.
func (s *Service) SettingsJSON() ([]byte, error) {
	settings := s.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	return marshalJSON(settings)
}

var (
	registry = NewSchemaRegistry()
	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Default returns a new project with the default layout.
func Default() *Project {
	return &Project{
		Core:     CoreConfig{BaseDir: DefaultBaseDir, Workspace: DefaultWorkspace},
		State:    state.Config{Type: state.TypeLocal},
		Services: map[string]*Service{},
	}
}

// Load reads, substitutes, checks and decodes the project file at path.
func Load(path string) (*Project, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, engine.ConfigurationError("no configuration file, run 'detectops init' to initialize a new project", err)
		}
		return nil, engine.ConfigurationError(fmt.Sprintf("unable to read %s", path), err)
	}
	return Parse(path, SubstituteEnv(raw))
}

// Parse decodes an already substituted project document. path locates the
// project directory and is used in error messages.
func Parse(path string, content []byte) (*Project, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, engine.ConfigurationError("unable to load configuration", err)
	}
	if doc == nil {
		return nil, engine.ConfigurationError(fmt.Sprintf("%s is empty", path), nil)
	}
	if err := registry.Validate("project", path, normalize(doc)); err != nil {
		return nil, engine.ConfigurationError("unable to load configuration", err)
	}

	p := &Project{}
	if _, ok := doc["telemetry"]; ok {
		p.Telemetry = telemetry.DefaultConfig()
	}
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, engine.ConfigurationError("unable to load configuration", err)
	}
	p.path = path

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks field constraints and service names.
func (p *Project) Validate() error {
	if err := validate.Struct(p); err != nil {
		return engine.ConfigurationError("invalid configuration", err)
	}
	for name := range p.Services {
		if _, err := EnsureKebabCase(name); err != nil {
			return engine.ConfigurationError(fmt.Sprintf("invalid service name `%s`", name), err)
		}
	}
	return nil
}

// Save writes the project file to its path.
func (p *Project) Save() error {
	if p.path == "" {
		p.path = DefaultFile
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("failed to serialize configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to serialize configuration: %w", err)
	}
	if err := os.WriteFile(p.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", p.path, err)
	}
	return nil
}

// SetPath changes where Save writes and which directory paths resolve against.
func (p *Project) SetPath(path string) { p.path = path }

// Path returns the project file location.
func (p *Project) Path() string { return p.path }

// Dir is the project root all relative paths are resolved against.
func (p *Project) Dir() string {
	if p.path == "" {
		return "."
	}
	return filepath.Dir(p.path)
}

func (p *Project) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.Dir(), path)
}

// BaseDir returns the resolved base directory.
func (p *Project) BaseDir() string {
	base := p.Core.BaseDir
	if base == "" {
		base = DefaultBaseDir
	}
	return p.resolve(base)
}

// WorkspaceDir returns the resolved detections directory.
func (p *Project) WorkspaceDir() string {
	return p.resolve(p.Core.Workspace)
}

// PoliciesDir returns the resolved policies directory.
func (p *Project) PoliciesDir() string {
	return p.resolve(PoliciesDir)
}

// PluginConfig returns the plugin runtime configuration with its directory
// resolved. Plugins live in <base_dir>/plugins unless configured otherwise.
func (p *Project) PluginConfig() plugins.Config {
	cfg := p.Plugins
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(p.BaseDir(), "plugins")
	} else {
		cfg.Dir = p.resolve(cfg.Dir)
	}
	if cfg.CacheDir != "" {
		cfg.CacheDir = p.resolve(cfg.CacheDir)
	}
	return cfg
}

// StateOptions returns backend options resolving the local state path
// against the project directory.
func (p *Project) StateOptions(o state.Options) state.Options {
	o.BaseDir = p.Dir()
	return o
}

// TelemetryConfig returns the telemetry configuration, defaulted when absent.
func (p *Project) TelemetryConfig() *telemetry.Config {
	if p.Telemetry == nil {
		return telemetry.DefaultConfig()
	}
	return p.Telemetry
}

// ServiceNames returns the declared services in lexical order.
func (p *Project) ServiceNames() []string {
	names := make([]string, 0, len(p.Services))
	for n := range p.Services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AddService declares a new service.
func (p *Project) AddService(name string, svc *Service) error {
	if _, err := EnsureKebabCase(name); err != nil {
		msg := fmt.Sprintf("invalid service name `%s`", name)
		if suggestion, serr := ToKebabCase(name); serr == nil && suggestion != "" {
			msg += fmt.Sprintf(", try `%s`", suggestion)
		}
		return engine.ConfigurationError(msg, err)
	}
	if _, ok := p.Services[name]; ok {
		return engine.ConfigurationError(fmt.Sprintf("service `%s` already exists", name), nil)
	}
	if svc.Plugin == "" {
		return engine.ConfigurationError(fmt.Sprintf("service `%s` needs a plugin", name), nil)
	}
	if p.Services == nil {
		p.Services = make(map[string]*Service)
	}
	p.Services[name] = svc
	return nil
}

// RemoveService drops a service. It reports whether the service existed.
func (p *Project) RemoveService(name string) bool {
	if _, ok := p.Services[name]; !ok {
		return false
	}
	delete(p.Services, name)
	return true
}
