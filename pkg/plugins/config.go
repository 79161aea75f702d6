package plugins

import (
	"fmt"
	"time"
)

// Config controls the plugin runtime.
type Config struct {
	// Dir holds one <name>.wasm binary per plugin.
	Dir string `yaml:"dir,omitempty" validate:"required"`

	// Timeout bounds every plugin call. Default is 60s.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// TickInterval is the epoch granularity. Default is 10ms.
	TickInterval time.Duration `yaml:"tick_interval,omitempty"`

	// MemoryLimitPages caps guest memory in 64KB pages. Default is 256 pages (16MB).
	MemoryLimitPages uint32 `yaml:"memory_limit_pages,omitempty"`

	// MaxInstances caps concurrently live instances. Default is 1000.
	MaxInstances int `yaml:"max_instances,omitempty"`

	// CacheDir persists compiled modules across runs when set.
	CacheDir string `yaml:"cache_dir,omitempty"`

	// AllowedHosts lists, per plugin, the hosts it may reach over HTTP.
	AllowedHosts map[string][]string `yaml:"allowed_hosts,omitempty"`

	// VersionConstraints pins plugins to semver ranges.
	VersionConstraints map[string]string `yaml:"versions,omitempty"`
}

// DefaultConfig returns the runtime defaults for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:              dir,
		Timeout:          60 * time.Second,
		TickInterval:     DefaultTickInterval,
		MemoryLimitPages: 256,
		MaxInstances:     1000,
	}
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Dir)
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.MemoryLimitPages == 0 {
		c.MemoryLimitPages = d.MemoryLimitPages
	}
	if c.MaxInstances <= 0 {
		c.MaxInstances = d.MaxInstances
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("plugin directory is required")
	}
	if c.MemoryLimitPages > 65536 {
		return fmt.Errorf("memory_limit_pages %d exceeds the 4GB address space", c.MemoryLimitPages)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}
