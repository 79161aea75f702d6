package plugins

import (
	"context"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/detectops/pkg/engine"
	"github.com/openfroyo/detectops/pkg/plugins/sdk"
	"github.com/openfroyo/detectops/pkg/telemetry"
)

// Extension is the file suffix of plugin binaries.
const Extension = ".wasm"

// Manager owns the shared wazero runtime and hands out fresh plugin
// instances. The runtime, compilation cache and host modules are shared by
// every instance; each instance gets its own module and memory.
type Manager struct {
	cfg     Config
	runtime wazero.Runtime
	cache   wazero.CompilationCache
	epoch   *Epoch
	caps    *HostCapabilities
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule

	slots chan struct{}
}

var _ engine.PluginLoader = (*Manager)(nil)

// NewManager creates the runtime. metrics may be nil.
func NewManager(ctx context.Context, cfg Config, metrics *telemetry.Metrics, logger zerolog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, engine.ConfigurationError("invalid plugin configuration", err)
	}
	cfg = cfg.withDefaults()
	logger = logger.With().Str("component", "plugins").Logger()

	var cache wazero.CompilationCache
	if cfg.CacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, engine.ConfigurationError(fmt.Sprintf("failed to open compilation cache %s", cfg.CacheDir), err)
		}
		cache = c
	} else {
		cache = wazero.NewCompilationCache()
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true).
		WithCompilationCache(cache)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	caps := NewHostCapabilities(cfg.AllowedHosts, logger)
	if err := caps.Register(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, err
	}

	return &Manager{
		cfg:      cfg,
		runtime:  runtime,
		cache:    cache,
		epoch:    NewEpoch(cfg.TickInterval),
		caps:     caps,
		metrics:  metrics,
		logger:   logger,
		compiled: make(map[string]wazero.CompiledModule),
		slots:    make(chan struct{}, cfg.MaxInstances),
	}, nil
}

// Path returns where the binary of plugin name lives.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.cfg.Dir, name+Extension)
}

// Exists reports whether a binary is available for name.
func (m *Manager) Exists(name string) bool {
	info, err := os.Stat(m.Path(name))
	return err == nil && !info.IsDir()
}

// List returns the names of every plugin binary in the plugin directory.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list plugins: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), Extension))
	}
	sort.Strings(names)
	return names, nil
}

// Load instantiates a fresh sandbox for name, calls load() and checks the
// reported metadata. The caller closes the returned plugin.
func (m *Manager) Load(ctx context.Context, name string) (engine.Plugin, error) {
	inst, err := m.load(ctx, name)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (m *Manager) load(ctx context.Context, name string) (*Instance, error) {
	compiled, err := m.compile(ctx, name)
	if err != nil {
		return nil, err
	}

	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, engine.PluginDispatchError(name, string(sdk.OpLoad), ctx.Err())
	}
	release := func() {
		<-m.slots
		m.metrics.PluginInstanceClosed()
	}
	m.metrics.PluginInstanceStarted()

	modConfig := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize").
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(crand.Reader)

	module, err := m.runtime.InstantiateModule(withPlugin(ctx, name), compiled, modConfig)
	if err != nil {
		release()
		return nil, engine.PluginDispatchError(name, string(sdk.OpLoad),
			fmt.Errorf("failed to instantiate WASM module: %w", err))
	}

	logger := m.logger.With().Str("plugin", name).Logger()
	inst, err := newInstance(name, module, m.epoch, m.cfg.Timeout, m.metrics, logger, release)
	if err != nil {
		module.Close(ctx)
		release()
		return nil, engine.PluginDispatchError(name, string(sdk.OpLoad), err)
	}

	meta, err := inst.load(ctx)
	if err == nil {
		err = checkMetadata(name, meta, m.cfg.VersionConstraints[name])
	}
	if err != nil {
		inst.Close(ctx)
		return nil, err
	}

	logger.Debug().Str("version", meta.Version).Msg("Plugin loaded")
	return inst, nil
}

// compile returns the compiled module for name, compiling it on first use.
// Modules are keyed by content so a replaced binary is recompiled.
func (m *Manager) compile(ctx context.Context, name string) (wazero.CompiledModule, error) {
	data, err := os.ReadFile(m.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, engine.PluginMissingError(name)
		}
		return nil, engine.PluginDispatchError(name, string(sdk.OpLoad),
			fmt.Errorf("failed to read plugin binary: %w", err))
	}

	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()

	if compiled, ok := m.compiled[key]; ok {
		return compiled, nil
	}
	compiled, err := m.runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, engine.PluginDispatchError(name, string(sdk.OpLoad),
			fmt.Errorf("failed to compile WASM module: %w", err))
	}
	m.compiled[key] = compiled
	m.logger.Debug().Str("plugin", name).Str("sha256", key[:12]).Msg("Compiled plugin")
	return compiled, nil
}

// Close stops the epoch and releases the runtime. Instances must be closed first.
func (m *Manager) Close(ctx context.Context) error {
	m.epoch.Stop()
	err := m.runtime.Close(ctx)
	if cerr := m.cache.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
