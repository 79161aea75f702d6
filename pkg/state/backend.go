package state

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/detectops/pkg/engine"
	"github.com/openfroyo/detectops/pkg/telemetry"
)

// Backend types.
const (
	TypeLocal = "local"
	TypeHTTP  = "http"
)

// DefaultPath is where the local backend keeps the state.
const DefaultPath = ".detectops/state.json"

// Config selects and configures one backend. Only the block matching Type is read.
type Config struct {
	Type  string       `yaml:"type,omitempty" json:"type" validate:"omitempty,oneof=local http"`
	Local *LocalConfig `yaml:"local,omitempty" json:"local,omitempty"`
	HTTP  *HTTPConfig  `yaml:"http,omitempty" json:"http,omitempty" validate:"required_if=Type http"`
}

// Options carries what every backend needs besides its own configuration.
type Options struct {
	// ToolVersion is stamped into every saved state.
	ToolVersion string

	// BaseDir resolves a relative local path.
	BaseDir string

	// Metrics may be nil.
	Metrics *telemetry.Metrics

	Logger zerolog.Logger
}

// New builds the backend described by cfg. An empty type means local.
func New(cfg Config, opts Options) (engine.StateBackend, error) {
	var (
		backend engine.StateBackend
		err     error
	)

	switch cfg.Type {
	case "", TypeLocal:
		local := LocalConfig{}
		if cfg.Local != nil {
			local = *cfg.Local
		}
		backend = NewLocal(local, opts)
		cfg.Type = TypeLocal
	case TypeHTTP:
		if cfg.HTTP == nil {
			return nil, engine.ConfigurationError("http state backend requires an http block", nil)
		}
		backend, err = NewHTTP(*cfg.HTTP, opts)
		if err != nil {
			return nil, err
		}
	default:
		return nil, engine.ConfigurationError(fmt.Sprintf("unknown state backend type %q", cfg.Type), nil)
	}

	return &instrumented{name: cfg.Type, next: backend, metrics: opts.Metrics}, nil
}

// instrumented records the duration and outcome of every backend operation.
type instrumented struct {
	name    string
	next    engine.StateBackend
	metrics *telemetry.Metrics
}

func (b *instrumented) Load(ctx context.Context) (bool, *engine.State, error) {
	start := time.Now()
	exists, st, err := b.next.Load(ctx)
	b.metrics.RecordStateOperation(b.name, "load", time.Since(start), err)
	return exists, st, err
}

func (b *instrumented) Save(ctx context.Context, st *engine.State) error {
	start := time.Now()
	err := b.next.Save(ctx, st)
	b.metrics.RecordStateOperation(b.name, "save", time.Since(start), err)
	return err
}

func (b *instrumented) Lock(ctx context.Context) (*engine.LockToken, error) {
	start := time.Now()
	token, err := b.next.Lock(ctx)
	b.metrics.RecordStateOperation(b.name, "lock", time.Since(start), err)
	return token, err
}

func (b *instrumented) Unlock(ctx context.Context, token *engine.LockToken) error {
	start := time.Now()
	err := b.next.Unlock(ctx, token)
	b.metrics.RecordStateOperation(b.name, "unlock", time.Since(start), err)
	return err
}
