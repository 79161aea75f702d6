package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/gowebpki/jcs"
	"github.com/rs/zerolog"
)

// Planner refreshes the cached state from live plugins and computes diffs.
type Planner struct {
	loader PluginLoader
	logger zerolog.Logger
}

// NewPlanner creates a planner that instantiates plugins through loader.
func NewPlanner(loader PluginLoader, logger zerolog.Logger) *Planner {
	return &Planner{
		loader: loader,
		logger: logger.With().Str("component", "planner").Logger(),
	}
}

// refreshResult is what one plugin goroutine hands back to the coordinator.
type refreshResult struct {
	plugin string
	synced SyncedRules
	err    error
}

// Refresh reads every desired rule from its plugin, one goroutine per plugin,
// and merges the live values into state once all goroutines have joined.
// A rule the plugin no longer knows is dropped from state; a live value
// replaces the cached one. Any failure aborts the refresh and leaves state
// untouched.
func (p *Planner) Refresh(ctx context.Context, detections Detections, state *State) error {
	plugins := detections.Plugins()
	results := make(chan refreshResult, len(plugins))

	var wg sync.WaitGroup
	for _, name := range plugins {
		wg.Add(1)
		go func(name string, dc *DetectionContext) {
			defer wg.Done()
			synced, err := p.refreshPlugin(ctx, name, dc)
			results <- refreshResult{plugin: name, synced: synced, err: err}
		}(name, detections[name])
	}

	wg.Wait()
	close(results)

	collected := make([]refreshResult, 0, len(plugins))
	for res := range results {
		if res.err != nil {
			return res.err
		}
		collected = append(collected, res)
	}

	// Merge order only matters for determinism; services never span plugins.
	sort.Slice(collected, func(i, j int) bool { return collected[i].plugin < collected[j].plugin })
	for _, res := range collected {
		state.MergeSynced(res.synced)
	}
	return nil
}

func (p *Planner) refreshPlugin(ctx context.Context, name string, dc *DetectionContext) (SyncedRules, error) {
	plugin, err := p.loader.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := plugin.Close(ctx); cerr != nil {
			p.logger.Debug().Err(cerr).Str("plugin", name).Msg("Failed to close plugin")
		}
	}()

	synced := make(SyncedRules)
	for _, svc := range dc.Services {
		rules := make(map[string]json.RawMessage)
		for _, path := range dc.Paths() {
			live, err := plugin.Read(ctx, svc.Settings, path, dc.Detections[path])
			if err != nil {
				return nil, wrapRuleError(err, name, svc.Name, path, "read")
			}
			if live == nil {
				rules[path] = json.RawMessage("null")
				continue
			}
			if !json.Valid(live) {
				return nil, SerializationError("plugin returned invalid JSON", nil).
					WithPlugin(name).WithService(svc.Name).WithResource(path)
			}
			rules[path] = append(json.RawMessage(nil), live...)
		}
		if len(rules) > 0 {
			synced[svc.Name] = rules
		}
	}

	p.logger.Debug().
		Str("plugin", name).
		Int("services", len(dc.Services)).
		Int("rules", len(dc.Detections)).
		Msg("Refreshed remote detections")

	return synced, nil
}

// RefreshRemovals reads every rule scheduled for removal, one goroutine per
// plugin, and returns what the plugins reported. Rules gone remotely come back
// as JSON null. Nothing is merged; the caller decides what to keep.
func (p *Planner) RefreshRemovals(ctx context.Context, diff *Diff) (SyncedRules, error) {
	groups := diff.byPlugin()
	results := make(chan refreshResult, len(groups))

	var wg sync.WaitGroup
	for name, services := range groups {
		wg.Add(1)
		go func(name string, services []*ServiceDiff) {
			defer wg.Done()
			synced, err := p.readRemovals(ctx, name, services)
			results <- refreshResult{plugin: name, synced: synced, err: err}
		}(name, services)
	}

	wg.Wait()
	close(results)

	merged := make(SyncedRules)
	for res := range results {
		if res.err != nil {
			return nil, res.err
		}
		for svc, rules := range res.synced {
			merged[svc] = rules
		}
	}
	return merged, nil
}

func (p *Planner) readRemovals(ctx context.Context, name string, services []*ServiceDiff) (SyncedRules, error) {
	plugin, err := p.loader.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := plugin.Close(ctx); cerr != nil {
			p.logger.Debug().Err(cerr).Str("plugin", name).Msg("Failed to close plugin")
		}
	}()

	synced := make(SyncedRules)
	for _, sd := range services {
		rules := make(map[string]json.RawMessage, len(sd.ToRemove))
		for _, rc := range sd.ToRemove {
			live, err := plugin.Read(ctx, sd.Settings, rc.Path, rc.Content)
			if err != nil {
				return nil, wrapRuleError(err, name, sd.Service, rc.Path, "read")
			}
			if live == nil {
				rules[rc.Path] = json.RawMessage("null")
				continue
			}
			if !json.Valid(live) {
				return nil, SerializationError("plugin returned invalid JSON", nil).
					WithPlugin(name).WithService(sd.Service).WithResource(rc.Path)
			}
			rules[rc.Path] = append(json.RawMessage(nil), live...)
		}
		synced[sd.Service] = rules
	}
	return synced, nil
}

// ComputeDiff partitions every service of detections against state. It never
// mutates state.
func ComputeDiff(detections Detections, state *State) (*Diff, error) {
	diff := &Diff{}
	for _, plugin := range detections.Plugins() {
		dc := detections[plugin]
		paths := dc.Paths()
		for _, svc := range dc.Services {
			sd, err := diffService(plugin, svc, dc, paths, state.Services[svc.Name])
			if err != nil {
				return nil, err
			}
			diff.Services = append(diff.Services, sd)
		}
	}
	return diff, nil
}

func diffService(plugin string, svc ServiceSettings, dc *DetectionContext, paths []string, tracked map[string]json.RawMessage) (*ServiceDiff, error) {
	sd := &ServiceDiff{
		Plugin:   plugin,
		Service:  svc.Name,
		Settings: svc.Settings,
	}

	for _, path := range paths {
		desired := dc.Detections[path]
		current, ok := tracked[path]
		if !ok {
			sd.ToCreate = append(sd.ToCreate, RuleChange{Path: path, Content: desired})
			continue
		}
		equal, err := JSONEqual(desired, current)
		if err != nil {
			return nil, SerializationError("cannot compare detection", err).
				WithPlugin(plugin).WithService(svc.Name).WithResource(path)
		}
		if !equal {
			sd.ToUpdate = append(sd.ToUpdate, RuleChange{Path: path, Content: desired})
		}
	}

	stale := make([]string, 0)
	for path := range tracked {
		if _, ok := dc.Detections[path]; !ok {
			stale = append(stale, path)
		}
	}
	sort.Strings(stale)
	for _, path := range stale {
		sd.ToRemove = append(sd.ToRemove, RuleChange{Path: path, Content: tracked[path]})
	}

	return sd, nil
}

// JSONEqual compares two JSON documents structurally. Key order, whitespace
// and number formatting do not produce differences; numbers are compared as
// exact decimals, so integers beyond 2^53 keep their identity.
func JSONEqual(a, b []byte) (bool, error) {
	ca, err := jcs.Transform(a)
	if err != nil {
		return false, fmt.Errorf("canonicalize desired content: %w", err)
	}
	cb, err := jcs.Transform(b)
	if err != nil {
		return false, fmt.Errorf("canonicalize tracked content: %w", err)
	}
	// Canonical forms collapse numbers to doubles: a mismatch is final, a
	// match still has to be confirmed with exact numbers.
	if !bytes.Equal(ca, cb) {
		return false, nil
	}

	va, err := decodeExact(a)
	if err != nil {
		return false, fmt.Errorf("decode desired content: %w", err)
	}
	vb, err := decodeExact(b)
	if err != nil {
		return false, fmt.Errorf("decode tracked content: %w", err)
	}
	return exactEqual(va, vb), nil
}

func decodeExact(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func exactEqual(a, b any) bool {
	switch x := a.(type) {
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !exactEqual(xv, yv) {
				return false
			}
		}
		return true
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !exactEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case json.Number:
		y, ok := b.(json.Number)
		if !ok {
			return false
		}
		rx, okx := new(big.Rat).SetString(x.String())
		ry, oky := new(big.Rat).SetString(y.String())
		if !okx || !oky {
			return x == y
		}
		return rx.Cmp(ry) == 0
	default:
		return a == b
	}
}

// wrapRuleError attaches rule context to a plugin error without hiding its code.
func wrapRuleError(err error, plugin, service, path, op string) error {
	if ee, ok := err.(*EngineError); ok {
		cp := *ee
		if cp.Plugin == "" {
			cp.Plugin = plugin
		}
		if cp.Operation == "" {
			cp.Operation = op
		}
		cp.Service = service
		cp.Resource = path
		return &cp
	}
	return PluginDispatchError(plugin, op, err).WithService(service).WithResource(path)
}
