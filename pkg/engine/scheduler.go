package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Reporter renders plans and mutation outcomes for the operator.
// ReportOutcome may be called from several goroutines at once.
type Reporter interface {
	// ReportDiff renders every non-empty service diff. verbose adds content diffs
	// for updates; current holds the tracked values keyed by service and path.
	ReportDiff(diff *Diff, current *State, verbose bool) error

	// ReportOutcome renders one confirmed mutation.
	ReportOutcome(outcome RuleOutcome)
}

// Executor runs diff batches against plugins: one goroutine per plugin, and
// within a plugin, per service, creates then updates then deletes.
type Executor struct {
	loader   PluginLoader
	reporter Reporter
	logger   zerolog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(loader PluginLoader, reporter Reporter, logger zerolog.Logger) *Executor {
	return &Executor{
		loader:   loader,
		reporter: reporter,
		logger:   logger.With().Str("component", "executor").Logger(),
	}
}

// Execute applies every non-empty service diff and returns one outcome per
// attempted rule. Failures are logged and recorded, never propagated: sibling
// rules, services and plugins keep going. The caller owns the state and folds
// outcomes into it after Execute returns.
func (e *Executor) Execute(ctx context.Context, diff *Diff) []RuleOutcome {
	groups := diff.byPlugin()
	plugins := make([]string, 0, len(groups))
	for name := range groups {
		plugins = append(plugins, name)
	}
	sort.Strings(plugins)

	results := make(chan []RuleOutcome, len(plugins))
	var wg sync.WaitGroup
	for _, name := range plugins {
		wg.Add(1)
		go func(name string, services []*ServiceDiff) {
			defer wg.Done()
			results <- e.executePlugin(ctx, name, services)
		}(name, groups[name])
	}

	wg.Wait()
	close(results)

	var outcomes []RuleOutcome
	for batch := range results {
		outcomes = append(outcomes, batch...)
	}
	return outcomes
}

// executePlugin instantiates the plugin once for all of its services.
func (e *Executor) executePlugin(ctx context.Context, name string, services []*ServiceDiff) []RuleOutcome {
	var outcomes []RuleOutcome

	plugin, err := e.loader.Load(ctx, name)
	if err != nil {
		e.logger.Warn().Err(err).Str("plugin", name).Msg("Failed to load plugin, skipping its changes")
		for _, sd := range services {
			outcomes = append(outcomes, failAll(sd, err)...)
		}
		return outcomes
	}
	defer func() {
		if cerr := plugin.Close(ctx); cerr != nil {
			e.logger.Debug().Err(cerr).Str("plugin", name).Msg("Failed to close plugin")
		}
	}()

	for _, sd := range services {
		for _, rc := range sd.ToCreate {
			_, err := plugin.Create(ctx, sd.Settings, rc.Path, rc.Content)
			outcomes = append(outcomes, e.record(name, sd.Service, rc, ActionCreate, err))
		}
		for _, rc := range sd.ToUpdate {
			_, err := plugin.Update(ctx, sd.Settings, rc.Path, rc.Content)
			outcomes = append(outcomes, e.record(name, sd.Service, rc, ActionUpdate, err))
		}
		for _, rc := range sd.ToRemove {
			// A nil result means the rule was already gone, which is what we want.
			_, err := plugin.Delete(ctx, sd.Settings, rc.Path, rc.Content)
			outcomes = append(outcomes, e.record(name, sd.Service, rc, ActionDelete, err))
		}
	}

	return outcomes
}

func (e *Executor) record(plugin, service string, rc RuleChange, action Action, err error) RuleOutcome {
	o := RuleOutcome{
		Plugin:  plugin,
		Service: service,
		Path:    rc.Path,
		Action:  action,
		Content: rc.Content,
	}
	if err != nil {
		o.Err = wrapRuleError(err, plugin, service, rc.Path, string(action))
		e.logger.Warn().
			Err(err).
			Str("plugin", plugin).
			Str("service", service).
			Str("rule", rc.Path).
			Msgf("failed to %s %s on %s", action, rc.Path, service)
		return o
	}
	if e.reporter != nil {
		e.reporter.ReportOutcome(o)
	}
	return o
}

func failAll(sd *ServiceDiff, err error) []RuleOutcome {
	var out []RuleOutcome
	add := func(rcs []RuleChange, action Action) {
		for _, rc := range rcs {
			out = append(out, RuleOutcome{
				Plugin:  sd.Plugin,
				Service: sd.Service,
				Path:    rc.Path,
				Action:  action,
				Content: rc.Content,
				Err:     err,
			})
		}
	}
	add(sd.ToCreate, ActionCreate)
	add(sd.ToUpdate, ActionUpdate)
	add(sd.ToRemove, ActionDelete)
	return out
}

// ApplyOutcomes folds confirmed mutations into state. Failed outcomes leave
// the tracked value untouched, so state never claims an unconfirmed change.
func ApplyOutcomes(state *State, outcomes []RuleOutcome) (succeeded, failed int) {
	for _, o := range outcomes {
		if !o.Succeeded() {
			failed++
			continue
		}
		succeeded++
		switch o.Action {
		case ActionCreate, ActionUpdate:
			state.SetRule(o.Service, o.Path, o.Content)
		case ActionDelete:
			state.RemoveRule(o.Service, o.Path)
		}
	}
	return succeeded, failed
}
