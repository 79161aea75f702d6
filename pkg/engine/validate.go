package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Validate checks every desired detection of the scope with its plugin's
// validate() and then with the configured validators. It only returns an error
// when validation itself could not run; violations are data.
func (r *Reconciler) Validate(ctx context.Context, identifier string) ([]Violation, error) {
	detections, err := r.desired(identifier)
	if err != nil {
		return nil, err
	}

	type result struct {
		violations []Violation
		err        error
	}

	plugins := detections.Plugins()
	results := make(chan result, len(plugins))
	var wg sync.WaitGroup
	for _, name := range plugins {
		wg.Add(1)
		go func(name string, dc *DetectionContext) {
			defer wg.Done()
			v, err := r.validatePlugin(ctx, name, dc)
			results <- result{violations: v, err: err}
		}(name, detections[name])
	}
	wg.Wait()
	close(results)

	var violations []Violation
	for res := range results {
		if res.err != nil {
			return nil, res.err
		}
		violations = append(violations, res.violations...)
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Plugin != violations[j].Plugin {
			return violations[i].Plugin < violations[j].Plugin
		}
		return violations[i].Path < violations[j].Path
	})

	if len(violations) == 0 {
		r.logger.Info().Int("plugins", len(plugins)).Msg("all detections are valid.")
	}
	return violations, nil
}

func (r *Reconciler) validatePlugin(ctx context.Context, name string, dc *DetectionContext) ([]Violation, error) {
	plugin, err := r.loader.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	defer plugin.Close(ctx)

	var violations []Violation
	for _, path := range dc.Paths() {
		if err := plugin.Validate(ctx, dc.Detections[path]); err != nil {
			// Only a verdict from the plugin is a violation; a call that
			// could not complete aborts the plugin's validation.
			if !HasCode(err, ErrCodePluginInvocation) {
				return nil, wrapRuleError(err, name, "", path, "validate")
			}
			violations = append(violations, Violation{
				Plugin:   name,
				Path:     path,
				Source:   "plugin",
				Message:  pluginMessage(err),
				Severity: "error",
			})
		}
	}

	if len(r.validators) == 0 {
		return violations, nil
	}

	schema, err := plugin.Schema(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Str("plugin", name).Msg("Plugin did not provide a detection schema")
		schema = nil
	}
	for _, v := range r.validators {
		found, err := v.ValidateDetections(ctx, name, schema, dc.Detections)
		if err != nil {
			return nil, err
		}
		violations = append(violations, found...)
	}
	return violations, nil
}

// pluginMessage returns the plugin's own error text when available.
func pluginMessage(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) && ee.Err != nil {
		return ee.Err.Error()
	}
	return err.Error()
}
