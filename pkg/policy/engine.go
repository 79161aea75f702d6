package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/detectops/pkg/engine"
)

// Engine evaluates Rego policies against detections. Policies for a plugin
// live in <dir>/<plugin>/ and are compiled on first use; the built-in
// policies apply to every plugin.
type Engine struct {
	dir     string
	loader  *Loader
	builtin []*compiledPolicy
	logger  zerolog.Logger

	mu       sync.Mutex
	compiled map[string][]*compiledPolicy
}

type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

var _ engine.DetectionValidator = (*Engine)(nil)

// NewEngine creates a policy engine reading plugin policies from dir.
func NewEngine(ctx context.Context, dir string, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		dir:      dir,
		loader:   NewLoader(logger),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		compiled: make(map[string][]*compiledPolicy),
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := compile(ctx, &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.builtin = append(e.builtin, cp)
	}
	return e, nil
}

// Loader returns the loader backing the engine, for watching.
func (e *Engine) Loader() *Loader { return e.loader }

// Reload drops every compiled plugin policy so the next validation reads
// the files again.
func (e *Engine) Reload() {
	e.mu.Lock()
	e.compiled = make(map[string][]*compiledPolicy)
	e.mu.Unlock()
	e.loader.Forget("")
}

// Policies returns the policies that apply to plugin.
func (e *Engine) Policies(ctx context.Context, plugin string) ([]Policy, error) {
	cps, err := e.policiesFor(ctx, plugin)
	if err != nil {
		return nil, err
	}
	out := make([]Policy, 0, len(cps))
	for _, cp := range cps {
		out = append(out, *cp.policy)
	}
	return out, nil
}

// ValidateDetections evaluates every enabled policy of plugin against each
// detection. The schema argument is unused; see SchemaValidator.
func (e *Engine) ValidateDetections(ctx context.Context, plugin string, _ []byte, detections map[string][]byte) ([]engine.Violation, error) {
	policies, err := e.policiesFor(ctx, plugin)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(detections))
	for p := range detections {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var violations []engine.Violation
	for _, path := range paths {
		input := Input{Plugin: plugin, Path: path}
		if err := json.Unmarshal(detections[path], &input.Detection); err != nil {
			violations = append(violations, engine.Violation{
				Plugin:   plugin,
				Path:     path,
				Source:   "policy",
				Message:  fmt.Sprintf("detection is not valid JSON: %v", err),
				Severity: string(SeverityError),
			})
			continue
		}

		for _, cp := range policies {
			if !cp.policy.Enabled {
				continue
			}
			found, err := e.evaluate(ctx, cp, input)
			if err != nil {
				return nil, engine.ConfigurationError(fmt.Sprintf("policy %s failed on %s", cp.policy.Name, path), err).
					WithPlugin(plugin)
			}
			violations = append(violations, found...)
		}
	}
	return violations, nil
}

func (e *Engine) policiesFor(ctx context.Context, plugin string) ([]*compiledPolicy, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cps, ok := e.compiled[plugin]; ok {
		return cps, nil
	}

	dir := filepath.Join(e.dir, plugin)
	policies, err := e.loader.LoadDir(dir)
	if err != nil {
		return nil, engine.ConfigurationError("unable to read policies", err).WithPlugin(plugin)
	}
	if len(policies) == 0 {
		e.logger.Debug().Str("plugin", plugin).Msgf("no policies for plugin: %s", dir)
	}

	cps := append([]*compiledPolicy(nil), e.builtin...)
	for i := range policies {
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			return nil, engine.ConfigurationError(fmt.Sprintf("failed to compile policy %s", policies[i].Source), err).
				WithPlugin(plugin)
		}
		cps = append(cps, cp)
	}
	e.compiled[plugin] = cps
	return cps, nil
}

// compile prepares the deny query of the policy's package.
func compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, err
	}
	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	return &compiledPolicy{policy: p, query: query}, nil
}

func (e *Engine) evaluate(ctx context.Context, cp *compiledPolicy, input Input) ([]engine.Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []engine.Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denied, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, d := range denied {
				violations = append(violations, newViolation(cp.policy, input, d))
			}
		}
	}
	return violations, nil
}

// newViolation accepts a deny entry that is either a message or an object
// with message and severity.
func newViolation(p *Policy, input Input, entry any) engine.Violation {
	v := engine.Violation{
		Plugin:   input.Plugin,
		Path:     input.Path,
		Source:   "policy/" + p.Name,
		Severity: string(p.Severity),
	}
	switch t := entry.(type) {
	case string:
		v.Message = t
	case map[string]any:
		if msg, ok := t["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := t["severity"].(string); ok {
			v.Severity = sev
		}
	default:
		v.Message = fmt.Sprint(entry)
	}
	return v
}
