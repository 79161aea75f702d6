package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// Mock implementations for testing

// mockPlugin keeps remote rules keyed by the service settings it receives.
type mockPlugin struct {
	mu       sync.Mutex
	name     string
	remote   map[string]map[string][]byte
	fail     map[string]error
	calls    []string
	pingOK   bool
	validate func(detection []byte) error
}

func newMockPlugin(name string) *mockPlugin {
	return &mockPlugin{
		name:   name,
		remote: make(map[string]map[string][]byte),
		fail:   make(map[string]error),
		pingOK: true,
	}
}

func settingsFor(service string) []byte {
	return []byte(fmt.Sprintf(`{"service":%q}`, service))
}

func (m *mockPlugin) seed(service, path, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(settingsFor(service))
	if m.remote[key] == nil {
		m.remote[key] = make(map[string][]byte)
	}
	m.remote[key][path] = []byte(content)
}

func (m *mockPlugin) remoteRule(service, path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.remote[string(settingsFor(service))][path]
	return v, ok
}

func (m *mockPlugin) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockPlugin) enter(op, name string) error {
	m.calls = append(m.calls, op+" "+name)
	return m.fail[op+" "+name]
}

func (m *mockPlugin) Metadata() PluginMetadata {
	return PluginMetadata{Name: m.name, Version: "0.1.0"}
}

func (m *mockPlugin) Settings(ctx context.Context) ([]byte, error) {
	return []byte(`{"type":"object"}`), nil
}

func (m *mockPlugin) Schema(ctx context.Context) ([]byte, error) {
	return []byte(`{"type":"object"}`), nil
}

func (m *mockPlugin) Validate(ctx context.Context, detection []byte) error {
	if m.validate != nil {
		return m.validate(detection)
	}
	return nil
}

func (m *mockPlugin) Create(ctx context.Context, config []byte, name string, params []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("create", name); err != nil {
		return nil, err
	}
	key := string(config)
	if m.remote[key] == nil {
		m.remote[key] = make(map[string][]byte)
	}
	m.remote[key][name] = append([]byte(nil), params...)
	return params, nil
}

func (m *mockPlugin) Read(ctx context.Context, config []byte, name string, params []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("read", name); err != nil {
		return nil, err
	}
	v, ok := m.remote[string(config)][name]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (m *mockPlugin) Update(ctx context.Context, config []byte, name string, params []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("update", name); err != nil {
		return nil, err
	}
	rules := m.remote[string(config)]
	if _, ok := rules[name]; !ok {
		return nil, nil
	}
	rules[name] = append([]byte(nil), params...)
	return params, nil
}

func (m *mockPlugin) Delete(ctx context.Context, config []byte, name string, params []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("delete", name); err != nil {
		return nil, err
	}
	rules := m.remote[string(config)]
	v, ok := rules[name]
	if !ok {
		return nil, nil
	}
	delete(rules, name)
	return v, nil
}

func (m *mockPlugin) Ping(ctx context.Context, config []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ping", string(config)); err != nil {
		return false, err
	}
	return m.pingOK, nil
}

func (m *mockPlugin) Close(ctx context.Context) error { return nil }

type mockLoader struct {
	mu      sync.Mutex
	plugins map[string]*mockPlugin
	loadErr map[string]error
	loads   map[string]int
}

func newMockLoader(plugins ...*mockPlugin) *mockLoader {
	l := &mockLoader{
		plugins: make(map[string]*mockPlugin),
		loadErr: make(map[string]error),
		loads:   make(map[string]int),
	}
	for _, p := range plugins {
		l.plugins[p.name] = p
	}
	return l
}

func (l *mockLoader) Load(ctx context.Context, name string) (Plugin, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads[name]++
	if err := l.loadErr[name]; err != nil {
		return nil, err
	}
	p, ok := l.plugins[name]
	if !ok {
		return nil, PluginMissingError(name)
	}
	return p, nil
}

func (l *mockLoader) Exists(name string) bool {
	_, ok := l.plugins[name]
	return ok
}

type mockBackend struct {
	mu      sync.Mutex
	state   *State
	exists  bool
	saves   int
	locks   int
	unlocks int
	lockErr error
	saveErr error
}

func newMockBackend(state *State) *mockBackend {
	b := &mockBackend{state: NewState()}
	if state != nil {
		b.state = state
		b.exists = true
	}
	return b
}

func (b *mockBackend) Load(ctx context.Context) (bool, *State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exists, b.state.Clone(), nil
}

func (b *mockBackend) Save(ctx context.Context, state *State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	state.Stamp("test")
	b.state = state.Clone()
	b.exists = true
	b.saves++
	return nil
}

func (b *mockBackend) Lock(ctx context.Context) (*LockToken, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lockErr != nil {
		return nil, b.lockErr
	}
	b.locks++
	return NewLockToken("lock-1", nil), nil
}

func (b *mockBackend) Unlock(ctx context.Context, token *LockToken) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unlocks++
	return nil
}

// mockResolver serves one plugin's detections to a fixed set of services.
type mockResolver struct {
	plugin   string
	services []string
	rules    map[string]string
}

func (r *mockResolver) Detections(identifier string) (Detections, error) {
	targets, err := r.ResolveServices(identifier)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 || len(r.rules) == 0 {
		return Detections{}, nil
	}
	dc := &DetectionContext{Detections: make(map[string][]byte)}
	for _, t := range targets {
		dc.Services = append(dc.Services, ServiceSettings{Name: t.Name, Settings: t.Settings})
	}
	for p, c := range r.rules {
		dc.Detections[p] = []byte(c)
	}
	return Detections{r.plugin: dc}, nil
}

func (r *mockResolver) ResolveServices(identifier string) ([]ServiceTarget, error) {
	var out []ServiceTarget
	for _, s := range r.services {
		if identifier == "" || identifier == s {
			out = append(out, ServiceTarget{Name: s, Plugin: r.plugin, Settings: settingsFor(s)})
		}
	}
	if identifier != "" && len(out) == 0 {
		return nil, ConfigurationError(fmt.Sprintf("invalid identifier '%s'.", identifier), nil)
	}
	return out, nil
}

func (r *mockResolver) Workspace() string { return "detections" }

type mockPrompter struct {
	answer bool
	asked  int
}

func (p *mockPrompter) Confirm(ctx context.Context, question string) (bool, error) {
	p.asked++
	return p.answer, nil
}

type mockReporter struct {
	mu       sync.Mutex
	diffs    int
	outcomes []RuleOutcome
}

func (r *mockReporter) ReportDiff(diff *Diff, current *State, verbose bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diffs++
	return nil
}

func (r *mockReporter) ReportOutcome(o RuleOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

type mockRecorder struct {
	runs []*RunRecord
}

func (r *mockRecorder) RecordRun(ctx context.Context, run *RunRecord) error {
	r.runs = append(r.runs, run)
	return nil
}

type mockValidator struct {
	violations []Violation
}

func (v *mockValidator) ValidateDetections(ctx context.Context, plugin string, schema []byte, detections map[string][]byte) ([]Violation, error) {
	return v.violations, nil
}

var errRemote = errors.New("remote refused")

func stateWith(rules map[string]map[string]string) *State {
	s := NewState()
	for svc, rs := range rules {
		for p, c := range rs {
			s.SetRule(svc, p, []byte(c))
		}
	}
	return s
}

func ruleJSON(t *testing.T, s *State, service, path string) string {
	t.Helper()
	v, ok := s.Rule(service, path)
	if !ok {
		t.Fatalf("rule %s/%s not tracked", service, path)
	}
	var out any
	if err := json.Unmarshal(v, &out); err != nil {
		t.Fatalf("rule %s/%s is not JSON: %v", service, path, err)
	}
	b, _ := json.Marshal(out)
	return string(b)
}
