package engine

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
)

// NewState returns an empty state with a fresh lineage.
func NewState() *State {
	return &State{
		Lineage:  uuid.New().String(),
		Version:  StateVersion,
		Services: make(map[string]map[string]json.RawMessage),
	}
}

// Normalize fills in the fields an older or hand-written state may lack.
func (s *State) Normalize() {
	if s.Lineage == "" {
		s.Lineage = uuid.New().String()
	}
	if s.Version == 0 {
		s.Version = StateVersion
	}
	if s.Services == nil {
		s.Services = make(map[string]map[string]json.RawMessage)
	}
}

// Stamp prepares the state for persistence: serial+1 and the writer's version.
// Backends call it once per successful save.
func (s *State) Stamp(toolVersion string) {
	s.Normalize()
	s.Serial++
	s.ToolVersion = toolVersion
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := &State{
		Lineage:     s.Lineage,
		Serial:      s.Serial,
		Version:     s.Version,
		ToolVersion: s.ToolVersion,
		Services:    make(map[string]map[string]json.RawMessage, len(s.Services)),
	}
	for svc, rules := range s.Services {
		cr := make(map[string]json.RawMessage, len(rules))
		for p, v := range rules {
			cr[p] = append(json.RawMessage(nil), v...)
		}
		c.Services[svc] = cr
	}
	return c
}

// Rule returns the tracked content of a rule.
func (s *State) Rule(service, path string) (json.RawMessage, bool) {
	rules, ok := s.Services[service]
	if !ok {
		return nil, false
	}
	v, ok := rules[path]
	return v, ok
}

// SetRule records content as deployed for service.
func (s *State) SetRule(service, path string, content []byte) {
	if s.Services == nil {
		s.Services = make(map[string]map[string]json.RawMessage)
	}
	rules, ok := s.Services[service]
	if !ok {
		rules = make(map[string]json.RawMessage)
		s.Services[service] = rules
	}
	rules[path] = append(json.RawMessage(nil), content...)
}

// RemoveRule forgets a rule. Services left without rules are dropped.
func (s *State) RemoveRule(service, path string) {
	rules, ok := s.Services[service]
	if !ok {
		return
	}
	delete(rules, path)
	if len(rules) == 0 {
		delete(s.Services, service)
	}
}

// RuleCount returns the number of tracked rules across all services.
func (s *State) RuleCount() int {
	n := 0
	for _, rules := range s.Services {
		n += len(rules)
	}
	return n
}

// SyncedRules is a refresh result: service → rule path → live content, where a
// JSON null marks a rule that no longer exists remotely.
type SyncedRules map[string]map[string]json.RawMessage

// MergeSynced folds a refresh result into the state. Null values remove the
// rule, other values overwrite it, and a service unknown to the state only
// receives its non-null values.
func (s *State) MergeSynced(synced SyncedRules) {
	for svc, rules := range synced {
		for path, v := range rules {
			if isNull(v) {
				s.RemoveRule(svc, path)
				continue
			}
			s.SetRule(svc, path, v)
		}
	}
}

// TakeSerializedDetections returns the tracked rules of a service as raw
// bytes, or false when the service has nothing tracked.
func (s *State) TakeSerializedDetections(service string) (map[string][]byte, bool) {
	rules, ok := s.Services[service]
	if !ok || len(rules) == 0 {
		return nil, false
	}
	out := make(map[string][]byte, len(rules))
	for p, v := range rules {
		out[p] = append([]byte(nil), v...)
	}
	return out, true
}

// ServiceNames returns the tracked service names in lexical order.
func (s *State) ServiceNames() []string {
	names := make([]string, 0, len(s.Services))
	for n := range s.Services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
