package engine

import (
	"encoding/json"
	"io"
	"sort"
	"time"
)

// StateVersion is the schema version written into every persisted State.
const StateVersion = 1

// ServiceSettings is one service bound to a plugin, with its serialized settings.
type ServiceSettings struct {
	// Name is the service name as declared in the project file.
	Name string `json:"name"`

	// Settings is the JSON-encoded service settings passed to the plugin as config.
	Settings []byte `json:"settings"`
}

// DetectionContext groups the services sharing one plugin with the detections
// deployed to all of them. Detections are read-only once built.
type DetectionContext struct {
	// Services are the services backed by the plugin, in declaration order.
	Services []ServiceSettings `json:"services"`

	// Detections maps a rule path to its raw JSON content.
	Detections map[string][]byte `json:"detections"`
}

// Paths returns the detection paths in lexical order.
func (c *DetectionContext) Paths() []string {
	paths := make([]string, 0, len(c.Detections))
	for p := range c.Detections {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Detections maps a plugin name to its detection context.
type Detections map[string]*DetectionContext

// Plugins returns the plugin names in lexical order.
func (d Detections) Plugins() []string {
	names := make([]string, 0, len(d))
	for n := range d {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ServiceTarget is a declared service resolved for destroy and ping.
type ServiceTarget struct {
	Name     string
	Plugin   string
	Settings []byte
}

// State is the persisted record of which rules are deployed to which services.
type State struct {
	// Lineage identifies the state across its lifetime.
	Lineage string `json:"lineage"`

	// Serial increases by one on every successful save.
	Serial uint64 `json:"serial"`

	// Version is the state schema version.
	Version int `json:"version"`

	// ToolVersion is the version of the tool that last wrote the state.
	ToolVersion string `json:"tool_version"`

	// Services maps service name to rule path to the deployed JSON content.
	Services map[string]map[string]json.RawMessage `json:"services"`
}

// RuleChange is one rule in a diff partition.
type RuleChange struct {
	Path    string `json:"path"`
	Content []byte `json:"-"`
}

// ServiceDiff holds the create/update/remove partitions of one service.
type ServiceDiff struct {
	Plugin   string       `json:"plugin"`
	Service  string       `json:"service"`
	Settings []byte       `json:"-"`
	ToCreate []RuleChange `json:"to_create,omitempty"`
	ToUpdate []RuleChange `json:"to_update,omitempty"`
	ToRemove []RuleChange `json:"to_remove,omitempty"`
}

// Empty reports whether the service needs no change.
func (s *ServiceDiff) Empty() bool {
	return len(s.ToCreate) == 0 && len(s.ToUpdate) == 0 && len(s.ToRemove) == 0
}

// Diff is the full change set of a plan, ordered by plugin then service.
type Diff struct {
	Services []*ServiceDiff `json:"services"`
}

// Empty reports whether nothing needs to change.
func (d *Diff) Empty() bool {
	for _, s := range d.Services {
		if !s.Empty() {
			return false
		}
	}
	return true
}

// Counts returns the number of creates, updates and removals.
func (d *Diff) Counts() (create, update, remove int) {
	for _, s := range d.Services {
		create += len(s.ToCreate)
		update += len(s.ToUpdate)
		remove += len(s.ToRemove)
	}
	return create, update, remove
}

// Service returns the diff for the named service, or nil.
func (d *Diff) Service(name string) *ServiceDiff {
	for _, s := range d.Services {
		if s.Service == name {
			return s
		}
	}
	return nil
}

// byPlugin groups the non-empty service diffs by plugin.
func (d *Diff) byPlugin() map[string][]*ServiceDiff {
	groups := make(map[string][]*ServiceDiff)
	for _, s := range d.Services {
		if s.Empty() {
			continue
		}
		groups[s.Plugin] = append(groups[s.Plugin], s)
	}
	return groups
}

// PluginMetadata identifies a loaded plugin binary.
type PluginMetadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

// LockToken proves exclusive access to a state backend session.
// A nil token means no lock is held.
type LockToken struct {
	// ID is the lock identifier sent back on unlock.
	ID string

	handle io.Closer
}

// NewLockToken creates a token carrying an optional backend resource that is
// held for the duration of the lock.
func NewLockToken(id string, handle io.Closer) *LockToken {
	return &LockToken{ID: id, handle: handle}
}

// Handle returns the backend resource attached to the token.
func (t *LockToken) Handle() io.Closer {
	if t == nil {
		return nil
	}
	return t.handle
}

// RuleOutcome is the result of one remote mutation.
type RuleOutcome struct {
	Plugin  string `json:"plugin"`
	Service string `json:"service"`
	Path    string `json:"path"`
	Action  Action `json:"action"`
	Content []byte `json:"-"`
	Err     error  `json:"-"`
}

// Succeeded reports whether the remote side confirmed the mutation.
func (o RuleOutcome) Succeeded() bool {
	return o.Err == nil
}

// RunRecord summarizes one apply or destroy run for the history store.
type RunRecord struct {
	ID          string
	Command     string
	Scope       string
	Status      RunStatus
	Serial      uint64
	StartedAt   time.Time
	CompletedAt time.Time
	Outcomes    []RuleOutcome
	Error       string
}

// Violation is one detection validation failure.
type Violation struct {
	Plugin   string `json:"plugin"`
	Path     string `json:"path"`
	Source   string `json:"source"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}
