package stores

import (
	"time"

	"github.com/openfroyo/detectops/pkg/engine"
)

// Run is one recorded apply or destroy.
type Run struct {
	ID          string           `json:"id"`
	Command     string           `json:"command"`
	Scope       string           `json:"scope,omitempty"`
	Status      engine.RunStatus `json:"status"`
	Serial      uint64           `json:"serial"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
	Error       string           `json:"error,omitempty"`

	// Succeeded and Failed count the rule operations of the run.
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// Operations is only populated by GetRun.
	Operations []*RuleOperation `json:"operations,omitempty"`
}

// Duration returns how long the run took.
func (r *Run) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// RuleOperation is one remote mutation attempted during a run.
type RuleOperation struct {
	ID      int64         `json:"id"`
	RunID   string        `json:"run_id"`
	Plugin  string        `json:"plugin"`
	Service string        `json:"service"`
	Path    string        `json:"path"`
	Action  engine.Action `json:"action"`
	Error   string        `json:"error,omitempty"`
}

// Succeeded reports whether the remote side confirmed the operation.
func (o *RuleOperation) Succeeded() bool { return o.Error == "" }
