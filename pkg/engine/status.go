package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus is the final status of an apply or destroy run.
type RunStatus string

const (
	// RunStatusSucceeded means every attempted mutation was confirmed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial means some mutations failed and stayed out of state.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed means nothing was applied.
	RunStatusFailed RunStatus = "failed"

	// RunStatusAborted means the operator declined the confirmation.
	RunStatusAborted RunStatus = "aborted"

	// RunStatusNoChanges means the diff was empty.
	RunStatusNoChanges RunStatus = "no_changes"
)

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusSucceeded, RunStatusPartial, RunStatusFailed,
		RunStatusAborted, RunStatusNoChanges:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// Action is a remote mutation kind.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// IsDestructive returns true if the action removes a rule.
func (a Action) IsDestructive() bool {
	return a == ActionDelete
}

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// Phase is a step of a reconciliation run.
//
//	idle → loaded → refreshed → diffed → awaiting_approval → approved → mutating → saved
//	                                                       ↘ declined → aborted
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseLoaded           Phase = "loaded"
	PhaseRefreshed        Phase = "refreshed"
	PhaseDiffed           Phase = "diffed"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseApproved         Phase = "approved"
	PhaseDeclined         Phase = "declined"
	PhaseMutating         Phase = "mutating"
	PhaseSaved            Phase = "saved"
	PhaseAborted          Phase = "aborted"
)

// IsTerminal returns true if no further transition follows the phase.
func (p Phase) IsTerminal() bool {
	return p == PhaseSaved || p == PhaseAborted
}
