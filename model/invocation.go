package model

import "time"

// Disposition is the restraint evaluator's decision for an invocation.
type Disposition string

const (
	DispositionAllowed          Disposition = "allowed"
	DispositionAllowedMitigated Disposition = "allowed-with-mitigations"
	DispositionDenied           Disposition = "denied"
	DispositionAwaitingApproval Disposition = "awaiting-approval"
)

// Outcome is the execution result of an invocation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeTimeout Outcome = "timeout"
	OutcomeSkipped Outcome = "skipped"
)

// Priority is a planner hint for scheduling order.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns a numeric rank; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// ParsePriority normalizes a planner-supplied priority string.
// Unknown values map to medium.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(s)
	default:
		return PriorityMedium
	}
}

// Invocation is one planned execution of one tool. Created by the phase
// executor; result fields are written once by the execution engine.
type Invocation struct {
	ID   string `json:"id"`
	Tool string `json:"tool"`

	// Purpose carries the planner's rationale for this invocation.
	Purpose string `json:"purpose,omitempty"`

	// Parameters are the resolved parameters after substitution and
	// restraint mitigation.
	Parameters map[string]any `json:"parameters"`

	Priority Priority `json:"priority"`

	Disposition       Disposition `json:"disposition,omitempty"`
	DispositionReason string      `json:"disposition_reason,omitempty"`

	Outcome     Outcome   `json:"outcome,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// Stdout holds the bounded combined tool output.
	Stdout    string `json:"stdout,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	ExitCode  int    `json:"exit_code,omitempty"`

	Findings []Finding `json:"findings,omitempty"`

	Error string `json:"error,omitempty"`
}

// Settled returns true once an outcome has been recorded.
func (inv *Invocation) Settled() bool {
	return inv.Outcome != ""
}
