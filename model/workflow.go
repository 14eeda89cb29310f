// Package model defines the core data model for Probeline assessments:
// workflows, phases, invocations, findings, and planner recommendations.
package model

import (
	"fmt"
	"time"
)

// WorkflowStatus represents the current state of a workflow.
type WorkflowStatus string

const (
	// StatusPending indicates the workflow has been created but not started.
	StatusPending WorkflowStatus = "pending"
	// StatusRunning indicates the phase executor is driving the workflow.
	StatusRunning WorkflowStatus = "running"
	// StatusAwaitingApproval indicates the workflow is suspended on a human decision.
	StatusAwaitingApproval WorkflowStatus = "awaiting-approval"
	// StatusCompleted indicates the workflow finished normally.
	StatusCompleted WorkflowStatus = "completed"
	// StatusFailed indicates the workflow terminated on a fatal error.
	StatusFailed WorkflowStatus = "failed"
	// StatusAborted indicates the workflow was cancelled by the user.
	StatusAborted WorkflowStatus = "aborted"
)

// String returns the string representation of the status.
func (s WorkflowStatus) String() string {
	return string(s)
}

// IsTerminal returns true for absorbing states.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the status may transition to target.
// Transitions are monotone except that awaiting-approval may return to
// running; terminal states are absorbing.
func (s WorkflowStatus) CanTransitionTo(target WorkflowStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return target == StatusRunning || target == StatusFailed || target == StatusAborted
	case StatusRunning:
		return target == StatusAwaitingApproval || target.IsTerminal()
	case StatusAwaitingApproval:
		return target == StatusRunning || target.IsTerminal()
	default:
		return false
	}
}

// Environment tags the deployment environment of the assessment target.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// IsValid returns true if the environment is a recognised tag.
func (e Environment) IsValid() bool {
	switch e {
	case "", EnvDevelopment, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// Constraints restricts what a workflow is allowed to touch.
type Constraints struct {
	// Scope is a glob allow-list of targets the workflow may probe.
	// Empty means the declared target only.
	Scope []string `json:"scope,omitempty" yaml:"scope,omitempty"`

	// Environment tags the target environment. Restraint rules key on it.
	Environment Environment `json:"environment,omitempty" yaml:"environment,omitempty"`

	// TimeBudget caps the total workflow runtime. Zero means no cap.
	TimeBudget time.Duration `json:"time_budget,omitempty" yaml:"time_budget,omitempty"`

	// ExcludeTools lists tool names that must never run for this workflow.
	ExcludeTools []string `json:"exclude_tools,omitempty" yaml:"exclude_tools,omitempty"`
}

// Credentials optionally authenticates tools against the target.
type Credentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Workflow is the top-level unit: one end-to-end assessment of one target.
// The aggregate is owned by the controller; mutations happen only under the
// controller's per-workflow lock.
type Workflow struct {
	// ID is an opaque, unique identifier stable for the workflow's life.
	ID string `json:"id"`

	// Target is the URL or hostname under assessment.
	Target string `json:"target"`

	// UserIntent is the free-form request text that seeded the workflow.
	UserIntent string `json:"user_intent"`

	Constraints Constraints  `json:"constraints"`
	Credentials *Credentials `json:"-"`

	CreatedAt time.Time      `json:"created_at"`
	Status    WorkflowStatus `json:"status"`

	// Phases is the ordered phase history. Appended by the phase executor;
	// a phase is never mutated after its advance decision is recorded.
	Phases []*Phase `json:"phases"`

	// Digest aggregates findings once the workflow reaches a terminal state.
	Digest *ResultDigest `json:"digest,omitempty"`

	// Error holds the last fatal error for failed workflows.
	Error string `json:"error,omitempty"`

	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Validate checks a workflow request before any state is created.
func (w *Workflow) Validate() error {
	if w.Target == "" {
		return fmt.Errorf("target is required")
	}
	if w.UserIntent == "" {
		return fmt.Errorf("user intent is required")
	}
	if !w.Constraints.Environment.IsValid() {
		return fmt.Errorf("unknown environment %q", w.Constraints.Environment)
	}
	return nil
}

// CurrentPhase returns the most recently started phase, or nil.
func (w *Workflow) CurrentPhase() *Phase {
	if len(w.Phases) == 0 {
		return nil
	}
	return w.Phases[len(w.Phases)-1]
}

// AllFindings returns every finding recorded across all phases.
func (w *Workflow) AllFindings() []Finding {
	var out []Finding
	for _, p := range w.Phases {
		for _, inv := range p.Invocations {
			out = append(out, inv.Findings...)
		}
	}
	return out
}

// CompletedTools returns the names of tools that have finished executing.
func (w *Workflow) CompletedTools() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range w.Phases {
		for _, inv := range p.Invocations {
			if inv.Outcome == "" || seen[inv.Tool] {
				continue
			}
			seen[inv.Tool] = true
			out = append(out, inv.Tool)
		}
	}
	return out
}
