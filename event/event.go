// Package event implements the per-workflow ordered event bus. Every
// observable state transition in a workflow is published here; CLI
// monitors, UIs, and audit sinks subscribe.
package event

import "time"

// Kind tags an event with its type. The set is closed: components never
// publish ad-hoc string event names.
type Kind string

const (
	KindPhaseStart         Kind = "phase:start"
	KindPhaseComplete      Kind = "phase:complete"
	KindInvocationStart    Kind = "invocation:start"
	KindInvocationProgress Kind = "invocation:progress"
	KindInvocationComplete Kind = "invocation:complete"
	KindPlannerStrategy    Kind = "planner:strategy"
	KindRestraintDecision  Kind = "restraint:decision"
	KindApprovalRequest    Kind = "approval:request"
	KindApprovalResolved   Kind = "approval:resolved"
	KindWorkflowStatus     Kind = "workflow:status"
	KindError              Kind = "error"
)

// Event is a tagged record on the bus. The JSON layout matches the wire
// format surfaced to external consumers.
type Event struct {
	Kind       Kind           `json:"type"`
	WorkflowID string         `json:"workflowId"`
	Seq        uint64         `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// Terminal returns true for events that end a workflow's stream: a
// workflow:status event carrying a terminal status.
func (e Event) Terminal() bool {
	if e.Kind != KindWorkflowStatus {
		return false
	}
	switch e.Data["status"] {
	case "completed", "failed", "aborted":
		return true
	default:
		return false
	}
}

// Item is one element of a subscriber's stream. Lagged is non-zero when
// the subscriber's queue overflowed: it counts the events dropped before
// Event was delivered.
type Item struct {
	Event  Event
	Lagged uint64
}
