package model

import "time"

// PhaseName identifies a workflow phase.
type PhaseName string

const (
	PhaseRecon   PhaseName = "recon"
	PhaseAnalyze PhaseName = "analyze"
	PhaseExploit PhaseName = "exploit"
)

// phaseOrder fixes the progression recon < analyze < exploit.
var phaseOrder = map[PhaseName]int{
	PhaseRecon:   0,
	PhaseAnalyze: 1,
	PhaseExploit: 2,
}

// IsValid returns true for a recognised phase name.
func (p PhaseName) IsValid() bool {
	_, ok := phaseOrder[p]
	return ok
}

// Next returns the phase that follows p, or "" for the final phase.
func (p PhaseName) Next() PhaseName {
	switch p {
	case PhaseRecon:
		return PhaseAnalyze
	case PhaseAnalyze:
		return PhaseExploit
	default:
		return ""
	}
}

// Before returns true if p precedes other in the phase progression.
func (p PhaseName) Before(other PhaseName) bool {
	return phaseOrder[p] < phaseOrder[other]
}

// Phase is a named segment of workflow work. It is appended by the phase
// executor and never mutated after the advance decision is recorded.
type Phase struct {
	Name        PhaseName `json:"name"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// Invocations is the ordered list of tool executions in this phase.
	Invocations []*Invocation `json:"invocations"`

	// Summary aggregates this phase's findings.
	Summary FindingsSummary `json:"summary"`

	// Advanced records whether the advance predicate held, and why.
	Advanced      bool   `json:"advanced"`
	AdvanceReason string `json:"advance_reason,omitempty"`
}

// Findings returns all findings across the phase's invocations.
func (p *Phase) Findings() []Finding {
	var out []Finding
	for _, inv := range p.Invocations {
		out = append(out, inv.Findings...)
	}
	return out
}
