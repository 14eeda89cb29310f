package engine

import (
	"slices"
	"sync"

	"github.com/probeline/probeline/subst"
)

// Results stores queryable per-workflow tool outputs for parameter
// substitution. Repeated runs of the same tool merge their discovered
// targets; the raw output keeps the latest run only.
type Results struct {
	mu         sync.RWMutex
	byWorkflow map[string]map[string]subst.Result
}

// NewResults creates an empty result store.
func NewResults() *Results {
	return &Results{byWorkflow: make(map[string]map[string]subst.Result)}
}

// Record merges a tool's result into the workflow's store.
func (r *Results) Record(workflowID, tool string, res subst.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tools, ok := r.byWorkflow[workflowID]
	if !ok {
		tools = make(map[string]subst.Result)
		r.byWorkflow[workflowID] = tools
	}

	prev := tools[tool]
	merged := subst.Result{Output: res.Output, Targets: prev.Targets}
	if merged.Output == "" {
		merged.Output = prev.Output
	}
	for _, t := range res.Targets {
		if !slices.Contains(merged.Targets, t) {
			merged.Targets = append(merged.Targets, t)
		}
	}
	tools[tool] = merged
}

// Drop removes all stored results for a workflow.
func (r *Results) Drop(workflowID string) {
	r.mu.Lock()
	delete(r.byWorkflow, workflowID)
	r.mu.Unlock()
}

// Source returns a subst.Source scoped to one workflow.
func (r *Results) Source(workflowID string) subst.Source {
	return workflowSource{store: r, workflowID: workflowID}
}

type workflowSource struct {
	store      *Results
	workflowID string
}

func (s workflowSource) Lookup(tool string) (subst.Result, bool) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	res, ok := s.store.byWorkflow[s.workflowID][tool]
	return res, ok
}
