package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/probeline/probeline/catalog"
	"github.com/probeline/probeline/engine"
	"github.com/probeline/probeline/event"
	"github.com/probeline/probeline/metrics"
	"github.com/probeline/probeline/model"
	"github.com/probeline/probeline/planner"
	"github.com/probeline/probeline/subst"
)

// ExploitGateTool is the pseudo-tool name used for the phase-entry
// approval record that gates the exploit phase.
const ExploitGateTool = "exploit-phase"

// Budgets caps wall-clock time per phase.
type Budgets struct {
	Recon   time.Duration
	Analyze time.Duration
	Exploit time.Duration
}

// DefaultBudgets returns the standard phase budgets.
func DefaultBudgets() Budgets {
	return Budgets{
		Recon:   15 * time.Minute,
		Analyze: 30 * time.Minute,
		Exploit: 45 * time.Minute,
	}
}

// For returns the budget for a phase.
func (b Budgets) For(phase model.PhaseName) time.Duration {
	switch phase {
	case model.PhaseRecon:
		return b.Recon
	case model.PhaseAnalyze:
		return b.Analyze
	case model.PhaseExploit:
		return b.Exploit
	default:
		return b.Recon
	}
}

// Executor drives one workflow through its phases: plan, execute,
// summarize, decide advancement, repeat. It is stateless across
// workflows; all mutable state lives in the State it is handed.
type Executor struct {
	planner   *planner.Client
	engine    *engine.Engine
	catalog   *catalog.Catalog
	bus       *event.Bus
	approvals *Approvals
	budgets   Budgets
	logger    *slog.Logger
}

// NewExecutor creates a phase executor.
func NewExecutor(p *planner.Client, e *engine.Engine, cat *catalog.Catalog, bus *event.Bus, approvals *Approvals, budgets Budgets, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		planner:   p,
		engine:    e,
		catalog:   cat,
		bus:       bus,
		approvals: approvals,
		budgets:   budgets,
		logger:    logger,
	}
}

// Run drives the workflow to a terminal state. It is the only writer of
// the workflow aggregate while running; all mutations happen under the
// state lock so readers see consistent snapshots.
func (x *Executor) Run(ctx context.Context, st *State) {
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("Executor panic",
				"workflow_id", st.wf.ID,
				"panic", r)
			x.finalize(st, model.StatusFailed, fmt.Sprintf("internal error: %v", r), time.Since(started))
		}
	}()

	x.setStatus(st, model.StatusRunning)

	phase := model.PhaseRecon
	for {
		ph := x.beginPhase(st, phase)
		x.runPhase(ctx, st, ph)

		advanced, reason := x.advanceDecision(ctx, st, ph)
		x.completePhase(st, ph, advanced, reason)

		if ctx.Err() != nil {
			x.finalize(st, model.StatusAborted, "cancelled", time.Since(started))
			return
		}
		if !advanced {
			break
		}
		phase = ph.Name.Next()
	}

	x.finalize(st, model.StatusCompleted, "", time.Since(started))
}

func (x *Executor) beginPhase(st *State, phase model.PhaseName) *model.Phase {
	ph := &model.Phase{Name: phase, StartedAt: time.Now().UTC()}
	st.mu.Lock()
	st.wf.Phases = append(st.wf.Phases, ph)
	st.mu.Unlock()

	x.bus.Publish(st.wf.ID, event.KindPhaseStart, map[string]any{
		"phase":  string(phase),
		"budget": x.budgets.For(phase).String(),
	})
	return ph
}

// runPhase plans and executes invocations within the phase budget.
// Each invocation that succeeds with findings triggers an adaptive
// replan; the urgent follow-ups it returns are spliced ahead of
// whatever the phase still has queued. Recommendations already
// executed in this phase are spliced out by (tool, target) key.
func (x *Executor) runPhase(ctx context.Context, st *State, ph *model.Phase) {
	phaseCtx, cancel := context.WithTimeout(ctx, x.budgets.For(ph.Name))
	defer cancel()

	executed := make(map[string]bool)
	queue := fresh(x.plan(phaseCtx, st, ph.Name).Recommendations, executed)

	for len(queue) > 0 {
		adapted := x.execute(phaseCtx, st, ph, queue)

		if phaseCtx.Err() != nil {
			x.logger.Info("Phase budget exhausted",
				"workflow_id", st.wf.ID,
				"phase", string(ph.Name))
			return
		}
		queue = fresh(adapted, executed)
	}
}

// fresh filters out recommendations already executed in this phase and
// marks the survivors.
func fresh(recs []model.Recommendation, executed map[string]bool) []model.Recommendation {
	var out []model.Recommendation
	for _, rec := range recs {
		if executed[rec.Key()] {
			continue
		}
		executed[rec.Key()] = true
		out = append(out, rec)
	}
	return out
}

// plan asks the planning service for a strategy, falling back to the
// local recommender when the service is unavailable.
func (x *Executor) plan(ctx context.Context, st *State, phase model.PhaseName) *model.Strategy {
	req := x.planRequest(st, phase)

	strategy, err := x.planner.Plan(ctx, req)
	switch {
	case err != nil:
		x.logger.Warn("Planner unavailable, using local fallback",
			"workflow_id", st.wf.ID,
			"phase", string(phase),
			"error", err)
		metrics.RecordPlannerRequest("fallback")
		strategy = planner.Fallback(req)
	case strategy.Fallback:
		metrics.RecordPlannerRequest("fallback")
	default:
		metrics.RecordPlannerRequest("ok")
	}

	x.bus.Publish(st.wf.ID, event.KindPlannerStrategy, map[string]any{
		"phase":           string(phase),
		"reasoning":       strategy.Reasoning,
		"recommendations": len(strategy.Recommendations),
		"confidence":      strategy.Confidence,
		"fallback":        strategy.Fallback,
	})
	return strategy
}

func (x *Executor) planRequest(st *State, phase model.PhaseName) planner.Request {
	st.mu.RLock()
	defer st.mu.RUnlock()

	available := x.catalog.ToolsForPhase(phase)
	if len(st.wf.Constraints.ExcludeTools) > 0 {
		available = slices.DeleteFunc(slices.Clone(available), func(t string) bool {
			return slices.Contains(st.wf.Constraints.ExcludeTools, t)
		})
	}

	return planner.Request{
		WorkflowID:     st.wf.ID,
		Target:         st.wf.Target,
		Phase:          phase,
		UserIntent:     st.wf.UserIntent,
		PriorFindings:  st.wf.AllFindings(),
		CompletedTools: st.wf.CompletedTools(),
		AvailableTools: available,
		Constraints:    st.wf.Constraints,
	}
}

// execute runs one batch of recommendations in dependency waves. A
// recommendation whose parameters reference another tool in the same
// batch waits until that producer has settled, so {{tool.property}}
// references resolve against recorded results instead of surviving as
// placeholders. Within a wave everything runs concurrently; the
// engine's dispatcher bounds actual container concurrency. Returns the
// urgent follow-ups collected from adaptive replans.
func (x *Executor) execute(ctx context.Context, st *State, ph *model.Phase, recs []model.Recommendation) []model.Recommendation {
	slices.SortStableFunc(recs, func(a, b model.Recommendation) int {
		return b.Priority.Rank() - a.Priority.Rank()
	})

	var adapted []model.Recommendation
	remaining := recs
	for len(remaining) > 0 && ctx.Err() == nil {
		wave, deferred := splitByProducer(remaining)
		adapted = append(adapted, x.runWave(ctx, st, ph, wave)...)
		remaining = deferred
	}
	return adapted
}

// splitByProducer separates recommendations runnable now from those
// whose parameters reference a tool still pending in the same batch. A
// batch with no runnable entries (mutual references) runs as-is so the
// unresolved placeholders surface downstream instead of deadlocking.
func splitByProducer(recs []model.Recommendation) (wave, deferred []model.Recommendation) {
	pending := make(map[string]bool, len(recs))
	for _, rec := range recs {
		pending[rec.Tool] = true
	}
	for _, rec := range recs {
		if referencesPending(rec, pending) {
			deferred = append(deferred, rec)
			continue
		}
		wave = append(wave, rec)
	}
	if len(wave) == 0 {
		return deferred, nil
	}
	return wave, deferred
}

func referencesPending(rec model.Recommendation, pending map[string]bool) bool {
	for _, v := range rec.Parameters {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, tool := range subst.Parse(s).Refs() {
			if tool != rec.Tool && pending[tool] {
				return true
			}
		}
	}
	return false
}

// runWave executes one wave of recommendations concurrently. Each
// invocation that succeeds with findings triggers an adaptive replan;
// the collected follow-ups are returned for the caller to splice.
func (x *Executor) runWave(ctx context.Context, st *State, ph *model.Phase, recs []model.Recommendation) []model.Recommendation {
	st.mu.RLock()
	task := engine.Task{
		WorkflowID:  st.wf.ID,
		Phase:       ph.Name,
		Target:      st.wf.Target,
		Environment: st.wf.Constraints.Environment,
		Constraints: st.wf.Constraints,
		Credentials: st.wf.Credentials,
	}
	st.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		adapted []model.Recommendation
	)
	for _, rec := range recs {
		inv := &model.Invocation{
			ID:         uuid.NewString(),
			Tool:       rec.Tool,
			Purpose:    rec.Purpose,
			Parameters: maps.Clone(rec.Parameters),
			Priority:   rec.Priority,
		}
		st.mu.Lock()
		ph.Invocations = append(ph.Invocations, inv)
		st.mu.Unlock()

		t := task
		t.Invocation = inv
		t.SafetyChecks = rec.SafetyChecks

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := x.engine.Execute(ctx, t); err != nil && ctx.Err() == nil {
				x.logger.Error("Invocation execution error",
					"workflow_id", st.wf.ID,
					"invocation_id", inv.ID,
					"tool", inv.Tool,
					"error", err)
				return
			}
			if inv.Outcome != model.OutcomeSuccess || len(inv.Findings) == 0 {
				return
			}
			urgent := x.adapt(ctx, st, ph.Name)
			mu.Lock()
			adapted = append(adapted, urgent...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return adapted
}

// adapt asks the planning service to revise the strategy in light of
// fresh findings. Only critical and high priority follow-ups come
// back; a planner outage just means the phase finishes its current
// queue unadapted.
func (x *Executor) adapt(ctx context.Context, st *State, phase model.PhaseName) []model.Recommendation {
	if ctx.Err() != nil {
		return nil
	}

	strategy, err := x.planner.Plan(ctx, x.planRequest(st, phase))
	if err != nil {
		x.logger.Debug("Adaptive replan unavailable",
			"workflow_id", st.wf.ID,
			"phase", string(phase),
			"error", err)
		return nil
	}

	var urgent []model.Recommendation
	for _, rec := range strategy.Recommendations {
		if rec.Priority == model.PriorityCritical || rec.Priority == model.PriorityHigh {
			urgent = append(urgent, rec)
		}
	}
	if len(urgent) > 0 {
		x.bus.Publish(st.wf.ID, event.KindPlannerStrategy, map[string]any{
			"phase":           string(phase),
			"reasoning":       strategy.Reasoning,
			"recommendations": len(urgent),
			"confidence":      strategy.Confidence,
			"adaptive":        true,
		})
	}
	return urgent
}

// advanceDecision decides whether the workflow moves past ph. Entering
// the exploit phase additionally requires an explicit human approval
// record for this workflow; without it the workflow completes after
// analyze regardless of findings.
func (x *Executor) advanceDecision(ctx context.Context, st *State, ph *model.Phase) (bool, string) {
	if ctx.Err() != nil {
		return false, "cancelled"
	}

	st.mu.RLock()
	phaseFindings := ph.Findings()
	allFindings := st.wf.AllFindings()
	workflowID := st.wf.ID
	target := st.wf.Target
	st.mu.RUnlock()

	switch ph.Name {
	case model.PhaseRecon:
		n := 0
		for _, f := range phaseFindings {
			if f.IsEnumeration() {
				n++
			}
		}
		if n == 0 {
			return false, "no attack surface discovered"
		}
		return true, fmt.Sprintf("discovered %d enumeration findings", n)

	case model.PhaseAnalyze:
		exploitable := 0
		for _, f := range allFindings {
			if f.IsExploitable() {
				exploitable++
			}
		}
		if exploitable == 0 {
			return false, "no exploitable findings"
		}

		x.setStatus(st, model.StatusAwaitingApproval)
		decision, err := x.approvals.RequestApproval(ctx, engine.ApprovalRequest{
			WorkflowID: workflowID,
			Tool:       ExploitGateTool,
			Target:     target,
			Reason:     fmt.Sprintf("%d exploitable finding(s) justify entering the exploit phase", exploitable),
		})
		if err != nil {
			return false, "cancelled while awaiting exploit approval"
		}
		x.setStatus(st, model.StatusRunning)
		if !decision.Approved {
			return false, "exploit phase not approved: " + decision.Reason
		}
		return true, fmt.Sprintf("%d exploitable finding(s); exploit phase approved by %s", exploitable, decision.DecidedBy)

	default:
		return false, "final phase"
	}
}

func (x *Executor) completePhase(st *State, ph *model.Phase, advanced bool, reason string) {
	st.mu.Lock()
	ph.CompletedAt = time.Now().UTC()
	ph.Summary = model.Summarize(ph.Findings())
	ph.Advanced = advanced
	ph.AdvanceReason = reason
	summary := ph.Summary
	st.mu.Unlock()

	x.bus.Publish(st.wf.ID, event.KindPhaseComplete, map[string]any{
		"phase":    string(ph.Name),
		"findings": summary.Total,
		"advanced": advanced,
		"reason":   reason,
	})
}

// setStatus applies a status transition if it is legal; illegal
// transitions (racing a cancellation) are ignored.
func (x *Executor) setStatus(st *State, status model.WorkflowStatus) {
	st.mu.Lock()
	if !st.wf.Status.CanTransitionTo(status) {
		st.mu.Unlock()
		return
	}
	st.wf.Status = status
	st.mu.Unlock()

	x.bus.Publish(st.wf.ID, event.KindWorkflowStatus, map[string]any{
		"status": status.String(),
	})
}

// finalize records the terminal state and publishes the terminal event,
// which closes the workflow's event stream.
func (x *Executor) finalize(st *State, status model.WorkflowStatus, errMsg string, elapsed time.Duration) {
	st.mu.Lock()
	if st.wf.Status.IsTerminal() {
		st.mu.Unlock()
		return
	}
	st.wf.Status = status
	st.wf.Error = errMsg
	st.wf.CompletedAt = time.Now().UTC()
	st.wf.Digest = model.Digest(st.wf.AllFindings())
	st.mu.Unlock()

	metrics.RecordWorkflowComplete(status.String(), elapsed)

	data := map[string]any{"status": status.String()}
	if errMsg != "" {
		data["error"] = errMsg
	}
	x.bus.Publish(st.wf.ID, event.KindWorkflowStatus, data)

	x.logger.Info("Workflow finished",
		"workflow_id", st.wf.ID,
		"status", status.String(),
		"duration", elapsed)
}
