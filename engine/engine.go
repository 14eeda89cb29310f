// Package engine executes planned invocations end to end: parameter
// substitution, safety overrides, restraint evaluation, approval
// gating, slot scheduling, container execution, and output parsing.
// The engine mutates the invocation in place and publishes every state
// transition to the event bus; it never decides what to run, only how.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/probeline/probeline/catalog"
	"github.com/probeline/probeline/event"
	"github.com/probeline/probeline/metrics"
	"github.com/probeline/probeline/model"
	"github.com/probeline/probeline/restraint"
	"github.com/probeline/probeline/runner"
	"github.com/probeline/probeline/subst"
)

const defaultFanOut = 4

// Config sizes the engine.
type Config struct {
	// MaxConcurrent bounds simultaneously running containers.
	MaxConcurrent int

	// ContainerLimits applies to every tool container.
	ContainerLimits runner.Limits
}

// Task is one invocation to execute, with the workflow context the
// engine needs to judge and run it.
type Task struct {
	WorkflowID  string
	Phase       model.PhaseName
	Target      string
	Environment model.Environment
	Constraints model.Constraints
	Credentials *model.Credentials

	// Invocation is mutated in place as the lifecycle progresses.
	Invocation *model.Invocation

	// SafetyChecks are the planner-declared safety tags, applied as
	// parameter overrides before restraint evaluation.
	SafetyChecks []string
}

// Engine runs tasks.
type Engine struct {
	runner    runner.Runner
	catalog   *catalog.Catalog
	restraint *restraint.Engine
	bus       *event.Bus
	gate      ApprovalGate
	results   *Results
	disp      *dispatcher
	limits    runner.Limits
	logger    *slog.Logger
}

// New creates an engine.
func New(run runner.Runner, cat *catalog.Catalog, re *restraint.Engine, bus *event.Bus, gate ApprovalGate, cfg Config, logger *slog.Logger) *Engine {
	if gate == nil {
		gate = DenyAllGate{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		runner:    run,
		catalog:   cat,
		restraint: re,
		bus:       bus,
		gate:      gate,
		results:   NewResults(),
		disp:      newDispatcher(cfg.MaxConcurrent),
		limits:    cfg.ContainerLimits,
		logger:    logger,
	}
}

// Results exposes the engine's result store for retention cleanup.
func (e *Engine) Results() *Results {
	return e.results
}

// Execute runs one task through the full lifecycle. The invocation is
// always settled on return: every exit path records an outcome or a
// disposition that explains why nothing ran. The returned error is nil
// except for context cancellation, which the caller distinguishes from
// per-invocation failure.
func (e *Engine) Execute(ctx context.Context, task Task) error {
	inv := task.Invocation
	inv.StartedAt = time.Now().UTC()

	e.publish(task, event.KindInvocationStart, map[string]any{
		"invocation_id": inv.ID,
		"tool":          inv.Tool,
		"priority":      string(inv.Priority),
		"purpose":       inv.Purpose,
	})

	entry, err := e.catalog.Get(inv.Tool)
	if err != nil {
		e.settleSkipped(task, fmt.Sprintf("unknown tool: %s", inv.Tool))
		return nil
	}

	params, err := subst.ResolveParams(inv.Parameters, e.results.Source(task.WorkflowID))
	if err != nil {
		e.settleSkipped(task, fmt.Sprintf("parameter substitution: %v", err))
		return nil
	}
	params = applySafetyOverrides(params, task.SafetyChecks)
	inv.Parameters = params

	targets := targetList(params["target"])
	if len(targets) == 0 {
		targets = []string{task.Target}
	}

	scope := task.Constraints.Scope
	if len(scope) == 0 {
		scope = []string{strings.ToLower(task.Target)}
	}

	allowed, decision := e.judge(task, entry, params, targets, scope)
	metrics.RecordRestraintDecision(string(decision.Action))
	e.publish(task, event.KindRestraintDecision, map[string]any{
		"tool":          inv.Tool,
		"invocation_id": inv.ID,
		"action":        string(decision.Action),
		"reason":        decision.Reason,
		"matched_rules": decision.MatchedRules,
		"monitor":       decision.Monitor,
	})

	switch decision.Action {
	case restraint.ActionDeny:
		inv.Disposition = model.DispositionDenied
		inv.DispositionReason = decision.Reason
		e.settleSkipped(task, decision.Reason)
		return nil

	case restraint.ActionRequireApproval:
		inv.Disposition = model.DispositionAwaitingApproval
		inv.DispositionReason = decision.Reason

		approval, err := e.gate.RequestApproval(ctx, ApprovalRequest{
			WorkflowID:   task.WorkflowID,
			InvocationID: inv.ID,
			Tool:         inv.Tool,
			Target:       strings.Join(allowed, ","),
			Reason:       decision.Reason,
		})
		if err != nil {
			if ctx.Err() != nil {
				e.settleSkipped(task, "cancelled while awaiting approval")
				return ctx.Err()
			}
			e.settleSkipped(task, fmt.Sprintf("approval failed: %v", err))
			return nil
		}
		if !approval.Approved {
			inv.Disposition = model.DispositionDenied
			inv.DispositionReason = "approval rejected: " + approval.Reason
			e.settleSkipped(task, inv.DispositionReason)
			return nil
		}
	}

	if len(decision.Overrides) > 0 {
		inv.Disposition = model.DispositionAllowedMitigated
		restraint.ApplyOverrides(params, decision.Overrides)
	} else {
		inv.Disposition = model.DispositionAllowed
	}

	metrics.QueuedInvocations.Inc()
	err = e.disp.acquire(ctx, inv.Priority.Rank())
	metrics.QueuedInvocations.Dec()
	if err != nil {
		e.settleSkipped(task, "cancelled while queued")
		return err
	}
	defer e.disp.release()

	if ctx.Err() != nil {
		e.settleSkipped(task, "cancelled")
		return ctx.Err()
	}

	return e.run(ctx, task, entry, params, allowed, decision.Monitor)
}

// judge evaluates restraint per target element and returns the targets
// that may proceed plus the composed decision. Deny wins only when
// every element is denied; partially denied fan-outs proceed with the
// surviving elements.
func (e *Engine) judge(task Task, entry *catalog.Entry, params map[string]any, targets, scope []string) ([]string, restraint.Decision) {
	var (
		allowed  []string
		combined restraint.Decision
		first    = true
		denied   restraint.Decision
	)
	for _, target := range targets {
		d := e.restraint.Evaluate(restraint.Request{
			WorkflowID:   task.WorkflowID,
			Tool:         task.Invocation.Tool,
			SafetyClass:  string(entry.SafetyClass),
			Phase:        string(task.Phase),
			Environment:  string(task.Environment),
			Target:       target,
			Scope:        scope,
			ExcludeTools: task.Constraints.ExcludeTools,
			Params:       params,
		})
		if d.Action == restraint.ActionDeny {
			denied = d
			e.logger.Info("Target denied by restraint",
				"workflow_id", task.WorkflowID,
				"tool", task.Invocation.Tool,
				"target", target,
				"reason", d.Reason)
			continue
		}
		allowed = append(allowed, target)
		if first {
			combined = d
			first = false
			continue
		}
		if d.Action == restraint.ActionRequireApproval {
			combined.Action = restraint.ActionRequireApproval
			if combined.Reason == "" {
				combined.Reason = d.Reason
			}
		}
		combined.Monitor = combined.Monitor || d.Monitor
		for _, name := range d.MatchedRules {
			if !contains(combined.MatchedRules, name) {
				combined.MatchedRules = append(combined.MatchedRules, name)
			}
		}
		maps.Copy(ensureMap(&combined.Overrides), d.Overrides)
	}

	if len(allowed) == 0 {
		return nil, denied
	}
	return allowed, combined
}

// run executes the allowed targets and settles the invocation.
func (e *Engine) run(ctx context.Context, task Task, entry *catalog.Entry, params map[string]any, targets []string, monitor bool) error {
	inv := task.Invocation

	if monitor {
		e.logger.Info("Monitored invocation starting",
			"workflow_id", task.WorkflowID,
			"invocation_id", inv.ID,
			"tool", inv.Tool,
			"targets", targets)
	}

	timeout := entry.DefaultTimeout
	if ms := intParam(params, "timeout_ms"); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	runs := e.planRuns(entry, params, targets)

	type elementResult struct {
		target string
		res    *runner.Result
		err    error
	}
	results := make([]elementResult, len(runs))

	g, runCtx := errgroup.WithContext(ctx)
	limit := entry.FanOutLimit
	if limit <= 0 {
		limit = defaultFanOut
	}
	g.SetLimit(limit)

	for i, elem := range runs {
		g.Go(func() error {
			argv, err := entry.Argv(elem)
			if err != nil {
				results[i] = elementResult{target: stringParam(elem, "target"), err: err}
				return nil
			}

			metrics.ActiveContainers.Inc()
			res, err := e.runner.Run(runCtx, runner.Spec{
				InvocationID: inv.ID,
				Image:        entry.Image,
				Argv:         argv,
				Env:          e.credentialEnv(task, entry),
				Limits:       e.limits,
				Timeout:      timeout,
				Isolated:     task.Phase == model.PhaseExploit,
				CapAdd:       entry.CapAdd,
			})
			metrics.ActiveContainers.Dec()
			results[i] = elementResult{target: stringParam(elem, "target"), res: res, err: err}

			e.publish(task, event.KindInvocationProgress, map[string]any{
				"invocation_id": inv.ID,
				"tool":          inv.Tool,
				"target":        results[i].target,
				"failed":        err != nil,
			})
			return nil
		})
	}
	g.Wait()

	var (
		output    strings.Builder
		findings  []model.Finding
		anyOK     bool
		allTimed  = true
		truncated bool
		lastErr   error
		exitCode  int
	)
	for _, er := range results {
		if er.err != nil {
			lastErr = er.err
			allTimed = false
			continue
		}
		anyOK = true
		if !er.res.TimedOut {
			allTimed = false
		}
		if er.res.Truncated {
			truncated = true
		}
		if er.res.ExitCode != 0 && exitCode == 0 {
			exitCode = er.res.ExitCode
		}
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString(er.res.Output)

		if entry.Parse != nil {
			for _, f := range entry.Parse(er.res.Output) {
				findings = append(findings, e.normalize(entry, f))
			}
		}
	}

	inv.CompletedAt = time.Now().UTC()
	inv.Stdout = output.String()
	inv.Truncated = truncated
	inv.ExitCode = exitCode
	inv.Findings = findings

	switch {
	case ctx.Err() != nil && !anyOK:
		inv.Outcome = model.OutcomeSkipped
		inv.Error = "cancelled"
	case !anyOK:
		inv.Outcome = model.OutcomeFailed
		if lastErr != nil {
			inv.Error = lastErr.Error()
		}
	case allTimed:
		inv.Outcome = model.OutcomeTimeout
		inv.Error = "tool exceeded its time limit"
	default:
		inv.Outcome = model.OutcomeSuccess
	}

	e.recordResults(task.WorkflowID, inv.Tool, inv.Stdout, findings)

	for _, f := range findings {
		metrics.RecordFinding(inv.Tool, string(f.Severity))
	}
	metrics.RecordInvocation(inv.Tool, string(inv.Outcome), inv.CompletedAt.Sub(inv.StartedAt))

	e.publish(task, event.KindInvocationComplete, map[string]any{
		"invocation_id": inv.ID,
		"tool":          inv.Tool,
		"outcome":       string(inv.Outcome),
		"exit_code":     inv.ExitCode,
		"findings":      len(findings),
		"truncated":     truncated,
		"error":         inv.Error,
	})

	if ctx.Err() != nil && inv.Outcome == model.OutcomeSkipped {
		return ctx.Err()
	}
	return nil
}

// planRuns decides how the allowed targets map onto container runs.
// Batch-capable tools get one run with a joined target list; everything
// else fans out one run per element.
func (e *Engine) planRuns(entry *catalog.Entry, params map[string]any, targets []string) []map[string]any {
	if entry.Batch || len(targets) == 1 {
		p := maps.Clone(params)
		p["target"] = strings.Join(targets, ",")
		return []map[string]any{p}
	}
	runs := make([]map[string]any, 0, len(targets))
	for _, t := range targets {
		p := maps.Clone(params)
		p["target"] = t
		runs = append(runs, p)
	}
	return runs
}

func (e *Engine) normalize(entry *catalog.Entry, f model.Finding) model.Finding {
	f.Severity = model.NormalizeSeverity(string(f.Severity))
	if f.OWASPCategory == "" {
		f.OWASPCategory = entry.OWASPCategory
	}
	if len(f.Controls) == 0 {
		f.Controls = entry.Controls
	}
	if f.Confidence <= 0 || f.Confidence > 1 {
		f.Confidence = 0.5
	}
	return f.Bound()
}

func (e *Engine) recordResults(workflowID, tool, output string, findings []model.Finding) {
	res := subst.Result{Output: output}
	for _, f := range findings {
		if f.Target != "" {
			res.Targets = append(res.Targets, f.Target)
		}
	}
	e.results.Record(workflowID, tool, res)
}

func (e *Engine) credentialEnv(task Task, entry *catalog.Entry) []string {
	if !entry.AuthRequired || task.Credentials == nil {
		return nil
	}
	var env []string
	if task.Credentials.Username != "" {
		env = append(env, "PROBELINE_USERNAME="+task.Credentials.Username)
	}
	if task.Credentials.Password != "" {
		env = append(env, "PROBELINE_PASSWORD="+task.Credentials.Password)
	}
	if task.Credentials.Token != "" {
		env = append(env, "PROBELINE_TOKEN="+task.Credentials.Token)
	}
	return env
}

// settleSkipped records a skipped outcome and publishes completion.
func (e *Engine) settleSkipped(task Task, reason string) {
	inv := task.Invocation
	inv.Outcome = model.OutcomeSkipped
	inv.Error = reason
	if inv.CompletedAt.IsZero() {
		inv.CompletedAt = time.Now().UTC()
	}

	metrics.RecordInvocation(inv.Tool, string(inv.Outcome), 0)
	e.publish(task, event.KindInvocationComplete, map[string]any{
		"invocation_id": inv.ID,
		"tool":          inv.Tool,
		"outcome":       string(inv.Outcome),
		"disposition":   string(inv.Disposition),
		"error":         reason,
	})
}

func (e *Engine) publish(task Task, kind event.Kind, data map[string]any) {
	e.bus.Publish(task.WorkflowID, kind, data)
}

// applySafetyOverrides maps declared safety tags onto concrete
// parameter overrides. Planner-supplied values survive only when they
// are already at least as strict.
func applySafetyOverrides(params map[string]any, checks []string) map[string]any {
	if len(checks) == 0 {
		return params
	}
	out := maps.Clone(params)
	if out == nil {
		out = map[string]any{}
	}
	for _, check := range checks {
		switch check {
		case model.SafetyRateLimiting:
			capNumeric(out, "requests_per_second", 10)
			floorNumeric(out, "delay_ms", 200)
		case model.SafetyNonIntrusive, model.SafetyReadOnly:
			out["mode"] = "detect-only"
		case model.SafetyPayloadLimit:
			capNumeric(out, "max_payload_bytes", 4096)
		case model.SafetyTestAccount:
			out["use_test_account"] = true
		}
	}
	return out
}

// capNumeric sets key to at most limit.
func capNumeric(params map[string]any, key string, limit int) {
	if v := intParam(params, key); v == 0 || v > limit {
		params[key] = limit
	}
}

// floorNumeric sets key to at least floor.
func floorNumeric(params map[string]any, key string, floor int) {
	if v := intParam(params, key); v < floor {
		params[key] = floor
	}
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// targetList normalizes the target parameter into a string slice.
func targetList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func ensureMap(m *map[string]any) map[string]any {
	if *m == nil {
		*m = map[string]any{}
	}
	return *m
}
