package engine_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probeline/probeline/catalog"
	"github.com/probeline/probeline/engine"
	"github.com/probeline/probeline/event"
	"github.com/probeline/probeline/model"
	"github.com/probeline/probeline/restraint"
	"github.com/probeline/probeline/runner"
)

// fakeRunner records specs and returns canned output per image.
type fakeRunner struct {
	mu         sync.Mutex
	specs      []runner.Spec
	concurrent int
	maxSeen    int

	delay  time.Duration
	output string
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, spec runner.Spec) (*runner.Result, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.concurrent++
	if f.concurrent > f.maxSeen {
		f.maxSeen = f.concurrent
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.concurrent--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := f.output
	if out == "" {
		out = "ok " + strings.Join(spec.Argv, " ")
	}
	return &runner.Result{Output: out, ExitCode: 0}, nil
}

func (f *fakeRunner) calls() []runner.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.Spec{}, f.specs...)
}

// lineParser turns each non-empty output line into an endpoint finding.
func lineParser(stdout string) []model.Finding {
	var out []model.Finding
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "ok ") {
			continue
		}
		out = append(out, model.Finding{
			Type:     model.FindingEndpoint,
			Severity: model.SeverityInfo,
			Title:    "found " + line,
			Target:   line,
		})
	}
	return out
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	argv := func(params map[string]any) ([]string, error) {
		target, _ := params["target"].(string)
		if target == "" {
			return nil, fmt.Errorf("parameter %q is required", "target")
		}
		return []string{"run", target}, nil
	}

	c, err := catalog.New(
		&catalog.Entry{
			Name:           "enumerate",
			Image:          "test/enumerate:1",
			Argv:           argv,
			Parse:          lineParser,
			DefaultTimeout: time.Minute,
			SafetyClass:    catalog.SafetyPassive,
			Phases:         []model.PhaseName{model.PhaseRecon},
		},
		&catalog.Entry{
			Name:           "probe",
			Image:          "test/probe:1",
			Argv:           argv,
			Parse:          lineParser,
			DefaultTimeout: time.Minute,
			SafetyClass:    catalog.SafetyIntrusive,
			Phases:         []model.PhaseName{model.PhaseExploit},
			OWASPCategory:  "A03",
		},
	)
	require.NoError(t, err)
	return c
}

func newEngine(t *testing.T, run runner.Runner, gate engine.ApprovalGate, maxConcurrent int) (*engine.Engine, *event.Bus) {
	t.Helper()
	bus := event.NewBus()
	e := engine.New(run, testCatalog(t), restraint.NewEngine(nil, nil), bus, gate, engine.Config{
		MaxConcurrent: maxConcurrent,
	}, nil)
	return e, bus
}

func task(workflowID, tool, target string) engine.Task {
	return engine.Task{
		WorkflowID:  workflowID,
		Phase:       model.PhaseRecon,
		Target:      target,
		Environment: model.EnvStaging,
		Constraints: model.Constraints{Scope: []string{target, "*." + target}},
		Invocation: &model.Invocation{
			ID:         "inv-" + tool,
			Tool:       tool,
			Parameters: map[string]any{"target": target},
			Priority:   model.PriorityMedium,
		},
	}
}

func TestExecuteSuccess(t *testing.T) {
	run := &fakeRunner{output: "api.example.com\nwww.example.com"}
	e, bus := newEngine(t, run, nil, 2)

	tk := task("wf-1", "enumerate", "example.com")
	require.NoError(t, e.Execute(context.Background(), tk))

	inv := tk.Invocation
	assert.Equal(t, model.DispositionAllowed, inv.Disposition)
	assert.Equal(t, model.OutcomeSuccess, inv.Outcome)
	assert.Len(t, inv.Findings, 2)
	assert.False(t, inv.StartedAt.IsZero())
	assert.False(t, inv.CompletedAt.IsZero())

	// Results are queryable for substitution.
	res, ok := e.Results().Source("wf-1").Lookup("enumerate")
	require.True(t, ok)
	assert.Equal(t, []string{"api.example.com", "www.example.com"}, res.Targets)

	// Event stream carries the lifecycle in order.
	var kinds []event.Kind
	for _, ev := range bus.History("wf-1") {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []event.Kind{
		event.KindInvocationStart,
		event.KindRestraintDecision,
		event.KindInvocationProgress,
		event.KindInvocationComplete,
	}, kinds)
}

func TestExecuteSubstitutionAndFanOut(t *testing.T) {
	run := &fakeRunner{output: "x"}
	e, _ := newEngine(t, run, nil, 4)

	first := task("wf-2", "enumerate", "example.com")
	first.Invocation.Parameters["target"] = "example.com"
	run.output = "a.example.com\nb.example.com"
	require.NoError(t, e.Execute(context.Background(), first))

	run.output = ""
	second := task("wf-2", "enumerate", "example.com")
	second.Invocation.ID = "inv-2"
	second.Invocation.Parameters["target"] = "{{enumerate.targets}}"
	require.NoError(t, e.Execute(context.Background(), second))

	calls := run.calls()
	require.Len(t, calls, 3, "one for discovery, one per discovered element")
	var argvs []string
	for _, c := range calls[1:] {
		argvs = append(argvs, strings.Join(c.Argv, " "))
	}
	assert.ElementsMatch(t, []string{"run a.example.com", "run b.example.com"}, argvs)
}

func TestExecuteUnresolvedRefSkips(t *testing.T) {
	run := &fakeRunner{}
	e, _ := newEngine(t, run, nil, 2)

	tk := task("wf-3", "enumerate", "example.com")
	tk.Invocation.Parameters["target"] = "{{never-ran.targets}}"

	require.NoError(t, e.Execute(context.Background(), tk))

	// The placeholder survives substitution, then fails scope evaluation.
	assert.Equal(t, model.OutcomeSkipped, tk.Invocation.Outcome)
	assert.Equal(t, model.DispositionDenied, tk.Invocation.Disposition)
	assert.Empty(t, run.calls())
}

func TestExecuteDeniesOutOfScope(t *testing.T) {
	run := &fakeRunner{}
	e, bus := newEngine(t, run, nil, 2)

	tk := task("wf-4", "enumerate", "example.com")
	tk.Invocation.Parameters["target"] = "victim.org"

	require.NoError(t, e.Execute(context.Background(), tk))

	inv := tk.Invocation
	assert.Equal(t, model.DispositionDenied, inv.Disposition)
	assert.Equal(t, model.OutcomeSkipped, inv.Outcome)
	assert.Contains(t, inv.DispositionReason, "scope")
	assert.Empty(t, run.calls(), "nothing runs on deny")

	// Even a denied invocation announces itself before the verdict.
	history := bus.History("wf-4")
	require.Len(t, history, 3)
	assert.Equal(t, event.KindInvocationStart, history[0].Kind)
	assert.Equal(t, event.KindRestraintDecision, history[1].Kind)
	assert.Equal(t, event.KindInvocationComplete, history[2].Kind)
}

func TestExecuteUnknownToolSkips(t *testing.T) {
	run := &fakeRunner{}
	e, _ := newEngine(t, run, nil, 2)

	tk := task("wf-5", "no-such-tool", "example.com")
	require.NoError(t, e.Execute(context.Background(), tk))

	assert.Equal(t, model.OutcomeSkipped, tk.Invocation.Outcome)
	assert.Contains(t, tk.Invocation.Error, "unknown tool")
}

type scriptedGate struct {
	approve  bool
	reason   string
	requests []engine.ApprovalRequest
}

func (g *scriptedGate) RequestApproval(_ context.Context, req engine.ApprovalRequest) (engine.ApprovalDecision, error) {
	g.requests = append(g.requests, req)
	return engine.ApprovalDecision{Approved: g.approve, Reason: g.reason, DecidedBy: "tester"}, nil
}

func productionExploitTask(workflowID string) engine.Task {
	tk := task(workflowID, "probe", "example.com")
	tk.Phase = model.PhaseExploit
	tk.Environment = model.EnvProduction
	return tk
}

func TestExecuteApprovalGranted(t *testing.T) {
	run := &fakeRunner{output: "weak-endpoint"}
	gate := &scriptedGate{approve: true}
	e, _ := newEngine(t, run, gate, 2)

	tk := productionExploitTask("wf-6")
	require.NoError(t, e.Execute(context.Background(), tk))

	require.Len(t, gate.requests, 1)
	assert.Equal(t, "probe", gate.requests[0].Tool)

	inv := tk.Invocation
	assert.Equal(t, model.OutcomeSuccess, inv.Outcome)
	// The production rate-limit mitigation applied on top of approval.
	assert.Equal(t, model.DispositionAllowedMitigated, inv.Disposition)
	assert.EqualValues(t, 5, inv.Parameters["requests_per_second"])
}

func TestMitigationsNeverRelaxUserParams(t *testing.T) {
	run := &fakeRunner{output: "weak-endpoint"}
	gate := &scriptedGate{approve: true}
	e, _ := newEngine(t, run, gate, 2)

	// Stricter than the production rate-limit mitigation (5 rps, 500ms).
	tk := productionExploitTask("wf-strict")
	tk.Invocation.Parameters["requests_per_second"] = 1
	tk.Invocation.Parameters["delay_ms"] = 1000

	require.NoError(t, e.Execute(context.Background(), tk))

	inv := tk.Invocation
	assert.Equal(t, model.DispositionAllowedMitigated, inv.Disposition)
	assert.EqualValues(t, 1, inv.Parameters["requests_per_second"], "a stricter user cap survives")
	assert.EqualValues(t, 1000, inv.Parameters["delay_ms"], "a longer user delay survives")

	// Laxer values still get tightened.
	lax := productionExploitTask("wf-lax")
	lax.Invocation.Parameters["requests_per_second"] = 100
	lax.Invocation.Parameters["delay_ms"] = 10

	require.NoError(t, e.Execute(context.Background(), lax))
	assert.EqualValues(t, 5, lax.Invocation.Parameters["requests_per_second"])
	assert.EqualValues(t, 500, lax.Invocation.Parameters["delay_ms"])
}

func TestExploitPhaseRunsIsolated(t *testing.T) {
	run := &fakeRunner{output: "x"}
	e, _ := newEngine(t, run, nil, 2)

	tk := task("wf-iso", "probe", "example.com")
	tk.Phase = model.PhaseExploit
	require.NoError(t, e.Execute(context.Background(), tk))

	calls := run.calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Isolated, "exploit tools get no network bridge")

	recon := task("wf-iso", "enumerate", "example.com")
	require.NoError(t, e.Execute(context.Background(), recon))

	calls = run.calls()
	require.Len(t, calls, 2)
	assert.False(t, calls[1].Isolated)
}

func TestExecuteApprovalRejected(t *testing.T) {
	run := &fakeRunner{}
	gate := &scriptedGate{approve: false, reason: "too risky today"}
	e, _ := newEngine(t, run, gate, 2)

	tk := productionExploitTask("wf-7")
	require.NoError(t, e.Execute(context.Background(), tk))

	inv := tk.Invocation
	assert.Equal(t, model.DispositionDenied, inv.Disposition)
	assert.Contains(t, inv.DispositionReason, "too risky today")
	assert.Equal(t, model.OutcomeSkipped, inv.Outcome)
	assert.Empty(t, run.calls())
}

func TestExecuteDefaultGateFailsClosed(t *testing.T) {
	run := &fakeRunner{}
	e, _ := newEngine(t, run, nil, 2)

	tk := productionExploitTask("wf-8")
	require.NoError(t, e.Execute(context.Background(), tk))

	assert.Equal(t, model.DispositionDenied, tk.Invocation.Disposition)
	assert.Empty(t, run.calls())
}

func TestExecuteConcurrencyBound(t *testing.T) {
	run := &fakeRunner{delay: 30 * time.Millisecond}
	e, _ := newEngine(t, run, nil, 2)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tk := task(fmt.Sprintf("wf-c%d", n), "enumerate", "example.com")
			assert.NoError(t, e.Execute(context.Background(), tk))
		}(i)
	}
	wg.Wait()

	run.mu.Lock()
	defer run.mu.Unlock()
	assert.LessOrEqual(t, run.maxSeen, 2, "no more than MaxConcurrent containers at once")
	assert.Len(t, run.specs, 6)
}

func TestExecuteCancelledWhileQueued(t *testing.T) {
	run := &fakeRunner{delay: 200 * time.Millisecond}
	e, _ := newEngine(t, run, nil, 1)

	blocker := task("wf-block", "enumerate", "example.com")
	go e.Execute(context.Background(), blocker)
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	tk := task("wf-9", "enumerate", "example.com")
	done := make(chan error, 1)
	go func() { done <- e.Execute(ctx, tk) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.OutcomeSkipped, tk.Invocation.Outcome)
	assert.Contains(t, tk.Invocation.Error, "queued")
}

func TestSafetyOverridesApplied(t *testing.T) {
	run := &fakeRunner{}
	e, _ := newEngine(t, run, nil, 2)

	tk := task("wf-10", "enumerate", "example.com")
	tk.SafetyChecks = []string{model.SafetyRateLimiting, model.SafetyNonIntrusive}
	tk.Invocation.Parameters["requests_per_second"] = 100

	require.NoError(t, e.Execute(context.Background(), tk))

	assert.EqualValues(t, 10, tk.Invocation.Parameters["requests_per_second"], "planner value capped")
	assert.EqualValues(t, 200, tk.Invocation.Parameters["delay_ms"])
	assert.Equal(t, "detect-only", tk.Invocation.Parameters["mode"])
}

func TestCredentialsInjectedOnlyWhenRequired(t *testing.T) {
	run := &fakeRunner{}
	cat, err := catalog.New(&catalog.Entry{
		Name:  "authed",
		Image: "test/authed:1",
		Argv: func(params map[string]any) ([]string, error) {
			return []string{"go"}, nil
		},
		DefaultTimeout: time.Minute,
		SafetyClass:    catalog.SafetyActive,
		AuthRequired:   true,
		Phases:         []model.PhaseName{model.PhaseAnalyze},
	})
	require.NoError(t, err)

	e := engine.New(run, cat, restraint.NewEngine(nil, nil), event.NewBus(), nil, engine.Config{MaxConcurrent: 1}, nil)

	tk := engine.Task{
		WorkflowID:  "wf-11",
		Phase:       model.PhaseAnalyze,
		Target:      "example.com",
		Environment: model.EnvStaging,
		Constraints: model.Constraints{Scope: []string{"example.com"}},
		Credentials: &model.Credentials{Username: "qa", Password: "hunter2"},
		Invocation: &model.Invocation{
			ID:         "inv-auth",
			Tool:       "authed",
			Parameters: map[string]any{"target": "example.com"},
		},
	}
	require.NoError(t, e.Execute(context.Background(), tk))

	calls := run.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Env, "PROBELINE_USERNAME=qa")
	assert.Contains(t, calls[0].Env, "PROBELINE_PASSWORD=hunter2")
}
