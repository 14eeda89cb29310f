package model

import "testing"

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from WorkflowStatus
		to   WorkflowStatus
		ok   bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusAborted, true},
		{StatusPending, StatusAwaitingApproval, false},
		{StatusRunning, StatusAwaitingApproval, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusPending, false},
		{StatusAwaitingApproval, StatusRunning, true},
		{StatusAwaitingApproval, StatusAborted, true},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusCompleted, false},
		{StatusAborted, StatusAborted, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestPhaseProgression(t *testing.T) {
	if PhaseRecon.Next() != PhaseAnalyze {
		t.Error("recon should advance to analyze")
	}
	if PhaseAnalyze.Next() != PhaseExploit {
		t.Error("analyze should advance to exploit")
	}
	if PhaseExploit.Next() != "" {
		t.Error("exploit is the final phase")
	}
	if !PhaseRecon.Before(PhaseExploit) {
		t.Error("recon precedes exploit")
	}
	if PhaseName("teardown").IsValid() {
		t.Error("unknown phase should be invalid")
	}
}

func TestWorkflowValidate(t *testing.T) {
	wf := &Workflow{Target: "example.com", UserIntent: "scan"}
	if err := wf.Validate(); err != nil {
		t.Errorf("valid workflow rejected: %v", err)
	}

	if err := (&Workflow{UserIntent: "scan"}).Validate(); err == nil {
		t.Error("missing target should fail validation")
	}
	if err := (&Workflow{Target: "example.com"}).Validate(); err == nil {
		t.Error("missing intent should fail validation")
	}

	wf.Constraints.Environment = "lab"
	if err := wf.Validate(); err == nil {
		t.Error("unknown environment should fail validation")
	}
}

func TestFindingPredicates(t *testing.T) {
	if !(Finding{Type: FindingSubdomain}).IsEnumeration() {
		t.Error("subdomain findings are enumeration")
	}
	if (Finding{Type: FindingVulnerable}).IsEnumeration() {
		t.Error("vulnerabilities are not enumeration")
	}

	tests := []struct {
		f    Finding
		want bool
	}{
		{Finding{Severity: SeverityCritical}, true},
		{Finding{Severity: SeverityHigh, Confidence: 0.1}, true},
		{Finding{Severity: SeverityMedium, Confidence: 0.9}, true},
		{Finding{Severity: SeverityMedium, Confidence: 0.5}, false},
		{Finding{Severity: SeverityLow, Confidence: 1.0}, false},
		{Finding{Severity: SeverityInfo}, false},
	}
	for _, tt := range tests {
		if got := tt.f.IsExploitable(); got != tt.want {
			t.Errorf("IsExploitable(%s conf=%.1f) = %v, want %v",
				tt.f.Severity, tt.f.Confidence, got, tt.want)
		}
	}
}

func TestFindingBound(t *testing.T) {
	long := make([]byte, MaxEvidenceBytes+100)
	for i := range long {
		long[i] = 'x'
	}
	f := Finding{Evidence: string(long)}.Bound()
	if len(f.Evidence) > MaxEvidenceBytes+len("\n[truncated]") {
		t.Errorf("evidence not truncated, len %d", len(f.Evidence))
	}

	short := Finding{Evidence: "small"}.Bound()
	if short.Evidence != "small" {
		t.Error("short evidence should pass through unchanged")
	}
}

func TestNormalizeSeverity(t *testing.T) {
	tests := map[string]Severity{
		"Critical": SeverityCritical,
		"HIGH":     SeverityHigh,
		"moderate": SeverityMedium,
		"minor":    SeverityLow,
		"weird":    SeverityInfo,
		"":         SeverityInfo,
	}
	for in, want := range tests {
		if got := NormalizeSeverity(in); got != want {
			t.Errorf("NormalizeSeverity(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestSummarizeAndDigest(t *testing.T) {
	findings := []Finding{
		{Severity: SeverityCritical, OWASPCategory: "A03", Controls: []string{"AC-3"}},
		{Severity: SeverityHigh, OWASPCategory: "A03", Controls: []string{"SC-8", "AC-3"}},
		{Severity: SeverityInfo},
	}

	s := Summarize(findings)
	if s.Total != 3 {
		t.Errorf("Total = %d, want 3", s.Total)
	}
	if s.BySeverity[SeverityCritical] != 1 || s.BySeverity[SeverityHigh] != 1 {
		t.Errorf("severity counts wrong: %v", s.BySeverity)
	}
	if s.ByOWASP["A03"] != 2 {
		t.Errorf("OWASP counts wrong: %v", s.ByOWASP)
	}
	if len(s.Critical) != 1 {
		t.Errorf("critical subset wrong: %d", len(s.Critical))
	}

	d := Digest(findings)
	if len(d.Controls) != 2 || d.Controls[0] != "AC-3" || d.Controls[1] != "SC-8" {
		t.Errorf("controls should be a sorted union, got %v", d.Controls)
	}

	empty := Summarize(nil)
	if empty.Total != 0 || empty.BySeverity != nil {
		t.Errorf("empty summary should carry no maps: %+v", empty)
	}
}

func TestRecommendationKey(t *testing.T) {
	a := Recommendation{Tool: "port-scanner", Parameters: map[string]any{"target": "a.example.com"}}
	b := Recommendation{Tool: "port-scanner", Parameters: map[string]any{"target": "b.example.com"}}
	c := Recommendation{Tool: "port-scanner", Parameters: map[string]any{"target": "a.example.com", "ports": "80"}}

	if a.Key() == b.Key() {
		t.Error("different targets must produce different keys")
	}
	if a.Key() != c.Key() {
		t.Error("extra parameters must not change the key")
	}
	if (Recommendation{Tool: "x", Parameters: map[string]any{"target": 7}}).TargetParam() != "" {
		t.Error("non-string target should read as empty")
	}
}

func TestWorkflowAggregates(t *testing.T) {
	wf := &Workflow{
		Phases: []*Phase{
			{Name: PhaseRecon, Invocations: []*Invocation{
				{Tool: "enum", Outcome: OutcomeSuccess, Findings: []Finding{{Type: FindingSubdomain}}},
				{Tool: "enum", Outcome: OutcomeSuccess},
				{Tool: "probe"},
			}},
			{Name: PhaseAnalyze, Invocations: []*Invocation{
				{Tool: "inspect", Outcome: OutcomeFailed, Findings: []Finding{{Type: FindingVulnerable}}},
			}},
		},
	}

	if n := len(wf.AllFindings()); n != 2 {
		t.Errorf("AllFindings = %d, want 2", n)
	}

	tools := wf.CompletedTools()
	if len(tools) != 2 || tools[0] != "enum" || tools[1] != "inspect" {
		t.Errorf("CompletedTools = %v; must dedup and skip unfinished", tools)
	}

	if wf.CurrentPhase().Name != PhaseAnalyze {
		t.Error("CurrentPhase should be the latest")
	}
}
