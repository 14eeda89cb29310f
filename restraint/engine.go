package restraint

import (
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
)

// Request carries everything the engine needs to judge one planned
// invocation.
type Request struct {
	WorkflowID  string
	Tool        string
	SafetyClass string
	Phase       string
	Environment string

	// Target is the concrete target after parameter substitution.
	Target string

	// Scope is the workflow's target allow-list (doublestar globs). An
	// empty scope means only the workflow's primary target is in scope,
	// which callers express by passing the target itself as the scope.
	Scope []string

	// ExcludeTools is the workflow's excluded tool list.
	ExcludeTools []string

	Params map[string]any
}

// Decision is the engine's verdict on a request.
type Decision struct {
	Action Action `json:"action"`

	// Reason explains deny and require-approval decisions.
	Reason string `json:"reason,omitempty"`

	// MatchedRules names every rule that matched, in rule-set order.
	MatchedRules []string `json:"matched_rules,omitempty"`

	// Overrides is the strictest merge of all matched mitigations. The
	// caller applies these onto the invocation parameters.
	Overrides map[string]any `json:"overrides,omitempty"`

	// Monitor flags the invocation for elevated audit logging.
	Monitor bool `json:"monitor,omitempty"`
}

// Allowed returns true when the invocation may proceed without a human.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// Engine evaluates requests against the active rule set snapshot.
type Engine struct {
	rules  atomic.Pointer[RuleSet]
	logger *slog.Logger
}

// NewEngine creates an engine with the given initial rule set; nil
// falls back to the default policy.
func NewEngine(rs *RuleSet, logger *slog.Logger) *Engine {
	if rs == nil {
		rs = DefaultRuleSet()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger}
	e.rules.Store(rs)
	return e
}

// Replace atomically swaps the active rule set. In-flight evaluations
// finish against the snapshot they started with.
func (e *Engine) Replace(rs *RuleSet) {
	e.rules.Store(rs)
	e.logger.Info("Restraint rules replaced", "rule_count", len(rs.Rules))
}

// Rules returns the active rule set snapshot.
func (e *Engine) Rules() *RuleSet {
	return e.rules.Load()
}

// Evaluate composes all matching rules into one decision. Severity
// ordering: deny beats require-approval beats mitigations beats monitor
// beats allow. A rule whose predicate cannot be evaluated (bad glob) is
// treated as non-matching and logged, never as a silent allow of the
// rule's intent.
func (e *Engine) Evaluate(req Request) Decision {
	rs := e.rules.Load()
	d := Decision{Action: ActionAllow}

	for _, rule := range rs.Rules {
		matched, err := e.matches(rule.Match, req)
		if err != nil {
			e.logger.Warn("Rule predicate failed, treating as non-matching",
				"rule", rule.Name,
				"workflow_id", req.WorkflowID,
				"error", err)
			continue
		}
		if !matched {
			continue
		}
		d.MatchedRules = append(d.MatchedRules, rule.Name)

		switch rule.Action {
		case ActionDeny:
			if d.Action != ActionDeny {
				d.Action = ActionDeny
				d.Reason = reasonOrName(rule)
			}
		case ActionRequireApproval:
			if d.Action != ActionDeny && d.Action != ActionRequireApproval {
				d.Action = ActionRequireApproval
				d.Reason = reasonOrName(rule)
			}
		case ActionMitigate:
			d.Overrides = mergeStrictest(d.Overrides, rule.Overrides)
		case ActionMonitor:
			d.Monitor = true
		}
	}

	if d.Action == ActionDeny {
		// A denied invocation never runs, so mitigations are moot.
		d.Overrides = nil
	}
	return d
}

func reasonOrName(r Rule) string {
	if r.Reason != "" {
		return r.Reason
	}
	return "rule " + r.Name
}

func (e *Engine) matches(m Match, req Request) (bool, error) {
	if len(m.Tools) > 0 && !slices.Contains(m.Tools, req.Tool) {
		return false, nil
	}
	if len(m.Phases) > 0 && !slices.Contains(m.Phases, req.Phase) {
		return false, nil
	}
	if len(m.Environments) > 0 && !slices.Contains(m.Environments, req.Environment) {
		return false, nil
	}
	if len(m.SafetyClasses) > 0 && !slices.Contains(m.SafetyClasses, req.SafetyClass) {
		return false, nil
	}
	if m.ExcludedTool && !slices.Contains(req.ExcludeTools, req.Tool) {
		return false, nil
	}
	if len(m.TargetPatterns) > 0 {
		hit, err := anyPatternMatches(m.TargetPatterns, req.Target)
		if err != nil || !hit {
			return false, err
		}
	}
	if m.OutsideScope {
		inScope, err := InScope(req.Scope, req.Target)
		if err != nil {
			return false, err
		}
		if inScope {
			return false, nil
		}
	}
	return true, nil
}

// InScope reports whether target matches any scope glob. Matching is
// case-insensitive on the host portion by normalising to lower case.
func InScope(scope []string, target string) (bool, error) {
	if target == "" {
		return true, nil
	}
	normalized := strings.ToLower(target)
	return anyPatternMatches(scope, normalized)
}

func anyPatternMatches(patterns []string, value string) (bool, error) {
	for _, p := range patterns {
		ok, err := doublestar.Match(strings.ToLower(p), value)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// ApplyOverrides folds mitigation overrides into invocation parameters
// in place. A parameter the caller already set survives unless the
// override constrains more, so a user who asked for one request per
// second is never sped up by a five-per-second mitigation. Applying
// the same overrides twice leaves the parameters unchanged.
func ApplyOverrides(params, overrides map[string]any) {
	for k, v := range overrides {
		existing, ok := params[k]
		if !ok {
			params[k] = v
			continue
		}
		params[k] = stricter(k, existing, v)
	}
}

// mergeStrictest folds a mitigation's overrides into the accumulated
// set, keeping whichever value constrains more. Rate-style caps keep
// the minimum, delay-style floors keep the maximum; list values union
// for exclusion-style keys and intersect otherwise; anything else
// keeps the first value seen.
func mergeStrictest(acc, next map[string]any) map[string]any {
	if acc == nil {
		acc = make(map[string]any, len(next))
	}
	for k, v := range next {
		existing, ok := acc[k]
		if !ok {
			acc[k] = v
			continue
		}
		acc[k] = stricter(k, existing, v)
	}
	return acc
}

func stricter(key string, a, b any) any {
	if an, aok := asFloat(a); aok {
		if bn, bok := asFloat(b); bok {
			if floorKey(key) {
				if bn > an {
					return b
				}
				return a
			}
			if bn < an {
				return b
			}
			return a
		}
	}
	al, aok := asList(a)
	bl, bok := asList(b)
	if aok && bok {
		if strings.Contains(key, "exclude") || strings.Contains(key, "skip") || strings.Contains(key, "deny") {
			return unionLists(al, bl)
		}
		return intersectLists(al, bl)
	}
	return a
}

// floorKey reports whether a numeric key expresses a minimum (a
// mandated delay or pause) rather than a cap. For floors the larger
// value is the stricter one.
func floorKey(key string) bool {
	return strings.Contains(key, "delay") || strings.Contains(key, "wait") || strings.Contains(key, "pause")
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func asList(v any) ([]any, bool) {
	l, ok := v.([]any)
	return l, ok
}

func unionLists(a, b []any) []any {
	out := slices.Clone(a)
	for _, v := range b {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func intersectLists(a, b []any) []any {
	out := make([]any, 0, len(a))
	for _, v := range a {
		if slices.Contains(b, v) {
			out = append(out, v)
		}
	}
	return out
}
