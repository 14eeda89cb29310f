// Package restraint evaluates every planned tool invocation against an
// ordered rule set before anything runs. Rules can deny, demand human
// approval, impose parameter mitigations, or flag for monitoring. The
// active rule set swaps atomically, so evaluation never observes a
// half-loaded file.
package restraint

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Action is a rule's effect when it matches.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionDeny            Action = "deny"
	ActionRequireApproval Action = "require-approval"
	ActionMitigate        Action = "mitigate"
	ActionMonitor         Action = "monitor"
)

var validActions = map[Action]bool{
	ActionAllow:           true,
	ActionDeny:            true,
	ActionRequireApproval: true,
	ActionMitigate:        true,
	ActionMonitor:         true,
}

// Match is a rule's predicate. Empty fields match everything; populated
// fields are conjunctive.
type Match struct {
	// Tools matches by tool name.
	Tools []string `yaml:"tools,omitempty"`

	// Phases matches by workflow phase.
	Phases []string `yaml:"phases,omitempty"`

	// Environments matches the workflow's declared environment.
	Environments []string `yaml:"environments,omitempty"`

	// TargetPatterns are doublestar globs matched against the target.
	TargetPatterns []string `yaml:"target_patterns,omitempty"`

	// SafetyClasses matches the tool's catalog safety class.
	SafetyClasses []string `yaml:"safety_classes,omitempty"`

	// OutsideScope, when true, matches only targets that fall outside the
	// workflow's scope allow-list.
	OutsideScope bool `yaml:"outside_scope,omitempty"`

	// ExcludedTool, when true, matches tools listed in the workflow's
	// exclude-tools constraint.
	ExcludedTool bool `yaml:"excluded_tool,omitempty"`
}

// Rule is one ordered entry in the rule set.
type Rule struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Match       Match  `yaml:"match"`
	Action      Action `yaml:"action"`

	// Reason is surfaced on deny and require-approval decisions.
	Reason string `yaml:"reason,omitempty"`

	// Overrides are parameter mitigations applied when the rule matches.
	// Only meaningful for mitigate rules.
	Overrides map[string]any `yaml:"overrides,omitempty"`
}

// Validate checks a rule for structural problems.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !validActions[r.Action] {
		return fmt.Errorf("rule %s: unknown action %q", r.Name, r.Action)
	}
	if r.Action == ActionMitigate && len(r.Overrides) == 0 {
		return fmt.Errorf("rule %s: mitigate rule needs overrides", r.Name)
	}
	if r.Action != ActionMitigate && len(r.Overrides) > 0 {
		return fmt.Errorf("rule %s: overrides only allowed on mitigate rules", r.Name)
	}
	return nil
}

// RuleSet is an ordered collection of rules. Order matters only for
// reason attribution; composition itself is order-independent.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// Validate checks every rule and rejects duplicate names.
func (rs *RuleSet) Validate() error {
	seen := make(map[string]bool, len(rs.Rules))
	for _, r := range rs.Rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// ParseRules decodes a YAML rule set and validates it.
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules: %w", err)
	}
	return &rs, nil
}

// LoadRulesFile reads and parses a rule file.
func LoadRulesFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// DefaultRuleSet is the baseline policy applied when no rule file is
// configured. It encodes the non-negotiable floors: nothing outside
// scope, nothing explicitly excluded, and no intrusive tooling against
// production without a human in the loop.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{Rules: []Rule{
		{
			Name:        "deny-out-of-scope",
			Description: "Targets outside the workflow scope are never touched",
			Match:       Match{OutsideScope: true},
			Action:      ActionDeny,
			Reason:      "target is outside the authorized scope",
		},
		{
			Name:        "deny-excluded-tool",
			Description: "Tools excluded by workflow constraints are never run",
			Match:       Match{ExcludedTool: true},
			Action:      ActionDeny,
			Reason:      "tool is excluded by workflow constraints",
		},
		{
			Name:        "production-intrusive-approval",
			Description: "Intrusive tooling against production requires sign-off",
			Match: Match{
				Environments:  []string{"production"},
				SafetyClasses: []string{"intrusive"},
			},
			Action: ActionRequireApproval,
			Reason: "intrusive testing against a production environment",
		},
		{
			Name:        "production-rate-limit",
			Description: "Active and intrusive probes are throttled in production",
			Match: Match{
				Environments:  []string{"production"},
				SafetyClasses: []string{"active", "intrusive"},
			},
			Action: ActionMitigate,
			Overrides: map[string]any{
				"requests_per_second": 5,
				"delay_ms":            500,
			},
		},
		{
			Name:        "monitor-exploit-phase",
			Description: "Everything in the exploit phase is flagged for audit",
			Match:       Match{Phases: []string{"exploit"}},
			Action:      ActionMonitor,
		},
	}}
}
