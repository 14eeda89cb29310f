package model

// Safety check tags a planner may declare on a recommendation. Each tag
// triggers a parameter override before restraint evaluation.
const (
	SafetyRateLimiting = "rate-limiting"
	SafetyNonIntrusive = "non-intrusive"
	SafetyReadOnly     = "read-only"
	SafetyTestAccount  = "test-account"
	SafetyPayloadLimit = "payload-limit"
)

// KnownSafetyChecks is the closed set of recognised safety check tags.
var KnownSafetyChecks = map[string]bool{
	SafetyRateLimiting: true,
	SafetyNonIntrusive: true,
	SafetyReadOnly:     true,
	SafetyTestAccount:  true,
	SafetyPayloadLimit: true,
}

// Recommendation is a planner-proposed invocation-to-be, prior to
// restraint evaluation and parameter substitution.
type Recommendation struct {
	Tool string `json:"tool"`

	// Purpose is the planner's rationale.
	Purpose string `json:"purpose,omitempty"`

	// ExpectedOutcome describes what the planner expects the tool to yield.
	ExpectedOutcome string `json:"expected_outcome,omitempty"`

	// Parameters may contain template references of the form
	// {{tool.property}} resolved at dispatch time.
	Parameters map[string]any `json:"parameters,omitempty"`

	// SafetyChecks lists declared safety tags from the closed set.
	SafetyChecks []string `json:"safety_checks,omitempty"`

	Priority Priority `json:"priority"`

	// OWASPCategory hints which OWASP category this probe addresses.
	OWASPCategory string `json:"owasp_category,omitempty"`
}

// TargetParam returns the recommendation's target parameter as a string,
// falling back to empty when absent or non-string.
func (r Recommendation) TargetParam() string {
	if v, ok := r.Parameters["target"].(string); ok {
		return v
	}
	return ""
}

// Key identifies a recommendation for deduplication: tool plus target.
func (r Recommendation) Key() string {
	return r.Tool + "\x00" + r.TargetParam()
}

// Strategy is a planner response: an ordered set of recommendations plus
// the planner's reasoning and confidence.
type Strategy struct {
	Reasoning            string           `json:"reasoning"`
	Recommendations      []Recommendation `json:"recommendations"`
	Confidence           float64          `json:"confidence"`
	EstimatedDuration    float64          `json:"estimated_duration,omitempty"`
	SafetyConsiderations []string         `json:"safety_considerations,omitempty"`
	NextPhaseConditions  []string         `json:"next_phase_conditions,omitempty"`

	// Fallback marks strategies synthesized locally after a planner failure.
	Fallback bool `json:"fallback,omitempty"`
}
