package model

import "strings"

// Severity classifies how serious a finding is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank returns a numeric rank; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// NormalizeSeverity maps tool-reported severity strings onto the closed
// severity set. Unrecognised values become info.
func NormalizeSeverity(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical", "crit":
		return SeverityCritical
	case "high", "important":
		return SeverityHigh
	case "medium", "moderate", "med":
		return SeverityMedium
	case "low", "minor":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Common finding type tags emitted by the tool parsers.
const (
	FindingSubdomain  = "subdomain"
	FindingOpenPort   = "open-port"
	FindingTech       = "tech"
	FindingService    = "service"
	FindingEndpoint   = "endpoint"
	FindingTLS        = "tls"
	FindingHeader     = "header"
	FindingAPI        = "api"
	FindingVulnerable = "vulnerability"
)

// MaxEvidenceBytes bounds the evidence blob stored on a finding.
const MaxEvidenceBytes = 8 * 1024

// Finding is an observation extracted from a tool run. Immutable after
// creation by the execution engine's parser.
type Finding struct {
	// Type is a short tag such as "subdomain", "open-port", or "sql-injection".
	Type string `json:"type"`

	Severity Severity `json:"severity"`

	// Confidence is in [0,1].
	Confidence float64 `json:"confidence"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// Component names the affected component, if known.
	Component string `json:"component,omitempty"`

	// Evidence is a bounded raw excerpt backing the finding.
	Evidence string `json:"evidence,omitempty"`

	// OWASPCategory is an OWASP Top 10 category code such as "A03".
	OWASPCategory string `json:"owasp_category,omitempty"`

	// Controls lists security control codes this finding maps to.
	Controls []string `json:"controls,omitempty"`

	// Target is the discovered value for enumeration findings: the
	// subdomain, port, URL, or affected component.
	Target string `json:"target,omitempty"`
}

// Bound truncates the evidence blob to MaxEvidenceBytes.
func (f Finding) Bound() Finding {
	if len(f.Evidence) > MaxEvidenceBytes {
		f.Evidence = f.Evidence[:MaxEvidenceBytes] + "\n[truncated]"
	}
	return f
}

// enumerationTypes are the finding types whose presence satisfies the
// recon advance predicate.
var enumerationTypes = map[string]bool{
	FindingService:   true,
	FindingEndpoint:  true,
	FindingTech:      true,
	"technology":     true,
	FindingSubdomain: true,
	FindingOpenPort:  true,
	"port":           true,
}

// IsEnumeration returns true for findings that represent discovered
// attack surface rather than weaknesses.
func (f Finding) IsEnumeration() bool {
	return enumerationTypes[f.Type]
}

// IsExploitable returns true when the finding is strong enough to gate
// entry into the exploit phase: high or critical severity, or medium
// with confidence at least 0.7.
func (f Finding) IsExploitable() bool {
	switch f.Severity {
	case SeverityCritical, SeverityHigh:
		return true
	case SeverityMedium:
		return f.Confidence >= 0.7
	default:
		return false
	}
}
