package model

import "sort"

// FindingsSummary aggregates findings by severity and OWASP category.
type FindingsSummary struct {
	Total      int              `json:"total"`
	BySeverity map[Severity]int `json:"by_severity,omitempty"`
	ByOWASP    map[string]int   `json:"by_owasp,omitempty"`

	// Critical is the subset of critical-severity findings, kept verbatim
	// so consumers do not need to re-scan invocations.
	Critical []Finding `json:"critical,omitempty"`
}

// Summarize builds a FindingsSummary from a finding list.
func Summarize(findings []Finding) FindingsSummary {
	s := FindingsSummary{Total: len(findings)}
	if len(findings) == 0 {
		return s
	}
	s.BySeverity = make(map[Severity]int)
	s.ByOWASP = make(map[string]int)
	for _, f := range findings {
		s.BySeverity[f.Severity]++
		if f.OWASPCategory != "" {
			s.ByOWASP[f.OWASPCategory]++
		}
		if f.Severity == SeverityCritical {
			s.Critical = append(s.Critical, f)
		}
	}
	return s
}

// ResultDigest is the workflow-level rollup produced at completion.
type ResultDigest struct {
	Summary FindingsSummary `json:"summary"`

	// OWASPCoverage maps each touched OWASP category to its finding count.
	OWASPCoverage map[string]int `json:"owasp_coverage,omitempty"`

	// Controls is the sorted union of control codes across all findings.
	Controls []string `json:"controls,omitempty"`
}

// Digest builds the workflow result digest from all findings.
func Digest(findings []Finding) *ResultDigest {
	d := &ResultDigest{Summary: Summarize(findings)}
	d.OWASPCoverage = d.Summary.ByOWASP

	set := make(map[string]bool)
	for _, f := range findings {
		for _, c := range f.Controls {
			set[c] = true
		}
	}
	for c := range set {
		d.Controls = append(d.Controls, c)
	}
	sort.Strings(d.Controls)
	return d
}
