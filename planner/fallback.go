package planner

import (
	"strings"

	"github.com/probeline/probeline/model"
)

// Fallback builds a deterministic local strategy when the planning
// service cannot. It is intentionally conservative: broad enumeration
// in recon, configuration checks in analyze, and in exploit only the
// probes justified by what earlier phases actually found.
func Fallback(req Request) *model.Strategy {
	s := &model.Strategy{
		Reasoning:  "Planning service unavailable; using local keyword-based strategy",
		Confidence: 0.3,
		Fallback:   true,
	}

	intent := strings.ToLower(req.UserIntent)
	completed := make(map[string]bool, len(req.CompletedTools))
	for _, t := range req.CompletedTools {
		completed[t] = true
	}
	available := make(map[string]bool, len(req.AvailableTools))
	for _, t := range req.AvailableTools {
		available[t] = true
	}

	add := func(tool, purpose string, priority model.Priority, params map[string]any) {
		if !available[tool] || completed[tool] {
			return
		}
		if params == nil {
			params = map[string]any{}
		}
		if _, ok := params["target"]; !ok {
			params["target"] = req.Target
		}
		s.Recommendations = append(s.Recommendations, model.Recommendation{
			Tool:         tool,
			Purpose:      purpose,
			Parameters:   params,
			Priority:     priority,
			SafetyChecks: []string{model.SafetyRateLimiting},
		})
	}

	switch req.Phase {
	case model.PhaseRecon:
		add("subdomain-scanner", "Enumerate subdomains of the target", model.PriorityHigh, nil)
		add("port-scanner", "Discover open ports and services", model.PriorityHigh,
			map[string]any{"target": "{{subdomain-scanner.targets}}"})
		add("directory-scanner", "Discover hidden paths and files", model.PriorityMedium, nil)
		add("tech-fingerprint", "Identify the technology stack", model.PriorityMedium, nil)
		if strings.Contains(intent, "api") || strings.Contains(intent, "graphql") {
			add("api-discovery", "Map the API surface", model.PriorityHigh, nil)
		}

	case model.PhaseAnalyze:
		add("ssl-checker", "Assess TLS configuration", model.PriorityMedium, nil)
		add("header-analyzer", "Audit HTTP security headers", model.PriorityMedium, nil)
		add("api-discovery", "Map the API surface", model.PriorityMedium, nil)
		if strings.Contains(intent, "auth") || strings.Contains(intent, "jwt") || strings.Contains(intent, "token") {
			add("jwt-analyzer", "Analyze token handling", model.PriorityHigh, nil)
		}

	case model.PhaseExploit:
		types := findingTypes(req.PriorFindings)
		if types[model.FindingEndpoint] || types[model.FindingAPI] {
			add("sql-injection", "Probe discovered endpoints for SQL injection", model.PriorityHigh,
				map[string]any{"mode": "detect-only"})
			add("xss-scanner", "Probe discovered endpoints for XSS", model.PriorityMedium, nil)
		}
		if types[model.FindingAPI] {
			add("api-fuzzer", "Fuzz the discovered API surface", model.PriorityMedium,
				map[string]any{"target": "{{api-discovery.targets}}"})
		}
		if strings.Contains(intent, "auth") || strings.Contains(intent, "login") || types["jwt-weak-alg"] {
			add("auth-bypass", "Probe authentication and access control", model.PriorityHigh, nil)
		}
	}

	return s
}

func findingTypes(findings []model.Finding) map[string]bool {
	out := make(map[string]bool, len(findings))
	for _, f := range findings {
		out[f.Type] = true
	}
	return out
}
