package catalog

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/probeline/probeline/model"
)

// Parsers are forgiving: they extract what they recognise and ignore
// everything else. A parser never fails; unparseable output simply
// yields no findings, and the raw output stays on the invocation.

var hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)+$`)

// parseSubdomains treats each line that looks like a hostname as a
// discovered subdomain.
func parseSubdomains(stdout string) []model.Finding {
	var out []model.Finding
	seen := make(map[string]bool)
	for _, line := range strings.Split(stdout, "\n") {
		host := strings.ToLower(strings.TrimSpace(line))
		if host == "" || seen[host] || !hostnameRe.MatchString(host) {
			continue
		}
		seen[host] = true
		out = append(out, model.Finding{
			Type:       model.FindingSubdomain,
			Severity:   model.SeverityInfo,
			Confidence: 0.9,
			Title:      "Subdomain discovered: " + host,
			Target:     host,
		})
	}
	return out
}

// nmapPortsRe matches the Ports field of a greppable-output host line,
// e.g. "80/open/tcp//http//" or "443/open/tcp//ssl|https//".
var (
	nmapHostRe = regexp.MustCompile(`^Host:\s+(\S+)\s+\(([^)]*)\).*Ports:\s+(.*)$`)
	nmapPortRe = regexp.MustCompile(`^(\d+)/open/(\w+)//([^/]*)/`)
)

// parseNmapGreppable extracts open ports and identified services from
// nmap -oG output.
func parseNmapGreppable(stdout string) []model.Finding {
	var out []model.Finding
	for _, line := range strings.Split(stdout, "\n") {
		m := nmapHostRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		host := m[1]
		if m[2] != "" {
			host = m[2]
		}
		for _, entry := range strings.Split(m[3], ",") {
			pm := nmapPortRe.FindStringSubmatch(strings.TrimSpace(entry))
			if pm == nil {
				continue
			}
			port, proto, service := pm[1], pm[2], strings.TrimSpace(pm[3])
			target := fmt.Sprintf("%s:%s", host, port)
			out = append(out, model.Finding{
				Type:       model.FindingOpenPort,
				Severity:   model.SeverityInfo,
				Confidence: 0.95,
				Title:      fmt.Sprintf("Open %s port %s on %s", proto, port, host),
				Target:     target,
			})
			if service != "" {
				out = append(out, model.Finding{
					Type:       model.FindingService,
					Severity:   model.SeverityInfo,
					Confidence: 0.8,
					Title:      fmt.Sprintf("Service %s on %s", service, target),
					Component:  service,
					Target:     target,
				})
			}
		}
	}
	return out
}

// gobusterLineRe matches "/admin (Status: 200) [Size: 1234]" style lines.
var gobusterLineRe = regexp.MustCompile(`^(/\S*)\s+\(Status:\s*(\d{3})\)`)

// parseGobuster extracts discovered paths from gobuster dir output.
// Redirect and client-error statuses still count as discovered surface;
// only 404s are filtered by the tool itself.
func parseGobuster(stdout string) []model.Finding {
	var out []model.Finding
	for _, line := range strings.Split(stdout, "\n") {
		m := gobusterLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		path, status := m[1], m[2]
		sev := model.SeverityInfo
		conf := 0.8
		if status[0] == '2' {
			conf = 0.95
		}
		if status == "200" && looksSensitivePath(path) {
			sev = model.SeverityMedium
		}
		out = append(out, model.Finding{
			Type:       model.FindingEndpoint,
			Severity:   sev,
			Confidence: conf,
			Title:      fmt.Sprintf("Path %s responds with %s", path, status),
			Target:     path,
			Evidence:   strings.TrimSpace(line),
		})
	}
	return out
}

var sensitivePathHints = []string{"admin", "backup", "config", ".git", ".env", "debug", "console", "phpmyadmin"}

func looksSensitivePath(path string) bool {
	lower := strings.ToLower(path)
	for _, hint := range sensitivePathHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// parseHTTPXTech extracts technologies from httpx -json output, one JSON
// object per line.
func parseHTTPXTech(stdout string) []model.Finding {
	var out []model.Finding
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var rec struct {
			URL   string   `json:"url"`
			Title string   `json:"title"`
			Tech  []string `json:"tech"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		for _, tech := range rec.Tech {
			out = append(out, model.Finding{
				Type:       model.FindingTech,
				Severity:   model.SeverityInfo,
				Confidence: 0.85,
				Title:      "Technology detected: " + tech,
				Component:  tech,
				Target:     rec.URL,
			})
		}
	}
	return out
}

// testsslIssueRe matches testssl.sh findings flagged as problems, e.g.
// " SSLv3      offered (NOT ok)" or " Heartbleed (CVE-2014-0160)  VULNERABLE".
var testsslIssueRe = regexp.MustCompile(`(?i)\b(not ok|vulnerable)\b`)

// parseTestssl extracts TLS weaknesses from testssl.sh text output.
func parseTestssl(stdout string) []model.Finding {
	var out []model.Finding
	for _, line := range strings.Split(stdout, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || !testsslIssueRe.MatchString(trimmed) {
			continue
		}
		sev := model.SeverityMedium
		if strings.Contains(strings.ToUpper(trimmed), "VULNERABLE") {
			sev = model.SeverityHigh
		}
		out = append(out, model.Finding{
			Type:       model.FindingTLS,
			Severity:   sev,
			Confidence: 0.9,
			Title:      "TLS weakness: " + firstWords(trimmed, 8),
			Evidence:   trimmed,
		})
	}
	return out
}

// requiredSecurityHeaders maps header names to the severity of their
// absence.
var requiredSecurityHeaders = []struct {
	name     string
	severity model.Severity
}{
	{"Strict-Transport-Security", model.SeverityMedium},
	{"Content-Security-Policy", model.SeverityMedium},
	{"X-Content-Type-Options", model.SeverityLow},
	{"X-Frame-Options", model.SeverityLow},
	{"Referrer-Policy", model.SeverityLow},
}

// parseSecurityHeaders audits a dumped HTTP response head for missing
// security headers and risky disclosures.
func parseSecurityHeaders(stdout string) []model.Finding {
	headers := make(map[string]string)
	for _, line := range strings.Split(stdout, "\n") {
		name, value, ok := strings.Cut(strings.TrimRight(line, "\r"), ":")
		if !ok {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	if len(headers) == 0 {
		return nil
	}

	var out []model.Finding
	for _, req := range requiredSecurityHeaders {
		if _, present := headers[strings.ToLower(req.name)]; present {
			continue
		}
		out = append(out, model.Finding{
			Type:       model.FindingHeader,
			Severity:   req.severity,
			Confidence: 0.9,
			Title:      "Missing security header: " + req.name,
		})
	}
	if server, ok := headers["server"]; ok && regexp.MustCompile(`\d`).MatchString(server) {
		out = append(out, model.Finding{
			Type:       model.FindingHeader,
			Severity:   model.SeverityLow,
			Confidence: 0.9,
			Title:      "Server header discloses version",
			Evidence:   "Server: " + server,
		})
	}
	if xpb, ok := headers["x-powered-by"]; ok {
		out = append(out, model.Finding{
			Type:       model.FindingHeader,
			Severity:   model.SeverityLow,
			Confidence: 0.9,
			Title:      "X-Powered-By header discloses platform",
			Evidence:   "X-Powered-By: " + xpb,
		})
	}
	return out
}

// parseAPIEndpoints reads JSONL records of discovered API endpoints.
func parseAPIEndpoints(stdout string) []model.Finding {
	var out []model.Finding
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var rec struct {
			Method string `json:"method"`
			Path   string `json:"path"`
			Auth   bool   `json:"auth_required"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Path == "" {
			continue
		}
		method := rec.Method
		if method == "" {
			method = "GET"
		}
		sev := model.SeverityInfo
		desc := ""
		if !rec.Auth && method != "GET" {
			sev = model.SeverityLow
			desc = "Mutating endpoint reachable without authentication"
		}
		out = append(out, model.Finding{
			Type:        model.FindingAPI,
			Severity:    sev,
			Confidence:  0.85,
			Title:       fmt.Sprintf("API endpoint %s %s", method, rec.Path),
			Description: desc,
			Target:      rec.Path,
		})
	}
	return out
}

var (
	sqlmapParamRe = regexp.MustCompile(`(?m)^Parameter:\s+(\S+)`)
	sqlmapTypeRe  = regexp.MustCompile(`(?m)^\s*Type:\s+(.+)$`)
)

// parseSQLMap extracts confirmed injection points from sqlmap output.
// sqlmap prints a "Parameter:" block per injectable parameter with one
// or more "Type:" lines underneath.
func parseSQLMap(stdout string) []model.Finding {
	params := sqlmapParamRe.FindAllStringSubmatch(stdout, -1)
	if len(params) == 0 {
		return nil
	}
	types := sqlmapTypeRe.FindAllStringSubmatch(stdout, -1)
	technique := "unknown technique"
	if len(types) > 0 {
		technique = strings.TrimSpace(types[0][1])
	}

	var out []model.Finding
	for _, m := range params {
		out = append(out, model.Finding{
			Type:        "sql-injection",
			Severity:    model.SeverityCritical,
			Confidence:  0.95,
			Title:       "SQL injection in parameter " + m[1],
			Description: "Confirmed via " + technique,
			Component:   m[1],
			Evidence:    excerptAround(stdout, m[1]),
		})
	}
	return out
}

// parseDalfox reads dalfox JSON output, which is an array of PoC records
// (or one record per line, depending on version).
func parseDalfox(stdout string) []model.Finding {
	var recs []struct {
		Type     string `json:"type"`
		Severity string `json:"severity"`
		Param    string `json:"param"`
		Data     string `json:"data"`
		Evidence string `json:"evidence"`
	}
	trimmed := strings.TrimSpace(stdout)
	if err := json.Unmarshal([]byte(trimmed), &recs); err != nil {
		for _, line := range strings.Split(trimmed, "\n") {
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "{") {
				continue
			}
			var rec struct {
				Type     string `json:"type"`
				Severity string `json:"severity"`
				Param    string `json:"param"`
				Data     string `json:"data"`
				Evidence string `json:"evidence"`
			}
			if json.Unmarshal([]byte(line), &rec) == nil {
				recs = append(recs, rec)
			}
		}
	}

	var out []model.Finding
	for _, rec := range recs {
		// dalfox type "V" is a verified PoC; "R" is reflected-only.
		conf := 0.6
		sev := model.NormalizeSeverity(rec.Severity)
		if rec.Type == "V" {
			conf = 0.95
			if sev.Rank() < model.SeverityHigh.Rank() {
				sev = model.SeverityHigh
			}
		}
		title := "Cross-site scripting"
		if rec.Param != "" {
			title += " in parameter " + rec.Param
		}
		out = append(out, model.Finding{
			Type:       "xss",
			Severity:   sev,
			Confidence: conf,
			Title:      title,
			Component:  rec.Param,
			Target:     rec.Data,
			Evidence:   rec.Evidence,
		})
	}
	return out
}

// parseJSONFindings reads the common JSONL finding format emitted by the
// first-party tool images: one finding object per line.
func parseJSONFindings(stdout string) []model.Finding {
	var out []model.Finding
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var rec struct {
			Type        string   `json:"type"`
			Severity    string   `json:"severity"`
			Confidence  float64  `json:"confidence"`
			Title       string   `json:"title"`
			Description string   `json:"description"`
			Component   string   `json:"component"`
			Evidence    string   `json:"evidence"`
			Target      string   `json:"target"`
			OWASP       string   `json:"owasp_category"`
			Controls    []string `json:"controls"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Title == "" {
			continue
		}
		conf := rec.Confidence
		if conf <= 0 || conf > 1 {
			conf = 0.5
		}
		typ := rec.Type
		if typ == "" {
			typ = model.FindingVulnerable
		}
		out = append(out, model.Finding{
			Type:          typ,
			Severity:      model.NormalizeSeverity(rec.Severity),
			Confidence:    conf,
			Title:         rec.Title,
			Description:   rec.Description,
			Component:     rec.Component,
			Evidence:      rec.Evidence,
			Target:        rec.Target,
			OWASPCategory: rec.OWASP,
			Controls:      rec.Controls,
		}.Bound())
	}
	return out
}

// firstWords returns up to n space-separated words of s.
func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

// excerptAround returns a short window of text centred on the first
// occurrence of needle, for evidence fields.
func excerptAround(s, needle string) string {
	idx := strings.Index(s, needle)
	if idx < 0 {
		return ""
	}
	start := idx - 80
	if start < 0 {
		start = 0
	}
	end := idx + 240
	if end > len(s) {
		end = len(s)
	}
	return strings.TrimSpace(s[start:end])
}
