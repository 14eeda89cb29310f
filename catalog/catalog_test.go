package catalog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probeline/probeline/catalog"
	"github.com/probeline/probeline/model"
)

func TestBuiltinContainsRequiredTools(t *testing.T) {
	c := catalog.Builtin()

	required := []string{
		"subdomain-scanner", "port-scanner", "directory-scanner",
		"tech-fingerprint", "ssl-checker", "header-analyzer",
		"api-discovery", "sql-injection", "xss-scanner",
		"jwt-analyzer", "auth-bypass", "api-fuzzer",
	}
	for _, name := range required {
		assert.True(t, c.Has(name), "missing tool %s", name)
	}
	assert.Len(t, c.Names(), len(required))
}

func TestGetUnknownTool(t *testing.T) {
	c := catalog.Builtin()

	_, err := c.Get("nonexistent-tool")
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrToolNotFound)
}

func TestToolsForPhase(t *testing.T) {
	c := catalog.Builtin()

	recon := c.ToolsForPhase(model.PhaseRecon)
	assert.Contains(t, recon, "subdomain-scanner")
	assert.Contains(t, recon, "port-scanner")
	assert.NotContains(t, recon, "sql-injection")

	exploit := c.ToolsForPhase(model.PhaseExploit)
	assert.Contains(t, exploit, "sql-injection")
	assert.Contains(t, exploit, "xss-scanner")
	assert.NotContains(t, exploit, "subdomain-scanner")
}

func TestArgvRequiresTarget(t *testing.T) {
	c := catalog.Builtin()

	for _, name := range c.Names() {
		entry, err := c.Get(name)
		require.NoError(t, err)

		_, err = entry.Argv(map[string]any{})
		assert.Error(t, err, "tool %s should reject missing target", name)

		argv, err := entry.Argv(map[string]any{"target": "example.com"})
		require.NoError(t, err, "tool %s", name)
		assert.NotEmpty(t, argv)
	}
}

func TestSQLInjectionLevelClamped(t *testing.T) {
	c := catalog.Builtin()
	entry, err := c.Get("sql-injection")
	require.NoError(t, err)

	argv, err := entry.Argv(map[string]any{"target": "https://example.com/q?id=1", "level": float64(9)})
	require.NoError(t, err)
	assert.Contains(t, argv, "--level")
	for i, a := range argv {
		if a == "--level" {
			assert.Equal(t, "5", argv[i+1])
		}
	}
}

func TestParseSubdomains(t *testing.T) {
	entry, err := catalog.Builtin().Get("subdomain-scanner")
	require.NoError(t, err)

	out := `api.example.com
www.example.com
api.example.com

not a hostname!!
staging.example.com`

	findings := entry.Parse(out)
	require.Len(t, findings, 3)
	for _, f := range findings {
		assert.Equal(t, model.FindingSubdomain, f.Type)
		assert.True(t, f.IsEnumeration())
	}
	assert.Equal(t, "api.example.com", findings[0].Target)
}

func TestParseNmapGreppable(t *testing.T) {
	entry, err := catalog.Builtin().Get("port-scanner")
	require.NoError(t, err)

	out := `# Nmap 7.97 scan initiated
Host: 93.184.216.34 (example.com)	Status: Up
Host: 93.184.216.34 (example.com)	Ports: 80/open/tcp//http//, 443/open/tcp//ssl|https//, 22/filtered/tcp//ssh//
# Nmap done`

	findings := entry.Parse(out)

	var ports, services []model.Finding
	for _, f := range findings {
		switch f.Type {
		case model.FindingOpenPort:
			ports = append(ports, f)
		case model.FindingService:
			services = append(services, f)
		}
	}
	require.Len(t, ports, 2, "filtered port must not count as open")
	assert.Equal(t, "example.com:80", ports[0].Target)
	require.Len(t, services, 2)
	assert.Equal(t, "http", services[0].Component)
}

func TestParseGobuster(t *testing.T) {
	entry, err := catalog.Builtin().Get("directory-scanner")
	require.NoError(t, err)

	out := `/index.html (Status: 200) [Size: 1256]
/admin (Status: 200) [Size: 4021]
/backup (Status: 403) [Size: 277]
Progress: 4614 / 4615 (99.98%)`

	findings := entry.Parse(out)
	require.Len(t, findings, 3)

	assert.Equal(t, model.SeverityInfo, findings[0].Severity)
	assert.Equal(t, model.SeverityMedium, findings[1].Severity, "200 on /admin is notable")
	assert.Equal(t, "/backup", findings[2].Target)
}

func TestParseSecurityHeaders(t *testing.T) {
	entry, err := catalog.Builtin().Get("header-analyzer")
	require.NoError(t, err)

	out := "HTTP/2 200\r\ncontent-type: text/html\r\nserver: nginx/1.18.0\r\nstrict-transport-security: max-age=31536000\r\n\r\n"

	findings := entry.Parse(out)

	titles := make(map[string]model.Severity)
	for _, f := range findings {
		titles[f.Title] = f.Severity
	}
	assert.NotContains(t, titles, "Missing security header: Strict-Transport-Security")
	assert.Contains(t, titles, "Missing security header: Content-Security-Policy")
	assert.Contains(t, titles, "Server header discloses version")
}

func TestParseSecurityHeadersEmptyOutput(t *testing.T) {
	entry, err := catalog.Builtin().Get("header-analyzer")
	require.NoError(t, err)

	assert.Empty(t, entry.Parse(""), "no response means no findings, not a wall of missing headers")
}

func TestParseSQLMap(t *testing.T) {
	entry, err := catalog.Builtin().Get("sql-injection")
	require.NoError(t, err)

	out := `sqlmap identified the following injection point(s):
---
Parameter: id (GET)
    Type: boolean-based blind
    Title: AND boolean-based blind - WHERE or HAVING clause
    Payload: id=1 AND 1=1
---`

	findings := entry.Parse(out)
	require.Len(t, findings, 1)
	assert.Equal(t, model.SeverityCritical, findings[0].Severity)
	assert.True(t, findings[0].IsExploitable())
	assert.Contains(t, findings[0].Description, "boolean-based blind")
}

func TestParseJSONFindings(t *testing.T) {
	entry, err := catalog.Builtin().Get("jwt-analyzer")
	require.NoError(t, err)

	out := `starting analysis of https://example.com
{"type":"jwt-weak-alg","severity":"high","confidence":0.9,"title":"JWT accepts alg=none","target":"https://example.com/api"}
{"title":""}
not json`

	findings := entry.Parse(out)
	require.Len(t, findings, 1)
	assert.Equal(t, "jwt-weak-alg", findings[0].Type)
	assert.Equal(t, model.SeverityHigh, findings[0].Severity)
	assert.InDelta(t, 0.9, findings[0].Confidence, 0.001)
}

func TestParseDalfoxVerified(t *testing.T) {
	entry, err := catalog.Builtin().Get("xss-scanner")
	require.NoError(t, err)

	out := `[{"type":"V","severity":"medium","param":"q","data":"https://example.com/?q=<script>","evidence":"reflected in body"}]`

	findings := entry.Parse(out)
	require.Len(t, findings, 1)
	assert.Equal(t, model.SeverityHigh, findings[0].Severity, "verified PoC is upgraded to high")
	assert.InDelta(t, 0.95, findings[0].Confidence, 0.001)
}

func TestParsersToleratesGarbage(t *testing.T) {
	c := catalog.Builtin()
	for _, name := range c.Names() {
		entry, err := c.Get(name)
		require.NoError(t, err)
		if entry.Parse == nil {
			continue
		}
		assert.NotPanics(t, func() {
			entry.Parse("")
			entry.Parse("\x00\xff garbage {{{ ]]")
		}, "tool %s", name)
	}
}
