package catalog

import (
	"fmt"
	"time"

	"github.com/probeline/probeline/model"
)

// Builtin returns the standard tool catalog. Panics on a malformed
// entry, which is a programming error caught at startup.
func Builtin() *Catalog {
	c, err := New(
		subdomainScanner(),
		portScanner(),
		directoryScanner(),
		techFingerprint(),
		sslChecker(),
		headerAnalyzer(),
		apiDiscovery(),
		sqlInjection(),
		xssScanner(),
		jwtAnalyzer(),
		authBypass(),
		apiFuzzer(),
	)
	if err != nil {
		panic(fmt.Sprintf("builtin catalog: %v", err))
	}
	return c
}

func requireTarget(params map[string]any) (string, error) {
	t := paramString(params, "target", "")
	if t == "" {
		return "", fmt.Errorf("parameter %q is required", "target")
	}
	return t, nil
}

func subdomainScanner() *Entry {
	return &Entry{
		Name:           "subdomain-scanner",
		Summary:        "Passive subdomain enumeration via certificate transparency and DNS sources",
		Image:          "projectdiscovery/subfinder:v2.8.0",
		DefaultTimeout: 5 * time.Minute,
		SafetyClass:    SafetyPassive,
		Phases:         []model.PhaseName{model.PhaseRecon},
		Controls:       []string{"CM-8"},
		Argv: func(params map[string]any) ([]string, error) {
			target, err := requireTarget(params)
			if err != nil {
				return nil, err
			}
			argv := []string{"-d", target, "-silent"}
			if rl := paramInt(params, "rate_limit", 0); rl > 0 {
				argv = append(argv, "-rl", fmt.Sprint(rl))
			}
			return argv, nil
		},
		Parse: parseSubdomains,
	}
}

func portScanner() *Entry {
	return &Entry{
		Name:           "port-scanner",
		Summary:        "TCP port and service discovery",
		Image:          "instrumentisto/nmap:7.97",
		DefaultTimeout: 10 * time.Minute,
		SafetyClass:    SafetyActive,
		Phases:         []model.PhaseName{model.PhaseRecon},
		Controls:       []string{"CM-7", "SC-7"},
		Batch:          true,
		CapAdd:         []string{"NET_RAW", "NET_ADMIN"},
		Argv: func(params map[string]any) ([]string, error) {
			target, err := requireTarget(params)
			if err != nil {
				return nil, err
			}
			ports := paramString(params, "ports", "1-1000")
			argv := []string{"-sT", "-sV", "-p", ports, "-oG", "-"}
			if paramString(params, "timing", "") == "polite" {
				argv = append(argv, "-T2")
			}
			return append(argv, target), nil
		},
		Parse: parseNmapGreppable,
	}
}

func directoryScanner() *Entry {
	return &Entry{
		Name:           "directory-scanner",
		Summary:        "Wordlist-driven path and file discovery over HTTP",
		Image:          "ghcr.io/oj/gobuster:v3.8",
		DefaultTimeout: 10 * time.Minute,
		SafetyClass:    SafetyActive,
		Phases:         []model.PhaseName{model.PhaseRecon, model.PhaseAnalyze},
		OWASPCategory:  "A01",
		Controls:       []string{"AC-3"},
		Argv: func(params map[string]any) ([]string, error) {
			target, err := requireTarget(params)
			if err != nil {
				return nil, err
			}
			wordlist := paramString(params, "wordlist", "/wordlists/common.txt")
			argv := []string{"dir", "-u", target, "-w", wordlist, "-q", "--no-color"}
			if t := paramInt(params, "threads", 0); t > 0 {
				argv = append(argv, "-t", fmt.Sprint(t))
			}
			return argv, nil
		},
		Parse: parseGobuster,
	}
}

func techFingerprint() *Entry {
	return &Entry{
		Name:           "tech-fingerprint",
		Summary:        "Web technology and framework fingerprinting",
		Image:          "projectdiscovery/httpx:v1.7.1",
		DefaultTimeout: 3 * time.Minute,
		SafetyClass:    SafetyPassive,
		Phases:         []model.PhaseName{model.PhaseRecon},
		OWASPCategory:  "A06",
		Controls:       []string{"CM-8", "SI-2"},
		Batch:          true,
		Argv: func(params map[string]any) ([]string, error) {
			target, err := requireTarget(params)
			if err != nil {
				return nil, err
			}
			return []string{"-u", target, "-td", "-sc", "-title", "-json", "-silent"}, nil
		},
		Parse: parseHTTPXTech,
	}
}

func sslChecker() *Entry {
	return &Entry{
		Name:           "ssl-checker",
		Summary:        "TLS configuration, protocol, and certificate assessment",
		Image:          "drwetter/testssl.sh:3.2",
		DefaultTimeout: 8 * time.Minute,
		SafetyClass:    SafetyPassive,
		Phases:         []model.PhaseName{model.PhaseAnalyze},
		OWASPCategory:  "A02",
		Controls:       []string{"SC-8", "SC-13"},
		Argv: func(params map[string]any) ([]string, error) {
			target, err := requireTarget(params)
			if err != nil {
				return nil, err
			}
			return []string{"--quiet", "--color", "0", "--protocols", "--ciphers", "--vulnerable", target}, nil
		},
		Parse: parseTestssl,
	}
}

func headerAnalyzer() *Entry {
	return &Entry{
		Name:           "header-analyzer",
		Summary:        "HTTP security header audit",
		Image:          "curlimages/curl:8.14.1",
		DefaultTimeout: 2 * time.Minute,
		SafetyClass:    SafetyPassive,
		Phases:         []model.PhaseName{model.PhaseAnalyze},
		OWASPCategory:  "A05",
		Controls:       []string{"SC-8"},
		Argv: func(params map[string]any) ([]string, error) {
			target, err := requireTarget(params)
			if err != nil {
				return nil, err
			}
			return []string{"-s", "-S", "-D", "-", "-o", "/dev/null", "-m", "30", target}, nil
		},
		Parse: parseSecurityHeaders,
	}
}

func apiDiscovery() *Entry {
	return &Entry{
		Name:           "api-discovery",
		Summary:        "REST and GraphQL endpoint discovery from specs and crawling",
		Image:          "probeline/api-discovery:1.4",
		DefaultTimeout: 10 * time.Minute,
		SafetyClass:    SafetyActive,
		Phases:         []model.PhaseName{model.PhaseRecon, model.PhaseAnalyze},
		OWASPCategory:  "A01",
		Controls:       []string{"AC-4", "CM-8"},
		Argv: func(params map[string]any) ([]string, error) {
			target, err := requireTarget(params)
			if err != nil {
				return nil, err
			}
			argv := []string{"discover", "--target", target, "--output", "jsonl"}
			if paramString(params, "graphql", "") == "true" {
				argv = append(argv, "--graphql")
			}
			return argv, nil
		},
		Parse: parseAPIEndpoints,
	}
}

func sqlInjection() *Entry {
	return &Entry{
		Name:           "sql-injection",
		Summary:        "SQL injection detection and exploitation",
		Image:          "probeline/sqlmap:1.9",
		DefaultTimeout: 20 * time.Minute,
		SafetyClass:    SafetyIntrusive,
		Phases:         []model.PhaseName{model.PhaseExploit},
		OWASPCategory:  "A03",
		Controls:       []string{"SI-10"},
		Argv: func(params map[string]any) ([]string, error) {
			target, err := requireTarget(params)
			if err != nil {
				return nil, err
			}
			argv := []string{"-u", target, "--batch", "--random-agent"}
			level := paramInt(params, "level", 1)
			if level < 1 {
				level = 1
			}
			if level > 5 {
				level = 5
			}
			argv = append(argv, "--level", fmt.Sprint(level))
			if paramString(params, "mode", "") == "detect-only" {
				argv = append(argv, "--technique", "B", "--risk", "1")
			}
			if d := paramInt(params, "delay_ms", 0); d > 0 {
				argv = append(argv, "--delay", fmt.Sprintf("%.1f", float64(d)/1000))
			}
			return argv, nil
		},
		Parse: parseSQLMap,
	}
}

func xssScanner() *Entry {
	return &Entry{
		Name:           "xss-scanner",
		Summary:        "Reflected and stored cross-site scripting detection",
		Image:          "hahwul/dalfox:v2.12.0",
		DefaultTimeout: 15 * time.Minute,
		SafetyClass:    SafetyIntrusive,
		Phases:         []model.PhaseName{model.PhaseExploit},
		OWASPCategory:  "A03",
		Controls:       []string{"SI-10"},
		Argv: func(params map[string]any) ([]string, error) {
			target, err := requireTarget(params)
			if err != nil {
				return nil, err
			}
			argv := []string{"url", target, "--format", "json", "--no-spinner", "--no-color"}
			if d := paramInt(params, "delay_ms", 0); d > 0 {
				argv = append(argv, "--delay", fmt.Sprint(d))
			}
			return argv, nil
		},
		Parse: parseDalfox,
	}
}

func jwtAnalyzer() *Entry {
	return &Entry{
		Name:           "jwt-analyzer",
		Summary:        "JWT algorithm, signature, and claim weakness analysis",
		Image:          "probeline/jwt-analyzer:0.9",
		DefaultTimeout: 5 * time.Minute,
		SafetyClass:    SafetyActive,
		AuthRequired:   true,
		Phases:         []model.PhaseName{model.PhaseAnalyze, model.PhaseExploit},
		OWASPCategory:  "A07",
		Controls:       []string{"IA-5", "SC-13"},
		Argv: func(params map[string]any) ([]string, error) {
			target, err := requireTarget(params)
			if err != nil {
				return nil, err
			}
			argv := []string{"analyze", "--target", target, "--json"}
			if ep := paramString(params, "login_endpoint", ""); ep != "" {
				argv = append(argv, "--login-endpoint", ep)
			}
			return argv, nil
		},
		Parse: parseJSONFindings,
	}
}

func authBypass() *Entry {
	return &Entry{
		Name:           "auth-bypass",
		Summary:        "Authentication and access control bypass probing",
		Image:          "probeline/auth-bypass:1.1",
		DefaultTimeout: 15 * time.Minute,
		SafetyClass:    SafetyIntrusive,
		AuthRequired:   true,
		Phases:         []model.PhaseName{model.PhaseExploit},
		OWASPCategory:  "A01",
		Controls:       []string{"AC-3", "AC-6"},
		Argv: func(params map[string]any) ([]string, error) {
			target, err := requireTarget(params)
			if err != nil {
				return nil, err
			}
			argv := []string{"probe", "--target", target, "--json"}
			for _, technique := range []string{"idor", "forced-browsing", "method-override"} {
				if paramString(params, technique, "") == "false" {
					argv = append(argv, "--skip", technique)
				}
			}
			return argv, nil
		},
		Parse: parseJSONFindings,
	}
}

func apiFuzzer() *Entry {
	return &Entry{
		Name:           "api-fuzzer",
		Summary:        "Schema-aware API input fuzzing",
		Image:          "probeline/api-fuzzer:2.0",
		DefaultTimeout: 20 * time.Minute,
		SafetyClass:    SafetyIntrusive,
		Phases:         []model.PhaseName{model.PhaseExploit},
		OWASPCategory:  "A03",
		Controls:       []string{"SI-10", "SI-11"},
		FanOutLimit:    2,
		Argv: func(params map[string]any) ([]string, error) {
			target, err := requireTarget(params)
			if err != nil {
				return nil, err
			}
			argv := []string{"fuzz", "--target", target, "--json"}
			if mp := paramInt(params, "max_payload_bytes", 0); mp > 0 {
				argv = append(argv, "--max-payload-bytes", fmt.Sprint(mp))
			}
			if rps := paramInt(params, "requests_per_second", 0); rps > 0 {
				argv = append(argv, "--rps", fmt.Sprint(rps))
			}
			return argv, nil
		},
		Parse: parseJSONFindings,
	}
}
