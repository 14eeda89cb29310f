package subst_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probeline/probeline/subst"
)

type mapSource map[string]subst.Result

func (m mapSource) Lookup(tool string) (subst.Result, bool) {
	r, ok := m[tool]
	return r, ok
}

func TestParseLiteralOnly(t *testing.T) {
	tpl := subst.Parse("https://example.com/login")
	assert.False(t, tpl.HasRefs())
	assert.Empty(t, tpl.Refs())
}

func TestParseFindsRefs(t *testing.T) {
	tpl := subst.Parse("scan {{subdomain-scanner.targets}} then {{ port-scanner.output }}")
	assert.True(t, tpl.HasRefs())
	assert.Equal(t, []string{"subdomain-scanner", "port-scanner"}, tpl.Refs())
}

func TestResolveWholeRefYieldsList(t *testing.T) {
	src := mapSource{
		"subdomain-scanner": {Targets: []string{"api.example.com", "www.example.com"}},
	}

	v, err := subst.Parse("{{subdomain-scanner.targets}}").Resolve(src)
	require.NoError(t, err)
	assert.Equal(t, []string{"api.example.com", "www.example.com"}, v)
}

func TestResolveMixedTemplateJoins(t *testing.T) {
	src := mapSource{
		"subdomain-scanner": {Targets: []string{"a.example.com", "b.example.com"}},
	}

	v, err := subst.Parse("hosts={{subdomain-scanner.targets}}").Resolve(src)
	require.NoError(t, err)
	assert.Equal(t, "hosts=a.example.com,b.example.com", v)
}

func TestResolveMissingToolKeepsPlaceholder(t *testing.T) {
	src := mapSource{}

	v, err := subst.Parse("{{port-scanner.targets}}").Resolve(src)
	require.NoError(t, err)
	assert.Equal(t, "{{port-scanner.targets}}", v)

	v, err = subst.Parse("scan {{port-scanner.targets}} now").Resolve(src)
	require.NoError(t, err)
	assert.Equal(t, "scan {{port-scanner.targets}} now", v)
}

func TestResolveUnknownProperty(t *testing.T) {
	src := mapSource{"port-scanner": {Targets: []string{"example.com:80"}}}

	_, err := subst.Parse("{{port-scanner.banana}}").Resolve(src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "banana")
}

func TestResolveParams(t *testing.T) {
	src := mapSource{
		"subdomain-scanner": {Targets: []string{"api.example.com"}},
	}

	params := map[string]any{
		"target":  "{{subdomain-scanner.targets}}",
		"ports":   "1-1000",
		"threads": 10,
	}

	out, err := subst.ResolveParams(params, src)
	require.NoError(t, err)
	assert.Equal(t, []string{"api.example.com"}, out["target"])
	assert.Equal(t, "1-1000", out["ports"], "literal strings pass through")
	assert.Equal(t, 10, out["threads"], "non-strings pass through")

	// Input map is not mutated.
	assert.Equal(t, "{{subdomain-scanner.targets}}", params["target"])
}

func TestResolveParamsPropagatesError(t *testing.T) {
	src := mapSource{"x": {Output: "raw"}}

	_, err := subst.ResolveParams(map[string]any{"p": "{{x.nope}}"}, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `parameter "p"`)
}

func TestWhitespaceInsideRef(t *testing.T) {
	src := mapSource{"tech-fingerprint": {Output: "nginx"}}

	v, err := subst.Parse("{{ tech-fingerprint.output }}").Resolve(src)
	require.NoError(t, err)
	assert.Equal(t, "nginx", v)
}
