// Package subst resolves template references in planner-proposed
// parameters. A reference of the form {{tool.property}} is replaced at
// dispatch time with data from an earlier invocation's results, letting
// the planner chain tools without knowing concrete values up front.
package subst

import (
	"fmt"
	"regexp"
	"strings"
)

// refPattern matches {{tool.property}} with optional inner whitespace.
var refPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_-]+)\.([a-zA-Z0-9_-]+)\s*\}\}`)

// Result is the queryable output of a completed tool invocation.
type Result struct {
	// Targets is the list of discovered targets (subdomains, endpoints,
	// host:port pairs) suitable for feeding into a follow-on tool.
	Targets []string

	// Output is the raw textual output.
	Output string
}

// Source supplies results by tool name. The execution engine's result
// store implements this.
type Source interface {
	// Lookup returns the most recent result for a tool and whether one
	// exists.
	Lookup(tool string) (Result, bool)
}

// node is one parsed template segment.
type node struct {
	literal string

	// ref fields are set when the node is a {{tool.property}} reference.
	tool     string
	property string
}

func (n node) isRef() bool { return n.tool != "" }

// Template is a parsed parameter string.
type Template struct {
	raw   string
	nodes []node
}

// Parse splits a string into literal and reference nodes.
func Parse(s string) Template {
	t := Template{raw: s}
	last := 0
	for _, m := range refPattern.FindAllStringSubmatchIndex(s, -1) {
		if m[0] > last {
			t.nodes = append(t.nodes, node{literal: s[last:m[0]]})
		}
		t.nodes = append(t.nodes, node{
			tool:     s[m[2]:m[3]],
			property: s[m[4]:m[5]],
		})
		last = m[1]
	}
	if last < len(s) {
		t.nodes = append(t.nodes, node{literal: s[last:]})
	}
	return t
}

// HasRefs returns true if the template contains at least one reference.
func (t Template) HasRefs() bool {
	for _, n := range t.nodes {
		if n.isRef() {
			return true
		}
	}
	return false
}

// Refs returns the referenced tool names, in order of appearance.
func (t Template) Refs() []string {
	var out []string
	for _, n := range t.nodes {
		if n.isRef() {
			out = append(out, n.tool)
		}
	}
	return out
}

// Resolve renders the template against a source.
//
// A template that is exactly one reference to a list-valued property
// resolves to the list itself, preserving the value for fan-out. Mixed
// templates render lists as comma-joined strings. A reference whose
// tool has no stored result stays as its literal placeholder text, so
// the gap is visible downstream instead of silently vanishing.
func (t Template) Resolve(src Source) (any, error) {
	if len(t.nodes) == 1 && t.nodes[0].isRef() {
		n := t.nodes[0]
		res, ok := src.Lookup(n.tool)
		if !ok {
			return t.raw, nil
		}
		return propertyValue(res, n.property)
	}

	var b strings.Builder
	for _, n := range t.nodes {
		if !n.isRef() {
			b.WriteString(n.literal)
			continue
		}
		res, ok := src.Lookup(n.tool)
		if !ok {
			b.WriteString(fmt.Sprintf("{{%s.%s}}", n.tool, n.property))
			continue
		}
		v, err := propertyValue(res, n.property)
		if err != nil {
			return nil, err
		}
		switch val := v.(type) {
		case []string:
			b.WriteString(strings.Join(val, ","))
		case string:
			b.WriteString(val)
		default:
			b.WriteString(fmt.Sprint(val))
		}
	}
	return b.String(), nil
}

func propertyValue(res Result, property string) (any, error) {
	switch property {
	case "targets", "results", "subdomains", "endpoints", "ports", "paths":
		return res.Targets, nil
	case "output", "raw":
		return res.Output, nil
	default:
		return nil, fmt.Errorf("unknown result property %q", property)
	}
}

// ResolveParams resolves every string-valued parameter in place,
// returning a new map. Non-string values pass through untouched.
func ResolveParams(params map[string]any, src Source) (map[string]any, error) {
	if len(params) == 0 {
		return params, nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		tpl := Parse(s)
		if !tpl.HasRefs() {
			out[k] = v
			continue
		}
		resolved, err := tpl.Resolve(src)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}
