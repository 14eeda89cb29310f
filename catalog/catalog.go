// Package catalog provides the static tool catalog: for each tool name,
// the container image, argv builder, output parser, default timeout, and
// safety metadata. The catalog is immutable after load and is the
// injection seam for tests, which register fake entries instead of
// talking to a container engine.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/probeline/probeline/model"
)

// ErrToolNotFound is returned when a tool name is not in the catalog.
var ErrToolNotFound = errors.New("tool not found in catalog")

// SafetyClass groups tools by how much they disturb the target.
type SafetyClass string

const (
	// SafetyPassive tools only observe (DNS lookups, TLS handshakes).
	SafetyPassive SafetyClass = "passive"
	// SafetyActive tools send probes but no attack payloads.
	SafetyActive SafetyClass = "active"
	// SafetyIntrusive tools send attack payloads and may mutate state.
	SafetyIntrusive SafetyClass = "intrusive"
)

// ArgvFunc builds a container argv from resolved parameters.
type ArgvFunc func(params map[string]any) ([]string, error)

// ParseFunc extracts typed findings from a tool's combined output.
type ParseFunc func(stdout string) []model.Finding

// Entry describes one tool.
type Entry struct {
	Name    string
	Summary string

	// Image is the container image reference, without registry mirror.
	Image string

	Argv  ArgvFunc
	Parse ParseFunc

	DefaultTimeout time.Duration

	// OWASPCategory is attached to findings that don't carry their own.
	OWASPCategory string

	// Controls lists security control codes exercised by this tool.
	Controls []string

	SafetyClass  SafetyClass
	AuthRequired bool

	// Phases lists the phases in which this tool may run.
	Phases []model.PhaseName

	// Batch declares that the tool accepts a joined list of targets in a
	// single run. Single-target tools are fanned out per element instead.
	Batch bool

	// FanOutLimit bounds concurrent per-element runs for a single
	// invocation. Zero means the engine default.
	FanOutLimit int

	// CapAdd lists Linux capabilities the tool container needs beyond the
	// dropped-everything baseline (e.g. NET_RAW for raw-socket scanners).
	CapAdd []string
}

// AllowedIn returns true if the tool may run in the given phase.
func (e *Entry) AllowedIn(phase model.PhaseName) bool {
	for _, p := range e.Phases {
		if p == phase {
			return true
		}
	}
	return false
}

// Catalog is an immutable tool table.
type Catalog struct {
	entries map[string]*Entry
}

// New builds a catalog from entries, validating each.
func New(entries ...*Entry) (*Catalog, error) {
	m := make(map[string]*Entry, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("catalog entry with empty name")
		}
		if e.Image == "" {
			return nil, fmt.Errorf("tool %s: image is required", e.Name)
		}
		if e.Argv == nil {
			return nil, fmt.Errorf("tool %s: argv builder is required", e.Name)
		}
		if e.DefaultTimeout <= 0 {
			return nil, fmt.Errorf("tool %s: default timeout is required", e.Name)
		}
		if len(e.Phases) == 0 {
			return nil, fmt.Errorf("tool %s: at least one phase is required", e.Name)
		}
		if _, dup := m[e.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %s", e.Name)
		}
		m[e.Name] = e
	}
	return &Catalog{entries: m}, nil
}

// Get returns the entry for a tool name.
func (c *Catalog) Get(name string) (*Entry, error) {
	e, ok := c.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return e, nil
}

// Has reports whether the tool exists.
func (c *Catalog) Has(name string) bool {
	_, ok := c.entries[name]
	return ok
}

// Names returns all tool names, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.entries))
	for name := range c.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ToolsForPhase returns the sorted names of tools allowed in a phase.
func (c *Catalog) ToolsForPhase(phase model.PhaseName) []string {
	var out []string
	for name, e := range c.entries {
		if e.AllowedIn(phase) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// paramString reads a string parameter with a fallback.
func paramString(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// paramInt reads a numeric parameter with a fallback. JSON decoding
// yields float64 for numbers, so both forms are accepted.
func paramInt(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
