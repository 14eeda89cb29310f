// Package main implements a mock planning service for local development
// and e2e testing. It serves /plan responses from JSON fixture files,
// routing by the "phase" field in the request. This eliminates the need
// for a real planning model during orchestrator wiring tests, making
// them fast, deterministic, and offline-capable.
//
// Usage:
//
//	mock-planner -fixtures /path/to/fixtures -port 8391
//
// Fixture files are JSON named by phase (e.g., "recon.json" answers
// recon requests). The file content is returned verbatim as the
// strategy response.
//
// Sequential fixtures: If numbered files exist (e.g., "recon.1.json",
// "recon.2.json"), the Nth call for that phase returns the Nth fixture.
// After exhausting numbered fixtures, the base "recon.json" is used as
// a repeating fallback. This enables testing replan rounds.
//
// Phases without fixtures get a built-in canned strategy so the server
// is usable with no fixtures directory at all.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type planRequest struct {
	WorkflowID     string   `json:"workflowId"`
	Target         string   `json:"target"`
	Phase          string   `json:"phase"`
	UserIntent     string   `json:"userIntent"`
	AvailableTools []string `json:"availableTools"`
	Critique       string   `json:"critique,omitempty"`
}

// capturedRequest stores the key fields of an incoming plan request for
// test verification.
type capturedRequest struct {
	Request   planRequest `json:"request"`
	CallIndex int         `json:"call_index"`
	Timestamp int64       `json:"timestamp"`
}

type server struct {
	fixtures map[string][]string // phase → ordered fixture contents (sequential)
	calls    atomic.Int64

	phaseCalls   map[string]*atomic.Int64
	phaseCallsMu sync.Mutex

	requests   map[string][]capturedRequest
	requestsMu sync.Mutex
}

func newServer(fixtures map[string][]string) *server {
	return &server{
		fixtures:   fixtures,
		phaseCalls: make(map[string]*atomic.Int64),
		requests:   make(map[string][]capturedRequest),
	}
}

func (s *server) phaseCounter(phase string) *atomic.Int64 {
	s.phaseCallsMu.Lock()
	defer s.phaseCallsMu.Unlock()
	c, ok := s.phaseCalls[phase]
	if !ok {
		c = &atomic.Int64{}
		s.phaseCalls[phase] = c
	}
	return c
}

func (s *server) capture(phase string, req planRequest, callIndex int) {
	s.requestsMu.Lock()
	defer s.requestsMu.Unlock()
	s.requests[phase] = append(s.requests[phase], capturedRequest{
		Request:   req,
		CallIndex: callIndex,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}

	s.calls.Add(1)
	callIndex := int(s.phaseCounter(req.Phase).Add(1))
	s.capture(req.Phase, req, callIndex)
	log.Printf("plan request: phase=%s target=%s call=%d critique=%v",
		req.Phase, req.Target, callIndex, req.Critique != "")

	w.Header().Set("Content-Type", "application/json")

	if seq, ok := s.fixtures[req.Phase]; ok {
		// Numbered fixtures serve in order; the base fixture repeats.
		idx := callIndex - 1
		if idx >= len(seq) {
			idx = len(seq) - 1
		}
		_, _ = w.Write([]byte(seq[idx]))
		return
	}

	_ = json.NewEncoder(w).Encode(cannedStrategy(req))
}

// cannedStrategy builds a minimal valid strategy from whatever tools the
// orchestrator said are available.
func cannedStrategy(req planRequest) map[string]any {
	recs := make([]map[string]any, 0, len(req.AvailableTools))
	for _, tool := range req.AvailableTools {
		recs = append(recs, map[string]any{
			"tool":       tool,
			"purpose":    "mock recommendation",
			"priority":   "medium",
			"parameters": map[string]any{"target": req.Target},
		})
	}
	return map[string]any{
		"reasoning":       fmt.Sprintf("canned %s strategy for %s", req.Phase, req.Target),
		"recommendations": recs,
		"confidenceLevel": 0.5,
	}
}

// handleRequests returns captured requests for a phase, for e2e asserts.
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	phase := r.URL.Query().Get("phase")

	s.requestsMu.Lock()
	defer s.requestsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if phase != "" {
		_ = json.NewEncoder(w).Encode(s.requests[phase])
		return
	}
	_ = json.NewEncoder(w).Encode(s.requests)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"calls":  s.calls.Load(),
	})
}

var numberedFixture = regexp.MustCompile(`^(.+)\.(\d+)$`)

// loadFixtures reads *.json files from dir. "recon.json" becomes the
// base fixture for phase "recon"; "recon.2.json" becomes its second
// sequential response.
func loadFixtures(dir string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	base := make(map[string]string)
	numbered := make(map[string]map[int]string)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read fixture %s: %w", entry.Name(), err)
		}

		if m := numberedFixture.FindStringSubmatch(name); m != nil {
			n, _ := strconv.Atoi(m[2])
			if numbered[m[1]] == nil {
				numbered[m[1]] = make(map[int]string)
			}
			numbered[m[1]][n] = string(data)
			continue
		}
		base[name] = string(data)
	}

	fixtures := make(map[string][]string)
	for phase, byIndex := range numbered {
		indexes := make([]int, 0, len(byIndex))
		for n := range byIndex {
			indexes = append(indexes, n)
		}
		sort.Ints(indexes)
		for _, n := range indexes {
			fixtures[phase] = append(fixtures[phase], byIndex[n])
		}
		if b, ok := base[phase]; ok {
			fixtures[phase] = append(fixtures[phase], b)
		}
	}
	for phase, b := range base {
		if _, ok := fixtures[phase]; !ok {
			fixtures[phase] = []string{b}
		}
	}
	return fixtures, nil
}

func main() {
	fixturesDir := flag.String("fixtures", "", "Directory of JSON strategy fixtures (optional)")
	port := flag.Int("port", 8391, "Listen port")
	flag.Parse()

	fixtures := make(map[string][]string)
	if *fixturesDir != "" {
		var err error
		fixtures, err = loadFixtures(*fixturesDir)
		if err != nil {
			log.Fatalf("load fixtures: %v", err)
		}
		log.Printf("loaded fixtures for %d phase(s) from %s", len(fixtures), *fixturesDir)
	}

	s := newServer(fixtures)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /plan", s.handlePlan)
	mux.HandleFunc("GET /requests", s.handleRequests)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("mock-planner listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}
