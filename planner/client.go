// Package planner talks to the adaptive planning service that proposes
// which tools to run next. The service is advisory only: every
// recommendation still passes restraint evaluation, and when the
// service is down a deterministic local fallback keeps workflows
// moving.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/probeline/probeline/model"
)

const (
	// DefaultTimeout bounds a single planning request.
	DefaultTimeout = 60 * time.Second

	// DefaultMinRecommendations is the floor for recon-phase strategies.
	// A thinner plan triggers a critique round before being accepted.
	DefaultMinRecommendations = 5

	maxResponseBytes = 4 * 1024 * 1024
)

// Request describes one planning call.
type Request struct {
	WorkflowID     string
	Target         string
	Phase          model.PhaseName
	UserIntent     string
	PriorFindings  []model.Finding
	CompletedTools []string
	AvailableTools []string
	Constraints    model.Constraints
}

// Client is an HTTP client for the planning service. At most one plan
// request per workflow is in flight at a time; concurrent callers for
// the same workflow queue behind each other.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryConfig
	logger     *slog.Logger
	minRecs    int

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient substitutes the HTTP client. Used by tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(rc RetryConfig) ClientOption {
	return func(c *Client) {
		c.retry = rc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMinRecommendations sets the recon-phase strategy floor.
func WithMinRecommendations(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.minRecs = n
		}
	}
}

// NewClient creates a planning client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		retry:      DefaultRetryConfig(),
		logger:     slog.Default(),
		minRecs:    DefaultMinRecommendations,
		inflight:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Plan requests a strategy for the next batch of work. On a thin
// recon-phase strategy the client sends a critique round and merges the
// two answers; if the merge is still under the floor it tops up from
// the local fallback. The returned strategy contains only tools that
// exist in req.AvailableTools.
func (c *Client) Plan(ctx context.Context, req Request) (*model.Strategy, error) {
	lock := c.workflowLock(req.WorkflowID)
	lock.Lock()
	defer lock.Unlock()

	strategy, err := c.planWithRetry(ctx, req, "")
	if err != nil {
		return nil, err
	}

	if req.Phase == model.PhaseRecon && len(strategy.Recommendations) < c.minRecs {
		c.logger.Info("Strategy under floor, requesting critique round",
			"workflow_id", req.WorkflowID,
			"got", len(strategy.Recommendations),
			"floor", c.minRecs)

		critique := fmt.Sprintf(
			"Previous strategy proposed only %d tool(s); propose a broader reconnaissance strategy with at least %d complementary tools",
			len(strategy.Recommendations), c.minRecs)

		replanned, rerr := c.planWithRetry(ctx, req, critique)
		if rerr != nil {
			c.logger.Warn("Critique round failed, keeping thin strategy",
				"workflow_id", req.WorkflowID,
				"error", rerr)
		} else {
			strategy = Synthesize(strategy, replanned)
		}

		if len(strategy.Recommendations) < c.minRecs {
			strategy = Synthesize(strategy, Fallback(req))
			strategy.Fallback = false
		}
	}

	return strategy, nil
}

func (c *Client) workflowLock(workflowID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.inflight[workflowID]
	if !ok {
		lock = &sync.Mutex{}
		c.inflight[workflowID] = lock
	}
	return lock
}

// Forget drops per-workflow client state after a workflow is destroyed.
func (c *Client) Forget(workflowID string) {
	c.mu.Lock()
	delete(c.inflight, workflowID)
	c.mu.Unlock()
}

func (c *Client) planWithRetry(ctx context.Context, req Request, critique string) (*model.Strategy, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		strategy, err := c.doPlan(ctx, req, critique)
		if err == nil {
			return strategy, nil
		}
		lastErr = err

		if IsFatal(err) {
			return nil, err
		}

		if attempt < c.retry.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("Plan request failed, retrying",
				"workflow_id", req.WorkflowID,
				"attempt", attempt,
				"max_attempts", c.retry.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("planner unavailable after %d attempts: %w", c.retry.MaxAttempts, lastErr)
}

// calculateBackoff computes exponential backoff with +/- 25% jitter to
// prevent synchronized retries.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retry.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retry.BackoffBase) * multiplier)
	if backoff > c.retry.MaxBackoff {
		backoff = c.retry.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

func (c *Client) doPlan(ctx context.Context, req Request, critique string) (*model.Strategy, error) {
	body, err := json.Marshal(wireRequest{
		WorkflowID:     req.WorkflowID,
		Target:         req.Target,
		Phase:          string(req.Phase),
		UserIntent:     req.UserIntent,
		PriorFindings:  req.PriorFindings,
		CompletedTools: req.CompletedTools,
		AvailableTools: req.AvailableTools,
		Constraints: wireConstraints{
			Scope:        req.Constraints.Scope,
			Environment:  string(req.Constraints.Environment),
			TimeBudgetMs: req.Constraints.TimeBudget.Milliseconds(),
			ExcludeTools: req.Constraints.ExcludeTools,
		},
		Critique: critique,
	})
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("marshal plan request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/plan", bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build plan request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("plan request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read plan response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, NewTransientError(fmt.Errorf("planner returned %d: %s", resp.StatusCode, firstBytes(raw, 200)))
	default:
		return nil, NewFatalError(fmt.Errorf("planner returned %d: %s", resp.StatusCode, firstBytes(raw, 200)))
	}

	extracted := ExtractJSON(string(raw))
	if extracted == "" {
		return nil, NewTransientError(fmt.Errorf("no JSON object in planner response"))
	}

	var wire wireResponse
	if err := json.Unmarshal([]byte(extracted), &wire); err != nil {
		return nil, NewTransientError(fmt.Errorf("decode plan response: %w", err))
	}

	return c.toStrategy(req, wire), nil
}

// toStrategy converts a wire response into a validated strategy.
// Recommendations naming unknown tools are dropped with a warning, as
// are safety check tags outside the recognised set.
func (c *Client) toStrategy(req Request, wire wireResponse) *model.Strategy {
	available := make(map[string]bool, len(req.AvailableTools))
	for _, t := range req.AvailableTools {
		available[t] = true
	}

	s := &model.Strategy{
		Reasoning:            wire.Reasoning,
		Confidence:           wire.ConfidenceLevel,
		EstimatedDuration:    wire.EstimatedDuration,
		SafetyConsiderations: wire.SafetyConsiderations,
		NextPhaseConditions:  wire.NextPhaseConditions,
	}

	for _, wr := range wire.Recommendations {
		if !available[wr.Tool] {
			c.logger.Warn("Planner recommended unavailable tool, dropping",
				"workflow_id", req.WorkflowID,
				"tool", wr.Tool)
			continue
		}

		var checks []string
		for _, tag := range wr.SafetyChecks {
			if model.KnownSafetyChecks[tag] {
				checks = append(checks, tag)
			} else {
				c.logger.Warn("Unknown safety check tag, dropping",
					"workflow_id", req.WorkflowID,
					"tool", wr.Tool,
					"tag", tag)
			}
		}

		params := wr.Parameters
		if params == nil {
			params = map[string]any{}
		}
		if _, ok := params["target"]; !ok {
			params["target"] = req.Target
		}

		s.Recommendations = append(s.Recommendations, model.Recommendation{
			Tool:            wr.Tool,
			Purpose:         wr.Purpose,
			ExpectedOutcome: wr.ExpectedOutcome,
			Parameters:      params,
			SafetyChecks:    checks,
			Priority:        model.ParsePriority(wr.Priority),
			OWASPCategory:   wr.OWASPCategory,
		})
	}
	return s
}

// Synthesize merges two strategies, deduplicating recommendations by
// tool and target. The first strategy's metadata wins.
func Synthesize(a, b *model.Strategy) *model.Strategy {
	out := &model.Strategy{
		Reasoning:            a.Reasoning,
		Confidence:           a.Confidence,
		EstimatedDuration:    a.EstimatedDuration,
		SafetyConsiderations: a.SafetyConsiderations,
		NextPhaseConditions:  a.NextPhaseConditions,
		Fallback:             a.Fallback && b.Fallback,
	}
	seen := make(map[string]bool)
	for _, r := range append(append([]model.Recommendation{}, a.Recommendations...), b.Recommendations...) {
		if seen[r.Key()] {
			continue
		}
		seen[r.Key()] = true
		out.Recommendations = append(out.Recommendations, r)
	}
	return out
}

func firstBytes(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

type wireRequest struct {
	WorkflowID     string          `json:"workflowId"`
	Target         string          `json:"target"`
	Phase          string          `json:"phase"`
	UserIntent     string          `json:"userIntent"`
	PriorFindings  []model.Finding `json:"priorFindings,omitempty"`
	CompletedTools []string        `json:"completedTools,omitempty"`
	AvailableTools []string        `json:"availableTools"`
	Constraints    wireConstraints `json:"constraints"`
	Critique       string          `json:"critique,omitempty"`
}

type wireConstraints struct {
	Scope        []string `json:"scope,omitempty"`
	Environment  string   `json:"environment"`
	TimeBudgetMs int64    `json:"timeBudgetMs,omitempty"`
	ExcludeTools []string `json:"excludeTools,omitempty"`
}

type wireRecommendation struct {
	Tool            string         `json:"tool"`
	Purpose         string         `json:"purpose"`
	ExpectedOutcome string         `json:"expectedOutcome"`
	Parameters      map[string]any `json:"parameters"`
	SafetyChecks    []string       `json:"safetyChecks"`
	Priority        string         `json:"priority"`
	OWASPCategory   string         `json:"owaspCategory"`
}

type wireResponse struct {
	Reasoning            string               `json:"reasoning"`
	Recommendations      []wireRecommendation `json:"recommendations"`
	ConfidenceLevel      float64              `json:"confidenceLevel"`
	EstimatedDuration    float64              `json:"estimatedDuration"`
	SafetyConsiderations []string             `json:"safetyConsiderations"`
	NextPhaseConditions  []string             `json:"nextPhaseConditions"`
}
