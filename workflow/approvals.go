// Package workflow hosts the controller, the phase executor, and the
// approval and retention machinery that together own a workflow's
// lifecycle from request to terminal state.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/probeline/probeline/engine"
	"github.com/probeline/probeline/event"
	"github.com/probeline/probeline/metrics"
)

// DefaultApprovalTTL is how long an approval request stays open before
// it expires as a rejection.
const DefaultApprovalTTL = 30 * time.Minute

// ErrApprovalNotFound is returned when resolving an unknown or
// already-settled approval id.
var ErrApprovalNotFound = fmt.Errorf("approval not found")

// PendingApproval is a view of one open approval request.
type PendingApproval struct {
	ID           string    `json:"id"`
	WorkflowID   string    `json:"workflow_id"`
	InvocationID string    `json:"invocation_id,omitempty"`
	Tool         string    `json:"tool"`
	Target       string    `json:"target"`
	Reason       string    `json:"reason"`
	RequestedAt  time.Time `json:"requested_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type pendingApproval struct {
	view  PendingApproval
	ch    chan engine.ApprovalDecision
	timer *time.Timer
}

// Approvals is the request-response correlation table for human
// approvals. The waiting side blocks on a single-shot channel that
// either the resolver or the expiry timer fires. Granted and rejected
// decisions are cached per (workflow, tool, target) so identical drafts
// within one workflow reuse the answer; the cache never crosses
// workflow boundaries.
type Approvals struct {
	bus    *event.Bus
	logger *slog.Logger
	ttl    time.Duration

	mu      sync.Mutex
	pending map[string]*pendingApproval
	cache   map[string]map[string]engine.ApprovalDecision
}

// NewApprovals creates an approvals manager.
func NewApprovals(bus *event.Bus, ttl time.Duration, logger *slog.Logger) *Approvals {
	if ttl <= 0 {
		ttl = DefaultApprovalTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Approvals{
		bus:     bus,
		logger:  logger,
		ttl:     ttl,
		pending: make(map[string]*pendingApproval),
		cache:   make(map[string]map[string]engine.ApprovalDecision),
	}
}

// RequestApproval implements engine.ApprovalGate. It publishes an
// approval:request event with a fresh id and blocks until resolution,
// expiry, or context cancellation.
func (a *Approvals) RequestApproval(ctx context.Context, req engine.ApprovalRequest) (engine.ApprovalDecision, error) {
	cacheKey := req.Tool + "\x00" + req.Target

	a.mu.Lock()
	if cached, ok := a.cache[req.WorkflowID][cacheKey]; ok {
		a.mu.Unlock()
		a.logger.Info("Reusing cached approval decision",
			"workflow_id", req.WorkflowID,
			"tool", req.Tool,
			"approved", cached.Approved)
		return cached, nil
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	p := &pendingApproval{
		view: PendingApproval{
			ID:           id,
			WorkflowID:   req.WorkflowID,
			InvocationID: req.InvocationID,
			Tool:         req.Tool,
			Target:       req.Target,
			Reason:       req.Reason,
			RequestedAt:  now,
			ExpiresAt:    now.Add(a.ttl),
		},
		ch: make(chan engine.ApprovalDecision, 1),
	}
	p.timer = time.AfterFunc(a.ttl, func() {
		if err := a.Resolve(req.WorkflowID, id, false, "system", "expired"); err == nil {
			a.logger.Warn("Approval request expired",
				"workflow_id", req.WorkflowID,
				"approval_id", id,
				"tool", req.Tool)
		}
	})
	a.pending[id] = p
	a.mu.Unlock()

	a.bus.Publish(req.WorkflowID, event.KindApprovalRequest, map[string]any{
		"approval_id":   id,
		"invocation_id": req.InvocationID,
		"tool":          req.Tool,
		"target":        req.Target,
		"reason":        req.Reason,
		"expires_at":    p.view.ExpiresAt,
	})

	select {
	case decision := <-p.ch:
		a.mu.Lock()
		// Expiry and teardown are not operator decisions; only real
		// grants and rejections are reused within the workflow.
		if decision.Approved || (decision.Reason != "expired" && decision.Reason != "workflow ended") {
			wfCache, ok := a.cache[req.WorkflowID]
			if !ok {
				wfCache = make(map[string]engine.ApprovalDecision)
				a.cache[req.WorkflowID] = wfCache
			}
			wfCache[cacheKey] = decision
		}
		a.mu.Unlock()
		return decision, nil

	case <-ctx.Done():
		a.mu.Lock()
		if p, ok := a.pending[id]; ok {
			p.timer.Stop()
			delete(a.pending, id)
		}
		a.mu.Unlock()
		return engine.ApprovalDecision{}, ctx.Err()
	}
}

// Resolve settles a pending approval. The first resolution wins;
// resolving an unknown or settled id returns ErrApprovalNotFound.
func (a *Approvals) Resolve(workflowID, approvalID string, approved bool, decidedBy, reason string) error {
	a.mu.Lock()
	p, ok := a.pending[approvalID]
	if !ok || p.view.WorkflowID != workflowID {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrApprovalNotFound, approvalID)
	}
	p.timer.Stop()
	delete(a.pending, approvalID)
	a.mu.Unlock()

	decision := engine.ApprovalDecision{Approved: approved, Reason: reason, DecidedBy: decidedBy}
	p.ch <- decision

	result := "rejected"
	if approved {
		result = "approved"
	}
	if reason == "expired" {
		result = "expired"
	}
	metrics.RecordApproval(result)

	a.bus.Publish(workflowID, event.KindApprovalResolved, map[string]any{
		"approval_id": approvalID,
		"approved":    approved,
		"decided_by":  decidedBy,
		"reason":      reason,
	})
	return nil
}

// Pending lists open approval requests for a workflow.
func (a *Approvals) Pending(workflowID string) []PendingApproval {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []PendingApproval
	for _, p := range a.pending {
		if p.view.WorkflowID == workflowID {
			out = append(out, p.view)
		}
	}
	return out
}

// DropWorkflow rejects any open requests and clears the cache for a
// workflow. Called on cancellation and retention cleanup.
func (a *Approvals) DropWorkflow(workflowID string) {
	a.mu.Lock()
	var ids []string
	for id, p := range a.pending {
		if p.view.WorkflowID == workflowID {
			ids = append(ids, id)
		}
	}
	delete(a.cache, workflowID)
	a.mu.Unlock()

	for _, id := range ids {
		_ = a.Resolve(workflowID, id, false, "system", "workflow ended")
	}
}
