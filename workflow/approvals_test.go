package workflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probeline/probeline/engine"
	"github.com/probeline/probeline/event"
	"github.com/probeline/probeline/workflow"
)

func request(workflowID, tool, target string) engine.ApprovalRequest {
	return engine.ApprovalRequest{
		WorkflowID: workflowID,
		Tool:       tool,
		Target:     target,
		Reason:     "intrusive tool in production",
	}
}

// resolveWhenPending waits for the request to appear, then settles it.
func resolveWhenPending(t *testing.T, a *workflow.Approvals, workflowID string, approved bool, reason string) {
	t.Helper()
	go func() {
		for range 500 {
			if pending := a.Pending(workflowID); len(pending) > 0 {
				_ = a.Resolve(workflowID, pending[0].ID, approved, "alice", reason)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func TestApprovalsResolve(t *testing.T) {
	a := workflow.NewApprovals(event.NewBus(), time.Minute, nil)
	resolveWhenPending(t, a, "wf1", true, "looks safe")

	decision, err := a.RequestApproval(context.Background(), request("wf1", "sql-injection", "example.com"))
	require.NoError(t, err)
	assert.True(t, decision.Approved)
	assert.Equal(t, "alice", decision.DecidedBy)
	assert.Empty(t, a.Pending("wf1"))
}

func TestApprovalsDecisionCachedPerWorkflow(t *testing.T) {
	a := workflow.NewApprovals(event.NewBus(), time.Minute, nil)
	resolveWhenPending(t, a, "wf1", true, "ok")

	first, err := a.RequestApproval(context.Background(), request("wf1", "sql-injection", "example.com"))
	require.NoError(t, err)
	require.True(t, first.Approved)

	// Same workflow, tool, and target: answered from cache, nothing pends.
	done := make(chan engine.ApprovalDecision, 1)
	go func() {
		d, _ := a.RequestApproval(context.Background(), request("wf1", "sql-injection", "example.com"))
		done <- d
	}()
	select {
	case d := <-done:
		assert.True(t, d.Approved)
	case <-time.After(time.Second):
		t.Fatal("cached decision was not reused")
	}

	// A different target asks again.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = a.RequestApproval(ctx, request("wf1", "sql-injection", "other.example.com"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Another workflow never sees wf1's cache.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_, err = a.RequestApproval(ctx2, request("wf2", "sql-injection", "example.com"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestApprovalsExpiryNotCached(t *testing.T) {
	a := workflow.NewApprovals(event.NewBus(), 20*time.Millisecond, nil)

	decision, err := a.RequestApproval(context.Background(), request("wf1", "sql-injection", "example.com"))
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Equal(t, "expired", decision.Reason)

	// The expiry is not a cached answer; the next request pends again.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = a.RequestApproval(ctx, request("wf1", "sql-injection", "example.com"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestApprovalsResolveUnknownID(t *testing.T) {
	a := workflow.NewApprovals(event.NewBus(), time.Minute, nil)

	err := a.Resolve("wf1", "nope", true, "alice", "")
	assert.ErrorIs(t, err, workflow.ErrApprovalNotFound)
}

func TestApprovalsFirstResolutionWins(t *testing.T) {
	a := workflow.NewApprovals(event.NewBus(), time.Minute, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	var decision engine.ApprovalDecision
	go func() {
		defer wg.Done()
		decision, _ = a.RequestApproval(context.Background(), request("wf1", "sql-injection", "example.com"))
	}()

	var pending []workflow.PendingApproval
	require.Eventually(t, func() bool {
		pending = a.Pending("wf1")
		return len(pending) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, a.Resolve("wf1", pending[0].ID, false, "alice", "no"))
	assert.ErrorIs(t, a.Resolve("wf1", pending[0].ID, true, "bob", "yes"), workflow.ErrApprovalNotFound)

	wg.Wait()
	assert.False(t, decision.Approved)
	assert.Equal(t, "alice", decision.DecidedBy)
}

func TestApprovalsDropWorkflow(t *testing.T) {
	a := workflow.NewApprovals(event.NewBus(), time.Minute, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	var decision engine.ApprovalDecision
	go func() {
		defer wg.Done()
		decision, _ = a.RequestApproval(context.Background(), request("wf1", "sql-injection", "example.com"))
	}()

	require.Eventually(t, func() bool {
		return len(a.Pending("wf1")) == 1
	}, time.Second, time.Millisecond)

	a.DropWorkflow("wf1")
	wg.Wait()

	assert.False(t, decision.Approved)
	assert.Equal(t, "workflow ended", decision.Reason)
	assert.Empty(t, a.Pending("wf1"))
}
