package engine

import "context"

// ApprovalRequest asks a human to sign off on one invocation.
type ApprovalRequest struct {
	WorkflowID   string
	InvocationID string
	Tool         string
	Target       string
	Reason       string
}

// ApprovalDecision is the human's answer.
type ApprovalDecision struct {
	Approved  bool
	Reason    string
	DecidedBy string
}

// ApprovalGate blocks an invocation on a human decision. The gate owns
// request correlation, event publication, caching of repeat approvals,
// and expiry; the engine only waits on the outcome.
type ApprovalGate interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}

// DenyAllGate rejects every approval request. Used when no approval
// channel is wired, so restraint rules demanding approval fail closed.
type DenyAllGate struct{}

func (DenyAllGate) RequestApproval(_ context.Context, _ ApprovalRequest) (ApprovalDecision, error) {
	return ApprovalDecision{Approved: false, Reason: "no approval channel configured"}, nil
}
