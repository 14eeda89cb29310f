package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/probeline/probeline/engine"
	"github.com/probeline/probeline/event"
	"github.com/probeline/probeline/model"
	"github.com/probeline/probeline/planner"
)

// ErrWorkflowNotFound is returned for operations on unknown workflow ids.
var ErrWorkflowNotFound = fmt.Errorf("workflow not found")

// State is the mutable record for one workflow: the aggregate, its
// lock, and the cancel handle for the executor goroutine.
type State struct {
	mu     sync.RWMutex
	wf     *model.Workflow
	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed when the executor goroutine has finished.
func (st *State) Done() <-chan struct{} {
	return st.done
}

// StartRequest is the public input for creating a workflow.
type StartRequest struct {
	Target      string             `json:"target"`
	UserIntent  string             `json:"userIntent"`
	Constraints model.Constraints  `json:"constraints"`
	Credentials *model.Credentials `json:"credentials,omitempty"`
}

// Summary is a light listing view of a workflow.
type Summary struct {
	ID        string               `json:"id"`
	Target    string               `json:"target"`
	Status    model.WorkflowStatus `json:"status"`
	CreatedAt time.Time            `json:"created_at"`
}

// Controller is the public surface of the orchestrator: it owns the
// workflow registry and delegates execution to the phase executor.
type Controller struct {
	executor  *Executor
	bus       *event.Bus
	approvals *Approvals
	engine    *engine.Engine
	planner   *planner.Client
	logger    *slog.Logger

	mu        sync.RWMutex
	workflows map[string]*State
	observer  func(workflowID string)
}

// SetObserver registers a callback invoked for every started workflow.
// Used to attach audit sinks. Must be set before the first StartWorkflow.
func (c *Controller) SetObserver(fn func(workflowID string)) {
	c.observer = fn
}

// NewController creates a controller.
func NewController(executor *Executor, e *engine.Engine, p *planner.Client, bus *event.Bus, approvals *Approvals, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		executor:  executor,
		bus:       bus,
		approvals: approvals,
		engine:    e,
		planner:   p,
		logger:    logger,
		workflows: make(map[string]*State),
	}
}

// StartWorkflow validates the request, registers the workflow, and
// launches the executor goroutine. Returns the new workflow id.
func (c *Controller) StartWorkflow(req StartRequest) (string, error) {
	wf := &model.Workflow{
		ID:          uuid.NewString(),
		Target:      req.Target,
		UserIntent:  req.UserIntent,
		Constraints: req.Constraints,
		Credentials: req.Credentials,
		CreatedAt:   time.Now().UTC(),
		Status:      model.StatusPending,
	}
	if err := wf.Validate(); err != nil {
		return "", fmt.Errorf("invalid workflow request: %w", err)
	}

	runCtx := context.Background()
	var cancel context.CancelFunc
	if budget := req.Constraints.TimeBudget; budget > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, budget)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	st := &State{wf: wf, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.workflows[wf.ID] = st
	c.mu.Unlock()

	c.logger.Info("Workflow started",
		"workflow_id", wf.ID,
		"target", wf.Target,
		"environment", string(wf.Constraints.Environment))

	if c.observer != nil {
		c.observer(wf.ID)
	}

	go func() {
		defer close(st.done)
		defer cancel()
		c.executor.Run(runCtx, st)
	}()

	return wf.ID, nil
}

// Subscribe returns an event stream for a workflow: full replay first,
// then live events until the terminal event.
func (c *Controller) Subscribe(workflowID string) (*event.Subscription, error) {
	if _, err := c.state(workflowID); err != nil {
		return nil, err
	}
	return c.bus.Subscribe(workflowID), nil
}

// Cancel aborts a running workflow. Cancelling a terminal workflow is a
// no-op; cancelling twice is safe.
func (c *Controller) Cancel(workflowID string) error {
	st, err := c.state(workflowID)
	if err != nil {
		return err
	}

	st.mu.RLock()
	terminal := st.wf.Status.IsTerminal()
	st.mu.RUnlock()
	if terminal {
		return nil
	}

	c.logger.Info("Cancelling workflow", "workflow_id", workflowID)
	st.cancel()
	return nil
}

// Status returns a deep copy of the workflow aggregate. Credentials are
// never included.
func (c *Controller) Status(workflowID string) (*model.Workflow, error) {
	st, err := c.state(workflowID)
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	data, merr := json.Marshal(st.wf)
	st.mu.RUnlock()
	if merr != nil {
		return nil, fmt.Errorf("snapshot workflow: %w", merr)
	}

	var out model.Workflow
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("snapshot workflow: %w", err)
	}
	return &out, nil
}

// List returns summaries of all registered workflows.
func (c *Controller) List() []Summary {
	c.mu.RLock()
	states := make([]*State, 0, len(c.workflows))
	for _, st := range c.workflows {
		states = append(states, st)
	}
	c.mu.RUnlock()

	out := make([]Summary, 0, len(states))
	for _, st := range states {
		st.mu.RLock()
		out = append(out, Summary{
			ID:        st.wf.ID,
			Target:    st.wf.Target,
			Status:    st.wf.Status,
			CreatedAt: st.wf.CreatedAt,
		})
		st.mu.RUnlock()
	}
	return out
}

// ResolveApproval settles a pending approval request.
func (c *Controller) ResolveApproval(workflowID, approvalID string, approved bool, decidedBy, reason string) error {
	if _, err := c.state(workflowID); err != nil {
		return err
	}
	return c.approvals.Resolve(workflowID, approvalID, approved, decidedBy, reason)
}

// PendingApprovals lists open approval requests for a workflow.
func (c *Controller) PendingApprovals(workflowID string) ([]PendingApproval, error) {
	if _, err := c.state(workflowID); err != nil {
		return nil, err
	}
	return c.approvals.Pending(workflowID), nil
}

// Destroy removes all state for a workflow: registry entry, event
// stream, stored results, approvals, and planner bookkeeping. Running
// workflows are cancelled and waited for first.
func (c *Controller) Destroy(workflowID string) error {
	st, err := c.state(workflowID)
	if err != nil {
		return err
	}

	st.cancel()
	<-st.done

	c.mu.Lock()
	delete(c.workflows, workflowID)
	c.mu.Unlock()

	c.approvals.DropWorkflow(workflowID)
	c.engine.Results().Drop(workflowID)
	c.planner.Forget(workflowID)
	c.bus.Drop(workflowID)

	c.logger.Info("Workflow destroyed", "workflow_id", workflowID)
	return nil
}

func (c *Controller) state(workflowID string) (*State, error) {
	c.mu.RLock()
	st := c.workflows[workflowID]
	c.mu.RUnlock()
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return st, nil
}
