package workflow

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRetention is how long terminal workflows are kept before the
// sweeper destroys them.
const DefaultRetention = 24 * time.Hour

// Retention periodically destroys terminal workflows older than the
// configured age, releasing their event rings, results, and approvals.
type Retention struct {
	controller *Controller
	maxAge     time.Duration
	cron       *cron.Cron
	logger     *slog.Logger
}

// NewRetention creates a sweeper. maxAge <= 0 falls back to the default.
func NewRetention(c *Controller, maxAge time.Duration, logger *slog.Logger) *Retention {
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{
		controller: c,
		maxAge:     maxAge,
		cron:       cron.New(),
		logger:     logger,
	}
}

// Start schedules the sweep every ten minutes.
func (r *Retention) Start() error {
	if _, err := r.cron.AddFunc("@every 10m", r.Sweep); err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Info("Retention sweeper started", "max_age", r.maxAge)
	return nil
}

// Stop halts the schedule. A sweep in progress finishes.
func (r *Retention) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Sweep destroys every terminal workflow whose completion is older than
// the retention age.
func (r *Retention) Sweep() {
	cutoff := time.Now().Add(-r.maxAge)

	for _, summary := range r.controller.List() {
		if !summary.Status.IsTerminal() {
			continue
		}
		wf, err := r.controller.Status(summary.ID)
		if err != nil {
			continue
		}
		if wf.CompletedAt.IsZero() || wf.CompletedAt.After(cutoff) {
			continue
		}
		if err := r.controller.Destroy(summary.ID); err != nil {
			r.logger.Warn("Retention destroy failed",
				"workflow_id", summary.ID,
				"error", err)
			continue
		}
		r.logger.Info("Expired workflow destroyed",
			"workflow_id", summary.ID,
			"completed_at", wf.CompletedAt)
	}
}
