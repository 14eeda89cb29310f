// Package metrics defines Prometheus metrics for the orchestrator.
//
// All metrics are registered with the default registry and served on
// the API server's /metrics endpoint.
//
// Metric naming follows Prometheus conventions:
//   - probeline_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// WorkflowsTotal counts workflows by terminal status.
	WorkflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probeline_workflows_total",
			Help: "Total number of workflows by terminal status.",
		},
		[]string{"status"},
	)

	// WorkflowDurationSeconds is a histogram of workflow duration.
	WorkflowDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "probeline_workflow_duration_seconds",
			Help:    "Duration of workflows in seconds.",
			Buckets: []float64{30, 60, 300, 600, 1200, 2400, 3600, 7200},
		},
	)

	// InvocationsTotal counts tool invocations by tool and outcome.
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probeline_invocations_total",
			Help: "Total tool invocations by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)

	// InvocationDurationSeconds is a histogram of invocation duration by tool.
	InvocationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "probeline_invocation_duration_seconds",
			Help:    "Duration of tool invocations in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"tool"},
	)

	// RestraintDecisionsTotal counts restraint decisions by action.
	RestraintDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probeline_restraint_decisions_total",
			Help: "Total restraint decisions by action.",
		},
		[]string{"action"},
	)

	// ApprovalsTotal counts approval resolutions by result.
	ApprovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probeline_approvals_total",
			Help: "Total approval resolutions by result.",
		},
		[]string{"result"},
	)

	// FindingsTotal counts findings by tool and severity.
	FindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probeline_findings_total",
			Help: "Total findings by tool and severity.",
		},
		[]string{"tool", "severity"},
	)

	// PlannerRequestsTotal counts planner calls by result.
	PlannerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probeline_planner_requests_total",
			Help: "Total planner requests by result (ok, fallback, error).",
		},
		[]string{"result"},
	)

	// ActiveContainers is the number of tool containers currently running.
	ActiveContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "probeline_active_containers",
			Help: "Number of tool containers currently executing.",
		},
	)

	// QueuedInvocations is the number of invocations waiting for a slot.
	QueuedInvocations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "probeline_queued_invocations",
			Help: "Number of invocations waiting for an execution slot.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkflowsTotal,
		WorkflowDurationSeconds,
		InvocationsTotal,
		InvocationDurationSeconds,
		RestraintDecisionsTotal,
		ApprovalsTotal,
		FindingsTotal,
		PlannerRequestsTotal,
		ActiveContainers,
		QueuedInvocations,
	)
}

// RecordWorkflowComplete records metrics for a terminal workflow.
func RecordWorkflowComplete(status string, duration time.Duration) {
	WorkflowsTotal.WithLabelValues(status).Inc()
	WorkflowDurationSeconds.Observe(duration.Seconds())
}

// RecordInvocation records a settled invocation.
func RecordInvocation(tool, outcome string, duration time.Duration) {
	InvocationsTotal.WithLabelValues(tool, outcome).Inc()
	if duration > 0 {
		InvocationDurationSeconds.WithLabelValues(tool).Observe(duration.Seconds())
	}
}

// RecordRestraintDecision records one restraint evaluation.
func RecordRestraintDecision(action string) {
	RestraintDecisionsTotal.WithLabelValues(action).Inc()
}

// RecordApproval records an approval resolution.
func RecordApproval(result string) {
	ApprovalsTotal.WithLabelValues(result).Inc()
}

// RecordFinding records a single finding.
func RecordFinding(tool, severity string) {
	FindingsTotal.WithLabelValues(tool, severity).Inc()
}

// RecordPlannerRequest records a planner call result.
func RecordPlannerRequest(result string) {
	PlannerRequestsTotal.WithLabelValues(result).Inc()
}
