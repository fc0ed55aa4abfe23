package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	operationDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	sweepBatchBuckets        = []float64{0, 1, 5, 10, 25, 50, 100, 250}
)

// Metrics holds all Prometheus metric instruments for the process engine.
type Metrics struct {
	// Engine metrics
	ExecutionsStartedTotal   *prometheus.CounterVec
	ExecutionsCompletedTotal *prometheus.CounterVec
	ActiveExecutions         *prometheus.GaugeVec
	StepTransitionsTotal     *prometheus.CounterVec
	OperationDuration        *prometheus.HistogramVec
	OperationErrorsTotal     *prometheus.CounterVec

	// Approval metrics
	ApprovalsRequestedTotal *prometheus.CounterVec
	ApprovalDecisionsTotal  *prometheus.CounterVec

	// Escalation and rollback metrics
	EscalationsTotal prometheus.Counter
	RollbacksTotal   prometheus.Counter

	// Audit metrics
	AuditAppendsTotal *prometheus.CounterVec

	// Sweep metrics
	SweepRunsTotal    *prometheus.CounterVec
	SweepBatchSize    prometheus.Histogram
	DefinitionsLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procengine_executions_started_total",
			Help: "Total number of process executions started.",
		}, []string{"definition"}),
		ExecutionsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procengine_executions_completed_total",
			Help: "Total number of process executions reaching a terminal status.",
		}, []string{"definition", "final_status"}),
		ActiveExecutions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "procengine_active_executions",
			Help: "Number of executions not yet in a terminal status.",
		}, []string{"definition"}),
		StepTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procengine_step_transitions_total",
			Help: "Total number of step status transitions.",
		}, []string{"definition", "to_status"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "procengine_operation_duration_seconds",
			Help:    "Engine operation duration in seconds.",
			Buckets: operationDurationBuckets,
		}, []string{"operation"}),
		OperationErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procengine_operation_errors_total",
			Help: "Total number of engine operation errors.",
		}, []string{"operation", "code"}),

		ApprovalsRequestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procengine_approvals_requested_total",
			Help: "Total number of approvals requested.",
		}, []string{"definition"}),
		ApprovalDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procengine_approval_decisions_total",
			Help: "Total number of approval decisions.",
		}, []string{"decision"}),

		EscalationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procengine_escalations_total",
			Help: "Total number of escalations recorded.",
		}),
		RollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procengine_rollbacks_total",
			Help: "Total number of executions rolled back.",
		}),

		AuditAppendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procengine_audit_appends_total",
			Help: "Total number of audit rows appended.",
		}, []string{"event_type"}),

		SweepRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procengine_sweep_runs_total",
			Help: "Total number of SLA sweep runs.",
		}, []string{"status"}),
		SweepBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "procengine_sweep_batch_size",
			Help:    "Number of overdue records handled per sweep run.",
			Buckets: sweepBatchBuckets,
		}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procengine_definitions_loaded",
			Help: "Number of loaded process definitions.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsStartedTotal,
		m.ExecutionsCompletedTotal,
		m.ActiveExecutions,
		m.StepTransitionsTotal,
		m.OperationDuration,
		m.OperationErrorsTotal,
		m.ApprovalsRequestedTotal,
		m.ApprovalDecisionsTotal,
		m.EscalationsTotal,
		m.RollbacksTotal,
		m.AuditAppendsTotal,
		m.SweepRunsTotal,
		m.SweepBatchSize,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordExecutionStart records a started execution.
func (m *Metrics) RecordExecutionStart(definition string) {
	m.ExecutionsStartedTotal.WithLabelValues(definition).Inc()
	m.ActiveExecutions.WithLabelValues(definition).Inc()
}

// RecordExecutionEnd records an execution reaching a terminal status.
func (m *Metrics) RecordExecutionEnd(definition, finalStatus string) {
	m.ExecutionsCompletedTotal.WithLabelValues(definition, finalStatus).Inc()
	m.ActiveExecutions.WithLabelValues(definition).Dec()
}

// RecordStepTransition records a step status transition.
func (m *Metrics) RecordStepTransition(definition, toStatus string) {
	m.StepTransitionsTotal.WithLabelValues(definition, toStatus).Inc()
}

// RecordOperation records the duration and outcome of one engine operation.
func (m *Metrics) RecordOperation(operation string, duration time.Duration, errCode string) {
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if errCode != "" {
		m.OperationErrorsTotal.WithLabelValues(operation, errCode).Inc()
	}
}

// RecordApprovalRequested records a requested approval.
func (m *Metrics) RecordApprovalRequested(definition string) {
	m.ApprovalsRequestedTotal.WithLabelValues(definition).Inc()
}

// RecordApprovalDecision records an approval decision.
func (m *Metrics) RecordApprovalDecision(decision string) {
	m.ApprovalDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordEscalation records an escalation.
func (m *Metrics) RecordEscalation() {
	m.EscalationsTotal.Inc()
}

// RecordRollback records a rollback.
func (m *Metrics) RecordRollback() {
	m.RollbacksTotal.Inc()
}

// RecordAuditAppend records an audit row append.
func (m *Metrics) RecordAuditAppend(eventType string) {
	m.AuditAppendsTotal.WithLabelValues(eventType).Inc()
}

// RecordSweep records one sweep run.
func (m *Metrics) RecordSweep(status string, handled int) {
	m.SweepRunsTotal.WithLabelValues(status).Inc()
	m.SweepBatchSize.Observe(float64(handled))
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
