package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Iteration throughput and duration per autopilot session
//   - Completion analyzer confidence and quality distributions
//   - Dual-agent handoff counts and quality-gate outcomes
//   - Observer pool occupancy, admission outcomes, and backpressure drops
//   - Backend errors categorized by kind
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.SessionStarted("SINGLE")
//	defer metrics.SessionEnded("SINGLE", "COMPLETED", time.Since(start).Seconds())
type Metrics struct {
	// IterationCounter tracks iterations by role and exit status.
	// Labels: role (SINGLE|PLANNER|EXECUTOR), exit_status ("0" for a zero
	// exit status; otherwise "nonzero" from Loop.Step or the number from Loop.Run)
	IterationCounter *prometheus.CounterVec

	// IterationDuration measures per-iteration backend round-trip latency in seconds.
	// Labels: role
	// Buckets: 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s, 300s
	IterationDuration *prometheus.HistogramVec

	// AnalyzerConfidence tracks the completion analyzer's confidence score distribution.
	// Labels: decision (complete|continue)
	AnalyzerConfidence *prometheus.HistogramVec

	// AnalyzerQualityScore tracks the analyzer's quality score distribution.
	AnalyzerQualityScore prometheus.Histogram

	// AnalyzerPatternMatches counts pattern-family matches contributing to a verdict.
	// Labels: pattern (explicit_completion|task_pending|error_needs_fixing|clarification_needed|iterative_improvement)
	AnalyzerPatternMatches *prometheus.CounterVec

	// SessionsActive is a gauge tracking currently running autopilot sessions.
	// Labels: mode (SINGLE|DUAL)
	SessionsActive *prometheus.GaugeVec

	// SessionDuration measures autopilot session lifetime in seconds.
	// Labels: mode, status (COMPLETED|FAILED|ABORTED)
	// Buckets: 1s, 5s, 30s, 60s, 300s, 900s, 3600s
	SessionDuration *prometheus.HistogramVec

	// HandoffCounter counts planner/executor handoffs.
	// Labels: from_role, to_role, quality_gate (passed|failed)
	HandoffCounter *prometheus.CounterVec

	// BackendErrorCounter tracks backend errors by kind.
	// Labels: backend ("configured" from the autopilot loop), kind
	BackendErrorCounter *prometheus.CounterVec

	// JournalWriteDuration measures append-to-journal latency in seconds.
	JournalWriteDuration prometheus.Histogram

	// ObserverConnections is a gauge tracking currently admitted observer connections.
	// Labels: state (ACTIVE|IDLE|RECOVERING)
	ObserverConnections *prometheus.GaugeVec

	// ObserverAdmissions counts admission attempts by outcome.
	// Labels: outcome (admitted|over_capacity|origin_denied|auth_failed|protocol_mismatch)
	ObserverAdmissions *prometheus.CounterVec

	// ObserverEventsDropped counts events dropped under per-subscriber backpressure.
	// Labels: reason (coalesce|drop_oldest)
	ObserverEventsDropped *prometheus.CounterVec

	// ObserverQueueDepth tracks current per-connection queue depth.
	// Labels: connection_id
	ObserverQueueDepth *prometheus.GaugeVec

	// ReadinessChecks counts readiness probe evaluations by resulting level.
	// Labels: level (healthy|partial|unavailable)
	ReadinessChecks *prometheus.CounterVec

	// HookDeliveries counts hook event deliveries by type and outcome.
	// Labels: event_type, outcome ("published" from the HookBus)
	HookDeliveries *prometheus.CounterVec
}

// NewMetrics creates all collectors and registers them with the
// default Prometheus registry; call it once per process (pkg/driver
// guards this with a sync.Once). The collectors then serve the usual
// /metrics handler.
func NewMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// newMetrics builds the collectors against factory, so tests can
// register against a throwaway registry instead of the process-wide
// default.
func newMetrics(factory promauto.Factory) *Metrics {
	return &Metrics{
		IterationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_iterations_total",
				Help: "Total number of iterations by role and exit status",
			},
			[]string{"role", "exit_status"},
		),

		IterationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autopilot_iteration_duration_seconds",
				Help:    "Duration of a single backend iteration in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"role"},
		),

		AnalyzerConfidence: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autopilot_analyzer_confidence",
				Help:    "Completion analyzer confidence score distribution",
				Buckets: []float64{0.1, 0.3, 0.5, 0.7, 0.8, 0.85, 0.9, 0.95, 1.0},
			},
			[]string{"decision"},
		),

		AnalyzerQualityScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "autopilot_analyzer_quality_score",
				Help:    "Completion analyzer quality score distribution",
				Buckets: []float64{0.1, 0.3, 0.5, 0.7, 0.75, 0.8, 0.9, 1.0},
			},
		),

		AnalyzerPatternMatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_analyzer_pattern_matches_total",
				Help: "Total pattern-family matches contributing to completion verdicts",
			},
			[]string{"pattern"},
		),

		SessionsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "autopilot_sessions_active",
				Help: "Current number of active autopilot sessions by mode",
			},
			[]string{"mode"},
		),

		SessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autopilot_session_duration_seconds",
				Help:    "Duration of autopilot sessions in seconds",
				Buckets: []float64{1, 5, 30, 60, 300, 900, 3600},
			},
			[]string{"mode", "status"},
		),

		HandoffCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_handoffs_total",
				Help: "Total planner/executor handoffs by role transition and quality gate outcome",
			},
			[]string{"from_role", "to_role", "quality_gate"},
		),

		BackendErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_backend_errors_total",
				Help: "Total backend errors by backend and error kind",
			},
			[]string{"backend", "kind"},
		),

		JournalWriteDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "autopilot_journal_write_duration_seconds",
				Help:    "Duration of session journal append operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),

		ObserverConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "autopilot_observer_connections",
				Help: "Current number of observer connections by state",
			},
			[]string{"state"},
		),

		ObserverAdmissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_observer_admissions_total",
				Help: "Total observer admission attempts by outcome",
			},
			[]string{"outcome"},
		),

		ObserverEventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_observer_events_dropped_total",
				Help: "Total observer events dropped under backpressure by reason",
			},
			[]string{"reason"},
		),

		ObserverQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "autopilot_observer_queue_depth",
				Help: "Current per-connection observer event queue depth",
			},
			[]string{"connection_id"},
		),

		ReadinessChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_readiness_checks_total",
				Help: "Total readiness probe evaluations by resulting level",
			},
			[]string{"level"},
		),

		HookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_hook_deliveries_total",
				Help: "Total hook event deliveries by event type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
	}
}

// IterationCompleted records a completed iteration.
//
// Example:
//
//	metrics.IterationCompleted("PLANNER", "0", time.Since(start).Seconds())
func (m *Metrics) IterationCompleted(role, exitStatus string, durationSeconds float64) {
	m.IterationCounter.WithLabelValues(role, exitStatus).Inc()
	m.IterationDuration.WithLabelValues(role).Observe(durationSeconds)
}

// RecordVerdict records a completion analyzer verdict.
//
// Example:
//
//	metrics.RecordVerdict(verdict.Confidence, verdict.QualityScore, verdict.IsComplete, verdict.DetectedPatterns)
func (m *Metrics) RecordVerdict(confidence, qualityScore float64, isComplete bool, patterns []string) {
	decision := "continue"
	if isComplete {
		decision = "complete"
	}
	m.AnalyzerConfidence.WithLabelValues(decision).Observe(confidence)
	m.AnalyzerQualityScore.Observe(qualityScore)
	for _, p := range patterns {
		m.AnalyzerPatternMatches.WithLabelValues(p).Inc()
	}
}

// SessionStarted increments the active sessions gauge.
func (m *Metrics) SessionStarted(mode string) {
	m.SessionsActive.WithLabelValues(mode).Inc()
}

// SessionEnded decrements the active sessions gauge and records session duration.
func (m *Metrics) SessionEnded(mode, status string, durationSeconds float64) {
	m.SessionsActive.WithLabelValues(mode).Dec()
	m.SessionDuration.WithLabelValues(mode, status).Observe(durationSeconds)
}

// RecordHandoff records a planner/executor handoff and its quality-gate outcome.
func (m *Metrics) RecordHandoff(fromRole, toRole string, qualityGatePassed bool) {
	gate := "failed"
	if qualityGatePassed {
		gate = "passed"
	}
	m.HandoffCounter.WithLabelValues(fromRole, toRole, gate).Inc()
}

// RecordBackendError records a classified backend error.
func (m *Metrics) RecordBackendError(backend, kind string) {
	m.BackendErrorCounter.WithLabelValues(backend, kind).Inc()
}

// RecordJournalWrite records the latency of a journal append.
func (m *Metrics) RecordJournalWrite(durationSeconds float64) {
	m.JournalWriteDuration.Observe(durationSeconds)
}

// ObserverAdmitted records a successful observer admission and sets its initial state.
func (m *Metrics) ObserverAdmitted() {
	m.ObserverAdmissions.WithLabelValues("admitted").Inc()
	m.ObserverConnections.WithLabelValues("ACTIVE").Inc()
}

// ObserverRejected records an observer admission rejection by reason code.
func (m *Metrics) ObserverRejected(reason string) {
	m.ObserverAdmissions.WithLabelValues(reason).Inc()
}

// ObserverStateChanged moves the connections gauge from one state to another.
func (m *Metrics) ObserverStateChanged(from, to string) {
	m.ObserverConnections.WithLabelValues(from).Dec()
	m.ObserverConnections.WithLabelValues(to).Inc()
}

// ObserverEventDropped records an event dropped for a connection under backpressure.
func (m *Metrics) ObserverEventDropped(reason string) {
	m.ObserverEventsDropped.WithLabelValues(reason).Inc()
}

// SetObserverQueueDepth sets the current queue depth for a connection.
func (m *Metrics) SetObserverQueueDepth(connectionID string, depth int) {
	m.ObserverQueueDepth.WithLabelValues(connectionID).Set(float64(depth))
}

// RecordReadinessCheck records a readiness probe evaluation outcome.
func (m *Metrics) RecordReadinessCheck(level string) {
	m.ReadinessChecks.WithLabelValues(level).Inc()
}

// RecordHookDelivery records a hook event dispatch outcome.
func (m *Metrics) RecordHookDelivery(eventType, outcome string) {
	m.HookDeliveries.WithLabelValues(eventType, outcome).Inc()
}
