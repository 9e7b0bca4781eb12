// Package metrics registers all Prometheus instrumentation for the capture
// and decision pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the service exports.
type Metrics struct {
	// Quality gate
	GateLatency  *prometheus.HistogramVec
	GateDecision *prometheus.CounterVec

	// Event bus
	EventsEmitted     *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	SubscribersActive prometheus.Gauge

	// Vendor orchestrator
	CapabilityLatency *prometheus.HistogramVec
	CapabilityErrors  *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec

	// Sessions and decisions
	SessionsActive   prometheus.Gauge
	SessionsReaped   prometheus.Counter
	DecisionVerdicts *prometheus.CounterVec

	// Privacy boundary
	RedactionViolations prometheus.Counter

	// Audit
	AuditRecords  prometheus.Counter
	AuditDegraded prometheus.Gauge
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		GateLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kyc_gate_latency_ms",
				Help:    "Quality gate decision latency in milliseconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100},
			},
			[]string{"side"},
		),
		GateDecision: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kyc_gate_decisions_total",
				Help: "Quality gate outcomes",
			},
			[]string{"outcome", "cancel_reason"},
		),
		EventsEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kyc_events_emitted_total",
				Help: "Events emitted onto per-session queues",
			},
			[]string{"type"},
		),
		EventsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kyc_events_dropped_total",
				Help: "Events dropped on queue or subscriber overflow",
			},
			[]string{"reason"}, // queue_full, slow_subscriber
		),
		SubscribersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kyc_stream_subscribers",
				Help: "Currently connected event stream subscribers",
			},
		),
		CapabilityLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kyc_capability_latency_seconds",
				Help:    "Vendor adapter call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"capability", "adapter"},
		),
		CapabilityErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kyc_capability_errors_total",
				Help: "Vendor adapter call failures",
			},
			[]string{"capability", "adapter", "kind"}, // timeout, error, breaker_open
		),
		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kyc_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"capability", "adapter"},
		),
		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kyc_sessions_active",
				Help: "Sessions currently held by the session manager",
			},
		),
		SessionsReaped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "kyc_sessions_reaped_total",
				Help: "Sessions closed by the idle TTL reaper",
			},
		),
		DecisionVerdicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kyc_decisions_total",
				Help: "Final decisions by verdict",
			},
			[]string{"verdict"},
		),
		RedactionViolations: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "kyc_redaction_violations_total",
				Help: "Attempts to log raw imagery or unredacted PII, blocked at the boundary",
			},
		),
		AuditRecords: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "kyc_audit_records_total",
				Help: "Records appended to the audit chain",
			},
		),
		AuditDegraded: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kyc_audit_degraded",
				Help: "1 when the audit log is degraded and decision writes are rejected",
			},
		),
	}
}
