// Package metrics exposes the Prometheus collectors used across the
// pipeline: admission verdicts, delivery outcomes, retry/dead-letter
// counts, and circuit breaker state, scraped by internal/httpapi.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// AdmissionDecisions counts admission verdicts by PreProcessCode name.
	AdmissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgcore_admission_decisions_total",
			Help: "Admission verdicts by pre-process code.",
		},
		[]string{"code"},
	)

	// RoutedMessages counts messages accepted onto the distribution topic
	// by session type.
	RoutedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgcore_routed_messages_total",
			Help: "Messages assigned a server_msg_id and published to message_store/message_distribution.",
		},
		[]string{"session_type"},
	)

	// DeliveryAttempts counts per-attempt delivery outcomes.
	DeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgcore_delivery_attempts_total",
			Help: "Delivery Worker attempts by outcome (sent, retry, offline).",
		},
		[]string{"outcome"},
	)

	// DeadLetters counts messages permanently failed to the dead_letter
	// topic.
	DeadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgcore_dead_letters_total",
			Help: "Messages handed to the dead-letter topic after exhausting retries.",
		},
		[]string{"reason"},
	)

	// DeliveryLatencySeconds observes end-to-end time from admission to
	// terminal delivery status.
	DeliveryLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "msgcore_delivery_latency_seconds",
			Help:    "Time from admission accept to a terminal delivery status.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// GatewayCircuitState reports the gobreaker state per gateway address
	// as a gauge (0=closed, 1=half-open, 2=open).
	GatewayCircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "msgcore_gateway_circuit_state",
			Help: "Gateway push circuit breaker state: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"gateway_address"},
	)

	// CollaboratorCircuitState mirrors GatewayCircuitState for the
	// hand-rolled collaborator breaker.
	CollaboratorCircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "msgcore_collaborator_circuit_state",
			Help: "Collaborator call circuit breaker state: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"collaborator"},
	)

	// ActiveSessions gauges the current Session Registry population.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgcore_active_sessions",
			Help: "Number of live sessions tracked by the Session Registry.",
		},
	)

	// SyncOperations counts Sync Coordinator operations by type.
	SyncOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgcore_sync_operations_total",
			Help: "Sync Coordinator operations by operation_type.",
		},
		[]string{"operation_type"},
	)
)

// Registry is the collector registry used by internal/httpapi's /metrics
// handler. A dedicated registry (rather than prometheus.DefaultRegisterer)
// keeps msgcore's metrics free of the process-default collectors that
// some hosting environments already register elsewhere.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		AdmissionDecisions,
		RoutedMessages,
		DeliveryAttempts,
		DeadLetters,
		DeliveryLatencySeconds,
		GatewayCircuitState,
		CollaboratorCircuitState,
		ActiveSessions,
		SyncOperations,
	)
}

// CircuitGaugeValue maps a breaker state name to the gauge value
// convention used by GatewayCircuitState/CollaboratorCircuitState.
func CircuitGaugeValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
