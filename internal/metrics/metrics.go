// Package metrics holds the prometheus instruments shared across the
// billing core. Everything is registered with promauto on the default
// registry; the gateway exposes it at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reservations tracks reserve outcomes by result
	// (reserved, insufficient_funds, degraded, error).
	Reservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_reservations_total",
		Help: "Reserve attempts by outcome.",
	}, []string{"result"})

	// Finalizations tracks finalize outcomes by result
	// (committed, released, voided, idempotent, dlq).
	Finalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_finalizations_total",
		Help: "Finalize attempts by outcome.",
	}, []string{"result"})

	// DLQDepth is the current size of the retry schedule.
	DLQDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dlq_schedule_depth",
		Help: "Entries currently scheduled for replay.",
	})

	// DLQReplays tracks replay attempts by outcome
	// (finalized, requeued, terminal, claim_lost).
	DLQReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dlq_replays_total",
		Help: "DLQ replay attempts by outcome.",
	}, []string{"result"})

	// BreakerTransitions counts circuit state changes.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_transitions_total",
		Help: "Breaker state transitions by key and new state.",
	}, []string{"key", "state"})

	// AdmissionMode reports the reconciliation state per tenant as a
	// numeric gauge: 0=SYNCED, 1=FAIL_OPEN, 2=FAIL_CLOSED.
	AdmissionMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reconcile_admission_mode",
		Help: "Budget-authority admission mode (0 synced, 1 fail-open, 2 fail-closed).",
	}, []string{"tenant"})

	// StreamBillingMethod counts terminated streams by attribution method.
	StreamBillingMethod = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_billing_method_total",
		Help: "Terminated streams by billing method.",
	}, []string{"method"})

	// ProviderRequests counts upstream model calls by provider and status
	// class (2xx, 4xx, 5xx, network).
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_requests_total",
		Help: "Upstream provider requests by provider and status class.",
	}, []string{"provider", "class"})

	// AuthRejections counts edge-auth failures by typed code.
	AuthRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_rejections_total",
		Help: "Edge auth rejections by code.",
	}, []string{"code"})
)
