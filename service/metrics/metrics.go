// Package metrics holds the Prometheus collectors for the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application. Following the
// explicit dependency injection pattern, this struct is passed to all
// components that need to record metrics.
type Metrics struct {
	// Solana RPC metrics
	rpcCallsTotal    *prometheus.CounterVec
	rpcCallDuration  *prometheus.HistogramVec
	rpcRetriesTotal  *prometheus.CounterVec
	rpcBreakerTrips  *prometheus.CounterVec
	rpcRateLimitHits *prometheus.CounterVec

	// Escrow lifecycle metrics
	transitionsTotal       *prometheus.CounterVec
	instructionBuildsTotal *prometheus.CounterVec
	integrityErrorsTotal   *prometheus.CounterVec
	confirmDuration        *prometheus.HistogramVec

	// Reconciliation metrics
	reconcileRunsTotal    *prometheus.CounterVec
	reconcileDealsChecked *prometheus.CounterVec
	reconcileDuration     *prometheus.HistogramVec

	// Database metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		rpcRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),
		rpcBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_breaker_trips_total",
				Help: "Total number of circuit breaker trips per endpoint",
			},
			[]string{"endpoint"},
		),
		rpcRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),

		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_transitions_total",
				Help: "Total number of deal state transitions by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		instructionBuildsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_instruction_builds_total",
				Help: "Total number of instruction build attempts",
			},
			[]string{"instruction", "status"},
		),
		integrityErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_integrity_errors_total",
				Help: "Total number of fatal integrity errors (PDA mismatch, payload length)",
			},
			[]string{"kind"},
		),
		confirmDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_confirm_duration_seconds",
				Help:    "Duration of confirm operations in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"action", "outcome"},
		),

		reconcileRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_runs_total",
				Help: "Total number of reconciliation workflow runs",
			},
			[]string{"status"},
		),
		reconcileDealsChecked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_deals_checked_total",
				Help: "Total number of deals examined by reconciliation",
			},
			[]string{"result"},
		),
		reconcileDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconcile_duration_seconds",
				Help:    "Duration of reconciliation runs in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.rpcCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.rpcCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.rpcRetriesTotal.WithLabelValues(method, reason).Inc()
}

// RecordBreakerTrip records a circuit breaker opening for an endpoint.
func (m *Metrics) RecordBreakerTrip(endpoint string) {
	m.rpcBreakerTrips.WithLabelValues(endpoint).Inc()
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.rpcRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordTransition records a deal state transition attempt.
// outcome is one of "committed", "rejected", "error".
func (m *Metrics) RecordTransition(operation, outcome string) {
	m.transitionsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordInstructionBuild records an instruction build attempt.
func (m *Metrics) RecordInstructionBuild(instruction, status string) {
	m.instructionBuildsTotal.WithLabelValues(instruction, status).Inc()
}

// RecordIntegrityError records a fatal integrity error.
func (m *Metrics) RecordIntegrityError(kind string) {
	m.integrityErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordConfirm records a confirm operation with duration.
func (m *Metrics) RecordConfirm(action, outcome string, duration float64) {
	m.confirmDuration.WithLabelValues(action, outcome).Observe(duration)
}

// RecordReconcileRun records a reconciliation run with duration.
func (m *Metrics) RecordReconcileRun(status string, duration float64) {
	m.reconcileRunsTotal.WithLabelValues(status).Inc()
	m.reconcileDuration.WithLabelValues(status).Observe(duration)
}

// RecordReconcileDeal records the result of reconciling a single deal.
// result is one of "in_sync", "repaired", "error".
func (m *Metrics) RecordReconcileDeal(result string) {
	m.reconcileDealsChecked.WithLabelValues(result).Inc()
}

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
