package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the indexer.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal        *prometheus.CounterVec
	solanaRPCCallDuration      *prometheus.HistogramVec
	solanaRPCRateLimitHits     *prometheus.CounterVec
	solanaRPCRetries           *prometheus.CounterVec
	solanaRPCSignaturesPerCall *prometheus.HistogramVec

	// Reconciliation Metrics
	transactionsReconciledTotal *prometheus.CounterVec
	movementsWrittenTotal       *prometheus.CounterVec
	movementsOutOfRangeTotal    prometheus.Counter
	writesFailedTotal           *prometheus.CounterVec
	publishFailuresTotal        prometheus.Counter

	// Backfill Metrics
	backfillPagesTotal      prometheus.Counter
	backfillSignaturesTotal *prometheus.CounterVec

	// Live ingestion Metrics
	liveNotificationsTotal *prometheus.CounterVec
	liveQueueDepth         prometheus.Gauge
	liveStreamReconnects   prometheus.Counter

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
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
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"method"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),
		solanaRPCSignaturesPerCall: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_signatures_per_call",
				Help:    "Number of signatures fetched per GetSignaturesForAddress call",
				Buckets: []float64{0, 1, 10, 50, 100, 250, 500, 1000},
			},
			[]string{"account"},
		),

		transactionsReconciledTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_reconciled_total",
				Help: "Total number of transactions passed through the reconciler",
			},
			[]string{"metadata", "status"},
		),
		movementsWrittenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_movements_written_total",
				Help: "Total number of token movements handed to the store",
			},
			[]string{"result"},
		),
		movementsOutOfRangeTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "token_movements_out_of_range_total",
				Help: "Token balance deltas too large for a signed 64-bit amount, not recorded",
			},
		),
		writesFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_writes_failed_total",
				Help: "Total number of store writes that failed and were dropped",
			},
			[]string{"table"},
		),
		publishFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "movement_publish_failures_total",
				Help: "Total number of movement events that could not be published",
			},
		),

		backfillPagesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "backfill_pages_total",
				Help: "Total number of signature pages fetched by the backfill walker",
			},
		),
		backfillSignaturesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_signatures_total",
				Help: "Signatures visited by the backfill walker by outcome",
			},
			[]string{"outcome"},
		),

		liveNotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "live_notifications_total",
				Help: "Live notifications handled by outcome",
			},
			[]string{"outcome"},
		),
		liveQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "live_queue_depth",
				Help: "Number of live notifications waiting for a worker",
			},
		),
		liveStreamReconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "live_stream_reconnects_total",
				Help: "Number of times the live subscription was re-established",
			},
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

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(method string) {
	m.solanaRPCRateLimitHits.WithLabelValues(method).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// RecordRPCSignaturesPerCall records the number of signatures fetched.
func (m *Metrics) RecordRPCSignaturesPerCall(account string, count float64) {
	m.solanaRPCSignaturesPerCall.WithLabelValues(account).Observe(count)
}

// Reconciliation metric helpers

// RecordTransactionReconciled records one pass through the reconciler.
// metadata is "present" or "absent", status is "success" or "failed".
func (m *Metrics) RecordTransactionReconciled(metadata, status string) {
	m.transactionsReconciledTotal.WithLabelValues(metadata, status).Inc()
}

// RecordMovementWritten records a movement write; result is "inserted" or "duplicate".
func (m *Metrics) RecordMovementWritten(result string) {
	m.movementsWrittenTotal.WithLabelValues(result).Inc()
}

// RecordMovementOutOfRange records a balance delta that could not be stored.
func (m *Metrics) RecordMovementOutOfRange() {
	m.movementsOutOfRangeTotal.Inc()
}

// RecordWriteFailed records a store write that was dropped.
func (m *Metrics) RecordWriteFailed(table string) {
	m.writesFailedTotal.WithLabelValues(table).Inc()
}

// RecordPublishFailure records a movement event that could not be published.
func (m *Metrics) RecordPublishFailure() {
	m.publishFailuresTotal.Inc()
}

// Backfill metric helpers

// RecordBackfillPage records one signature page fetched.
func (m *Metrics) RecordBackfillPage() {
	m.backfillPagesTotal.Inc()
}

// RecordBackfillSignature records the outcome for one visited signature:
// "reconciled", "skipped_existing" or "fetch_failed".
func (m *Metrics) RecordBackfillSignature(outcome string) {
	m.backfillSignaturesTotal.WithLabelValues(outcome).Inc()
}

// Live ingestion metric helpers

// RecordLiveNotification records the outcome for one live notification:
// "reconciled", "duplicate" or "resolve_failed".
func (m *Metrics) RecordLiveNotification(outcome string) {
	m.liveNotificationsTotal.WithLabelValues(outcome).Inc()
}

// SetLiveQueueDepth records the current number of queued notifications.
func (m *Metrics) SetLiveQueueDepth(depth int) {
	m.liveQueueDepth.Set(float64(depth))
}

// RecordStreamReconnect records a re-established live subscription.
func (m *Metrics) RecordStreamReconnect() {
	m.liveStreamReconnects.Inc()
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

func statusCodeToString(code int) string {
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
