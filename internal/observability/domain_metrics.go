package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlbridge_tool_calls_total",
			Help: "Total number of tool calls by tool and outcome.",
		},
		[]string{"tool", "status"},
	)
	toolCallDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlbridge_tool_call_duration_seconds",
			Help:    "Tool call latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"tool"},
	)
	toolRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlbridge_tool_retries_total",
			Help: "Total number of transparent retries on retryable failures.",
		},
	)
	queryRowsReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlbridge_query_rows_returned",
			Help:    "Rows returned per successful query.",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
		},
	)
	queryTruncationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlbridge_query_truncations_total",
			Help: "Total number of results truncated by the row or byte cap.",
		},
	)
	poolOpenConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlbridge_pool_open_connections",
			Help: "Current number of open warehouse connections.",
		},
	)
	poolIdleConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlbridge_pool_idle_connections",
			Help: "Current number of idle warehouse connections.",
		},
	)
	poolAcquireWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlbridge_pool_acquire_wait_seconds",
			Help:    "Time spent waiting to acquire a warehouse connection.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		},
	)
	poolConnectionsDiscardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlbridge_pool_connections_discarded_total",
			Help: "Total number of connections discarded instead of reused.",
		},
		[]string{"reason"},
	)
	admissionRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlbridge_admission_rejected_total",
			Help: "Total number of tool calls rejected because the admission queue was full.",
		},
	)
	authFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlbridge_auth_failures_total",
			Help: "Total number of authentication failures.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		toolCallsTotal,
		toolCallDurationSeconds,
		toolRetriesTotal,
		queryRowsReturned,
		queryTruncationsTotal,
		poolOpenConnections,
		poolIdleConnections,
		poolAcquireWaitSeconds,
		poolConnectionsDiscardedTotal,
		admissionRejectedTotal,
		authFailuresTotal,
	)
}

func ObserveToolCall(tool, status string, elapsed time.Duration) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
	toolCallDurationSeconds.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func IncrementToolRetry() {
	toolRetriesTotal.Inc()
}

func ObserveQueryResult(rows int, truncated bool) {
	queryRowsReturned.Observe(float64(rows))
	if truncated {
		queryTruncationsTotal.Inc()
	}
}

func SetPoolGauges(open, idle int) {
	poolOpenConnections.Set(float64(open))
	poolIdleConnections.Set(float64(idle))
}

func ObservePoolAcquireWait(elapsed time.Duration) {
	poolAcquireWaitSeconds.Observe(elapsed.Seconds())
}

func IncrementConnectionDiscarded(reason string) {
	poolConnectionsDiscardedTotal.WithLabelValues(reason).Inc()
}

func IncrementAdmissionRejected() {
	admissionRejectedTotal.Inc()
}

func IncrementAuthFailure(reason string) {
	authFailuresTotal.WithLabelValues(reason).Inc()
}
