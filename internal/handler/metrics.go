package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/archon72/ledger/internal/checkpoint"
	"github.com/archon72/ledger/pkg/event"
	"github.com/archon72/ledger/pkg/integrity"
)

var (
	ledgerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	ledgerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ledgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_appends_total",
		Help: "Total append attempts by result.",
	}, []string{"result"})

	ledgerAppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_append_duration_seconds",
		Help:    "Append latency including the commit.",
		Buckets: prometheus.DefBuckets,
	})

	ledgerHeadSequence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_head_sequence",
		Help: "Sequence number of the current head.",
	})

	ledgerCheckpointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_checkpoints_published_total",
		Help: "Total checkpoint anchors published.",
	})

	ledgerAnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_integrity_anomalies_total",
		Help: "Integrity anomalies detected by kind.",
	}, []string{"kind"})

	ledgerWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_webhook_deliveries_total",
		Help: "Total webhook deliveries by success status.",
	}, []string{"status"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		ledgerRequestsTotal.WithLabelValues(method, path, status).Inc()
		ledgerRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAppend records an append attempt. Its signature matches
// ledger.AppendRecordFunc.
func RecordAppend(ev event.Event, err error, elapsed time.Duration) {
	ledgerAppendDuration.Observe(elapsed.Seconds())
	if err != nil {
		ledgerAppendsTotal.WithLabelValues("failure").Inc()
		return
	}
	ledgerAppendsTotal.WithLabelValues("success").Inc()
	ledgerHeadSequence.Set(float64(ev.Sequence))
}

// SetHeadSequence sets the head gauge, used once at startup.
func SetHeadSequence(seq uint64) {
	ledgerHeadSequence.Set(float64(seq))
}

// RecordCheckpoint records a published anchor.
func RecordCheckpoint(checkpoint.Anchor) {
	ledgerCheckpointsTotal.Inc()
}

// RecordAnomaly records one detected integrity anomaly.
func RecordAnomaly(kind integrity.Kind) {
	ledgerAnomaliesTotal.WithLabelValues(string(kind)).Inc()
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		ledgerWebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		ledgerWebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}
