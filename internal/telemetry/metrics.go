// Package telemetry provides application-level observability for the code
// lifecycle engine.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<SELLO_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090.  The endpoint returns data in the Prometheus text exposition
// format (Content-Type: text/plain; version=0.0.4) and is intended to be scraped by
// a Prometheus server every 15–60 seconds.  It is NOT served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Code generation and state transition counters
//   - Scan decode attempt counters and extraction latency histograms
//   - Binding conflict counters
//   - Transition event dispatch failure counters
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /v1/verify/:code)
// rather than the raw request URL to prevent unbounded label cardinality from
// user-supplied path segments such as code payloads.
//
// # Usage
//
// Import the package for side effects so metrics are registered before the HTTP server
// starts listening:
//
//	import _ "github.com/sello-registry/sello/internal/telemetry"
//
// Or import it directly and use an exported var:
//
//	telemetry.CodesGeneratedTotal.WithLabelValues(documentTypeID).Inc()
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}.
// The path label holds the Gin route template (e.g. /v1/verify/:code),
// NOT the raw URL, to prevent unbounded cardinality.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - Requests by route:                 sum by (path) (rate(http_requests_total[5m]))
//
// HTTPRequestDuration is a HistogramVec with labels {method, path} and exponential-ish
// buckets from 5 ms to 30 s.  Use histogram_quantile to compute latency percentiles.
//
// Example PromQL queries:
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
//   - Average latency:                   rate(http_request_duration_seconds_sum[5m]) / rate(http_request_duration_seconds_count[5m])
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Code lifecycle metrics — recorded by the generator and the lifecycle manager.
//
// CodesGeneratedTotal is a CounterVec with label {document_type} incremented once
// per code successfully minted.  Document type IDs are a small, operator-controlled
// set so cardinality stays bounded.
//
// Example PromQL queries:
//   - Mint rate by type:  sum by (document_type) (rate(codes_generated_total[1h]))
//
// CodeTransitionsTotal is a CounterVec with labels {from, to} incremented on every
// successful state transition (activation, binding, revocation, expiry sweep).
// Both labels come from the fixed five-state machine.
//
// Example PromQL queries:
//   - Bindings per hour:   sum(rate(code_transitions_total{to="used"}[1h]))
//   - Expiry sweep volume: increase(code_transitions_total{to="expired"}[24h])
//
// BindConflictsTotal is a CounterVec with label {reason} (already_used, expired,
// revoked, not_active) incremented whenever a binding or activation is refused by
// the storage-level conditional update.  A sustained nonzero rate of already_used
// conflicts usually means the same physical document is being registered twice.
//
// Example PromQL queries:
//   - Conflict rate by reason:  sum by (reason) (rate(bind_conflicts_total[1h]))
var (
	CodesGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codes_generated_total",
			Help: "Total number of codes minted, by document type.",
		},
		[]string{"document_type"},
	)

	CodeTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "code_transitions_total",
			Help: "Total number of successful code state transitions, by from and to state.",
		},
		[]string{"from", "to"},
	)

	BindConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bind_conflicts_total",
			Help: "Total number of refused activations or bindings, by conflict reason.",
		},
		[]string{"reason"},
	)
)

// Scan extraction metrics — recorded by the extractor and the scan intake service.
//
// ScanDecodeAttemptsTotal is a CounterVec with labels {mime_type, outcome} where
// outcome is "decoded", "no_code", or "error".  mime_type is the canonical sniffed
// type (image/png, application/pdf, ...), a small fixed set.
//
// Example PromQL queries:
//   - Decode failure rate:  sum(rate(scan_decode_attempts_total{outcome="error"}[1h])) / sum(rate(scan_decode_attempts_total[1h]))
//   - No-code share by type: sum by (mime_type) (rate(scan_decode_attempts_total{outcome="no_code"}[1h]))
//
// ScanExtractDuration is a Histogram observing the wall-clock time of a full
// extraction pass over one uploaded file (all pages, all preprocessing retries).
// Buckets reach 60 s because multi-page PDF decoding is slow by nature.
//
// Example PromQL queries:
//   - p95 extract time:  histogram_quantile(0.95, rate(scan_extract_duration_seconds_bucket[1h]))
var (
	ScanDecodeAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_decode_attempts_total",
			Help: "Total number of scan extraction attempts, by sniffed MIME type and outcome.",
		},
		[]string{"mime_type", "outcome"},
	)

	ScanExtractDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scan_extract_duration_seconds",
			Help:    "Duration of a full extraction pass over one uploaded scan file.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
	)
)

// DispatchFailuresTotal is a CounterVec with label {shipper} (webhook, file)
// incremented when a transition event batch cannot be delivered.  Events are
// fire-and-forget, so this counter is the only signal that a destination is down.
//
// Example PromQL queries:
//   - Alert expression:  increase(dispatch_failures_total[30m]) > 3
var DispatchFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatch_failures_total",
		Help: "Total number of failed transition event deliveries, by shipper type.",
	},
	[]string{"shipper"},
)

// ExpiryNotificationsSentTotal is a plain Counter (no labels) incremented once
// per digest email successfully delivered by the code expiry background job.
// A stalled counter combined with codes approaching expiry is a useful alert signal
// for SMTP delivery failures.
//
// Example PromQL queries:
//   - Rate of notifications sent:  rate(expiry_notifications_sent_total[24h])
var ExpiryNotificationsSentTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "expiry_notifications_sent_total",
		Help: "Total number of code expiry warning emails successfully sent.",
	},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <SELLO_DATABASE_MAX_CONNECTIONS> * 100
//   - Alert on near-exhaustion: db_open_connections > 20  (for max_connections=25)
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(database)
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
