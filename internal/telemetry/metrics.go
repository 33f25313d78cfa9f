// Package telemetry provides application-level observability for the portal backend.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<DOM_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090.  The endpoint returns data in the Prometheus text exposition
// format (Content-Type: text/plain; version=0.0.4) and is intended to be scraped by
// a Prometheus server every 15–60 seconds.  It is NOT served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Audit trail entry counters
//   - Backup execution duration and error counters
//   - Webhook delivery counters and queue depth gauge
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/backups/:tipo)
// rather than the raw request URL to prevent unbounded label cardinality from
// user-supplied path segments such as backup IDs or event types.
//
// # Usage
//
// Import the package for side effects so metrics are registered before the HTTP server
// starts listening, or use an exported var directly:
//
//	telemetry.WebhookDeliveriesTotal.WithLabelValues(eventType, "sucesso").Inc()
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
// The path label holds the Gin route template (e.g. /api/v1/webhooks/eventos),
// NOT the raw URL, to prevent unbounded cardinality.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - Requests by route:                 sum by (path) (rate(http_requests_total[5m]))
//
// HTTPRequestDuration is a HistogramVec with labels {method, path} and exponential-ish
// buckets from 5 ms to 30 s.  Use histogram_quantile to compute latency percentiles.
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

// Audit trail metrics.
//
// AuditEntriesTotal is a CounterVec with labels {resultado, critico} incremented once
// per entry recorded in the audit trail.  "resultado" is sucesso/erro/aviso and
// "critico" is "true" when the entry was also mirrored into the critical log.
//
// Example PromQL queries:
//   - Entry rate by outcome:   sum by (resultado) (rate(audit_entries_total[5m]))
//   - Critical action rate:    rate(audit_entries_total{critico="true"}[1h])
//
// AuditPersistErrorsTotal counts storage failures while saving the audit trail.
// The trail is best-effort, so these never surface to callers; a non-zero rate is
// the only external signal that entries are being dropped.
var (
	AuditEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Total number of audit trail entries recorded, by result and critical flag.",
		},
		[]string{"resultado", "critico"},
	)

	AuditPersistErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_persist_errors_total",
			Help: "Total number of failed attempts to persist the audit trail.",
		},
	)
)

// Backup engine metrics — recorded by the backup service and scheduler.
//
// BackupDuration is a HistogramVec with label {tipo} (eventos, configuracoes,
// certificados, logs, completo).  Each observation is one complete backup run,
// successful or not.
//
// Example PromQL queries:
//   - p95 backup duration:  histogram_quantile(0.95, sum by (tipo, le) (rate(backup_duration_seconds_bucket[24h])))
//
// BackupErrorsTotal is a CounterVec with label {tipo}.  An alert on
// increase(backup_errors_total[24h]) > 0 is recommended: a silently failing
// nightly backup is exactly the failure mode this counter exists to expose.
//
// RestoresTotal is a CounterVec with label {outcome} (sucesso/erro) counting
// restore operations.
var (
	BackupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backup_duration_seconds",
			Help:    "Duration of a single backup run, by backup type.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tipo"},
	)

	BackupErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backup_errors_total",
			Help: "Total number of failed backup runs, by backup type.",
		},
		[]string{"tipo"},
	)

	RestoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restores_total",
			Help: "Total number of backup restore operations, by outcome.",
		},
		[]string{"outcome"},
	)
)

// Webhook distribution metrics.
//
// WebhookDeliveriesTotal is a CounterVec with labels {evento, outcome} incremented
// once per delivery attempt to a subscriber.  "outcome" is sucesso or erro.
//
// Example PromQL queries:
//   - Failure rate by event type:  sum by (evento) (rate(webhook_deliveries_total{outcome="erro"}[1h]))
//
// WebhookQueueDepth is a Gauge tracking the number of events waiting in the
// in-memory distribution queue.  A persistently growing gauge means subscribers
// are slower than the inbound event rate.
//
// WebhookSubscriptionsDeactivatedTotal counts subscriptions automatically
// deactivated after exhausting their delivery attempts.
var (
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts, by event type and outcome.",
		},
		[]string{"evento", "outcome"},
	)

	WebhookQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webhook_queue_depth",
			Help: "Current number of events waiting in the webhook distribution queue.",
		},
	)

	WebhookSubscriptionsDeactivatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_subscriptions_deactivated_total",
			Help: "Total number of webhook subscriptions deactivated after repeated delivery failures.",
		},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <DOM_DATABASE_MAX_CONNECTIONS> * 100
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
