// Package metrics collects and exposes Prometheus metrics of the identity
// service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "identity"

// Operation results.
const (
	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultConflict = "conflict"
	ResultInvalid  = "invalid"
	ResultDenied   = "denied"
	ResultError    = "error"
)

// Recorder is what the service layer and the migration code report to.
type Recorder interface {
	RecordOperation(operation, result string, d time.Duration)
	RecordMigration(direction string, version int64)
	SetSchemaVersion(version int64, pending bool)
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	operations    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	migrations    *prometheus.CounterVec
	schemaVersion prometheus.Gauge
	pending       prometheus.Gauge
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_operations_total",
			Help:      "User operations by name and result.",
		}, []string{"operation", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "user_operation_duration_seconds",
			Help:      "Latency of user operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_applied_total",
			Help:      "Migration steps executed by direction.",
		}, []string{"direction", "version"}),
		schemaVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schema_version",
			Help:      "Latest applied schema migration version.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schema_migrations_pending",
			Help:      "1 when migrations are pending, 0 otherwise.",
		}),
	}

	reg.MustRegister(c.operations, c.latency, c.migrations, c.schemaVersion, c.pending)

	return c
}

func (c *Collector) RecordOperation(operation, result string, d time.Duration) {
	c.operations.WithLabelValues(operation, result).Inc()
	c.latency.WithLabelValues(operation).Observe(d.Seconds())
}

func (c *Collector) RecordMigration(direction string, version int64) {
	c.migrations.WithLabelValues(direction, strconv.FormatInt(version, 10)).Inc()
}

func (c *Collector) SetSchemaVersion(version int64, pending bool) {
	c.schemaVersion.Set(float64(version))
	if pending {
		c.pending.Set(1)
	} else {
		c.pending.Set(0)
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordOperation(string, string, time.Duration) {}
func (Nop) RecordMigration(string, int64) {}
func (Nop) SetSchemaVersion(int64, bool) {}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute returns a mux serving /metrics.
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
