// Package metrics exposes Prometheus collectors for the sync service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "learnsync"
	subsystem = "sync"
)

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	records   *prometheus.CounterVec
	conflicts *prometheus.CounterVec
	feedSize  *prometheus.HistogramVec
	lockWait  prometheus.Histogram
	published *prometheus.CounterVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Sync calls by type and outcome",
		}, []string{"sync_type", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duration_seconds",
			Help:      "Wall time of sync calls including lock wait",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sync_type"}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_total",
			Help:      "Merged records by kind and policy outcome",
		}, []string{"kind", "outcome"}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "conflicts_total",
			Help:      "Incoming records rejected because the server version was newer",
		}, []string{"kind"}),
		feedSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "feed_items",
			Help:      "Items returned in the change feed",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		}, []string{"kind"}),
		lockWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the per-user lock",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15},
		}),
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_total",
			Help:      "Outbox events by publish result",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveSync(syncType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(syncType, outcome).Inc()
	m.duration.WithLabelValues(syncType).Observe(elapsed.Seconds())
}

func (m *Metrics) AddRecords(kind, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.records.WithLabelValues(kind, outcome).Add(float64(n))
}

func (m *Metrics) AddConflicts(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.conflicts.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) ObserveFeed(content, progress int) {
	if m == nil {
		return
	}
	m.feedSize.WithLabelValues("content").Observe(float64(content))
	m.feedSize.WithLabelValues("progress").Observe(float64(progress))
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) OutboxPublished(n int) {
	if m == nil || n == 0 {
		return
	}
	m.published.WithLabelValues("published").Add(float64(n))
}

func (m *Metrics) OutboxFailed() {
	if m == nil {
		return
	}
	m.published.WithLabelValues("failed").Inc()
}
