// Package metrics exposes sharepipe's Prometheus collectors on a private
// registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. It satisfies pipeline.Observer,
// pebblestore.MetricsHook and the alert subsystem's observers.
type Metrics struct {
	registry *prometheus.Registry

	// Pipeline metrics
	RecordsPolled     *prometheus.CounterVec
	RecordsAccepted   *prometheus.CounterVec
	RecordsReleased   *prometheus.CounterVec
	RecordsPublished  *prometheus.CounterVec
	TransformDuration *prometheus.HistogramVec

	// Alert metrics
	AlertsGenerated *prometheus.CounterVec
	AlertsFiltered  prometheus.Counter
	CacheLookups    *prometheus.CounterVec

	// Storage metrics
	StorageWrite  prometheus.Histogram
	StorageRead   prometheus.Histogram
	StorageCommit prometheus.Histogram
	StorageBytes  *prometheus.CounterVec
}

var latencyBuckets = []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1}

// New registers every collector, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		RecordsPolled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharepipe_records_polled_total",
			Help: "Records returned by polls, per stage",
		}, []string{"stage"}),
		RecordsAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharepipe_records_accepted_total",
			Help: "Records acknowledged with accept, per stage",
		}, []string{"stage"}),
		RecordsReleased: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharepipe_records_released_total",
			Help: "Records acknowledged with release, per stage and reason",
		}, []string{"stage", "reason"}),
		RecordsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharepipe_records_published_total",
			Help: "Output records published, per stage",
		}, []string{"stage"}),
		TransformDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sharepipe_transform_duration_seconds",
			Help:    "Transform latency per record",
			Buckets: latencyBuckets,
		}, []string{"stage"}),

		AlertsGenerated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharepipe_alerts_generated_total",
			Help: "Alerts published by the generator, per alert type",
		}, []string{"type"}),
		AlertsFiltered: f.NewCounter(prometheus.CounterOpts{
			Name: "sharepipe_alerts_filtered_total",
			Help: "Alerts accepted without processing because the filter did not match",
		}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharepipe_cache_lookups_total",
			Help: "Recipient cache lookups by result",
		}, []string{"result"}),

		StorageWrite: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sharepipe_storage_write_seconds",
			Help:    "Single-key write latency",
			Buckets: latencyBuckets,
		}),
		StorageRead: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sharepipe_storage_read_seconds",
			Help:    "Single-key read latency",
			Buckets: latencyBuckets,
		}),
		StorageCommit: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sharepipe_storage_batch_commit_seconds",
			Help:    "Batch commit latency",
			Buckets: latencyBuckets,
		}),
		StorageBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sharepipe_storage_bytes_total",
			Help: "Bytes moved through the store by operation",
		}, []string{"op"}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Polled(stage string, n int) {
	m.RecordsPolled.WithLabelValues(stage).Add(float64(n))
}

func (m *Metrics) Accepted(stage string) { m.RecordsAccepted.WithLabelValues(stage).Inc() }

func (m *Metrics) Released(stage, reason string) {
	m.RecordsReleased.WithLabelValues(stage, reason).Inc()
}

func (m *Metrics) Published(stage string, n int) {
	m.RecordsPublished.WithLabelValues(stage).Add(float64(n))
}

func (m *Metrics) ObserveTransform(stage string, d time.Duration) {
	m.TransformDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// AlertGenerated counts one published alert of alertType.
func (m *Metrics) AlertGenerated(alertType string) {
	m.AlertsGenerated.WithLabelValues(alertType).Inc()
}

// AlertFiltered counts one alert skipped by the processor filter.
func (m *Metrics) AlertFiltered() { m.AlertsFiltered.Inc() }

// CacheLookup counts one recipient lookup.
func (m *Metrics) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveWrite(elapsed time.Duration, bytes int) {
	m.StorageWrite.Observe(elapsed.Seconds())
	m.StorageBytes.WithLabelValues("write").Add(float64(bytes))
}

func (m *Metrics) ObserveRead(elapsed time.Duration, bytes int) {
	m.StorageRead.Observe(elapsed.Seconds())
	m.StorageBytes.WithLabelValues("read").Add(float64(bytes))
}

func (m *Metrics) ObserveBatchCommit(elapsed time.Duration, _ int, bytes int) {
	m.StorageCommit.Observe(elapsed.Seconds())
	m.StorageBytes.WithLabelValues("commit").Add(float64(bytes))
}
