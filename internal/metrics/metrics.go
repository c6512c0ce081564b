// Package metrics exports cache and proxy metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wudi/tiercache/internal/pagecache"
)

const namespace = "tiercache"

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector owns a private registry with the tiercache metrics. It is the
// observer for stores, the page cache and the purge service.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec

	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	stale     *prometheus.CounterVec
	bypass    *prometheus.CounterVec
	evictions *prometheus.CounterVec
	purged    *prometheus.CounterVec

	backendErrors *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	writesPending *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied requests",
		}, []string{"route", "method", "status"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets:   DefaultBuckets,
		}, []string{"route"}),
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Fresh cache hits",
		}, []string{"store"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses that rendered",
		}, []string{"store"}),
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_stale_served_total",
			Help:      "Expired entries served under stale-while-revalidate or stale-if-error",
		}, []string{"store"}),
		bypass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_bypass_total",
			Help:      "Requests that skipped the cache",
		}, []string{"store"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Entries evicted for capacity",
		}, []string{"store"}),
		purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_purged_total",
			Help:      "Entries removed by purge requests",
		}, []string{"store", "kind"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_backend_errors_total",
			Help:      "Failed backend operations",
		}, []string{"store", "op"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_circuit_breaker_state",
			Help:      "Backend circuit breaker state (0=closed, 1=open, 2=half_open)",
		}, []string{"backend"}),
		writesPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_writes_pending",
			Help:      "Writes buffered for a write-behind backend",
		}, []string{"store"}),
	}
	c.registry.MustRegister(
		c.requestsTotal, c.requestDurations,
		c.hits, c.misses, c.stale, c.bypass, c.evictions, c.purged,
		c.backendErrors, c.breakerState, c.writesPending,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	c.requestDurations.WithLabelValues(route).Observe(duration.Seconds())
}

// Lookup records how a page cache lookup was served.
func (c *Collector) Lookup(store string, status pagecache.Status) {
	switch status {
	case pagecache.StatusHit:
		c.hits.WithLabelValues(store).Inc()
	case pagecache.StatusMiss:
		c.misses.WithLabelValues(store).Inc()
	case pagecache.StatusStale:
		c.stale.WithLabelValues(store).Inc()
	case pagecache.StatusBypass:
		c.bypass.WithLabelValues(store).Inc()
	}
}

// Evicted records capacity evictions.
func (c *Collector) Evicted(store string, n int) {
	c.evictions.WithLabelValues(store).Add(float64(n))
}

// BackendError records a failed backend operation.
func (c *Collector) BackendError(store, op string) {
	c.backendErrors.WithLabelValues(store, op).Inc()
}

// Purged records entries removed by a purge.
func (c *Collector) Purged(store, kind string, n int) {
	c.purged.WithLabelValues(store, kind).Add(float64(n))
}

// SetBreakerState records a circuit breaker transition.
func (c *Collector) SetBreakerState(backend, state string) {
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	c.breakerState.WithLabelValues(backend).Set(v)
}

// SetWritesPending records the write-behind buffer depth of a store.
func (c *Collector) SetWritesPending(store string, n int) {
	c.writesPending.WithLabelValues(store).Set(float64(n))
}

// TrackEntries registers a gauge of entries per store, read from fn at
// scrape time.
func (c *Collector) TrackEntries(fn func() map[string]int) {
	c.registry.MustRegister(&entriesCollector{fn: fn, desc: prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "entries"),
		"Entries held per store",
		[]string{"store"}, nil,
	)})
}

type entriesCollector struct {
	fn   func() map[string]int
	desc *prometheus.Desc
}

func (e *entriesCollector) Describe(ch chan<- *prometheus.Desc) { ch <- e.desc }

func (e *entriesCollector) Collect(ch chan<- prometheus.Metric) {
	for store, n := range e.fn() {
		ch <- prometheus.MustNewConstMetric(e.desc, prometheus.GaugeValue, float64(n), store)
	}
}
