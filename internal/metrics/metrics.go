package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the pipeline's Prometheus metrics on a private registry.
// A nil *Collector is valid and records nothing, so tests can pass nil.
type Collector struct {
	reg *prometheus.Registry

	UpstreamRequests *prometheus.CounterVec // source label: boundary|gtfs|stops|overpass|positions|tripupdates|lines-api|stopareas|departures
	UpstreamErrors   *prometheus.CounterVec

	CacheHits   *prometheus.CounterVec // cache label: persisted|memory
	CacheMisses *prometheus.CounterVec

	VehiclesServed prometheus.Gauge
	FeedTimestamp  prometheus.Gauge
}

// NewCollector creates and registers the metric set.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busmap_upstream_requests_total",
			Help: "Upstream fetches attempted, by source.",
		}, []string{"source"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busmap_upstream_errors_total",
			Help: "Upstream fetches that failed, by source.",
		}, []string{"source"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busmap_cache_hits_total",
			Help: "Cache lookups answered without repopulating.",
		}, []string{"cache"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busmap_cache_misses_total",
			Help: "Cache lookups that triggered population.",
		}, []string{"cache"}),
		VehiclesServed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busmap_vehicles_last_snapshot",
			Help: "Vehicle count in the most recent snapshot.",
		}),
		FeedTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busmap_feed_timestamp_seconds",
			Help: "Feed timestamp of the most recent vehicle snapshot.",
		}),
	}

	reg.MustRegister(
		c.UpstreamRequests, c.UpstreamErrors,
		c.CacheHits, c.CacheMisses,
		c.VehiclesServed, c.FeedTimestamp,
	)
	return c
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Request records one upstream fetch attempt.
func (c *Collector) Request(source string) {
	if c == nil {
		return
	}
	c.UpstreamRequests.WithLabelValues(source).Inc()
}

// RequestError records one failed upstream fetch.
func (c *Collector) RequestError(source string) {
	if c == nil {
		return
	}
	c.UpstreamErrors.WithLabelValues(source).Inc()
}

// Hit records a cache hit for the given cache kind.
func (c *Collector) Hit(kind string) {
	if c == nil {
		return
	}
	c.CacheHits.WithLabelValues(kind).Inc()
}

// Miss records a cache miss for the given cache kind.
func (c *Collector) Miss(kind string) {
	if c == nil {
		return
	}
	c.CacheMisses.WithLabelValues(kind).Inc()
}

// Snapshot records the size and feed timestamp of a vehicle snapshot.
func (c *Collector) Snapshot(vehicles int, feedTimestamp int64) {
	if c == nil {
		return
	}
	c.VehiclesServed.Set(float64(vehicles))
	if feedTimestamp > 0 {
		c.FeedTimestamp.Set(float64(feedTimestamp))
	}
}
