package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tilecache/internal/dispatcher"
)

const namespace = "tilecache"

// Source is the part of the dispatcher the collector reads.
type Source interface {
	Stats() dispatcher.Snapshot
	CacheSize() int
	CacheCapacity() int
	InFlight() int
	Pools() []dispatcher.PoolStat
}

// Collector exports dispatcher counters at scrape time, so the dispatcher
// keeps owning its stats.
type Collector struct {
	source Source

	requests   *prometheus.Desc
	hits       *prometheus.Desc
	misses     *prometheus.Desc
	promotions *prometheus.Desc
	loaded     *prometheus.Desc
	stale      *prometheus.Desc
	failed     *prometheus.Desc
	declines   *prometheus.Desc
	ioFailures *prometheus.Desc
	panics     *prometheus.Desc
	queueDrops *prometheus.Desc
	evictions  *prometheus.Desc
	gcRuns     *prometheus.Desc

	cacheSize     *prometheus.Desc
	cacheCapacity *prometheus.Desc
	inFlight      *prometheus.Desc
	queued        *prometheus.Desc
	running       *prometheus.Desc
}

func NewCollector(source Source) *Collector {
	counter := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name+"_total"), help, nil, nil)
	}
	gauge := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}

	return &Collector{
		source:        source,
		requests:      counter("requests", "Tile requests received by the dispatcher"),
		hits:          counter("cache_hits", "Requests answered by a fresh cached tile"),
		misses:        counter("cache_misses", "Requests that were missing or stale in the cache"),
		promotions:    counter("queue_promotions", "Pending requests moved to the front by a repeat request"),
		loaded:        counter("tiles_loaded", "Fresh tiles delivered to listeners"),
		stale:         counter("tiles_stale", "Expired or scaled tiles delivered while a fresh copy was sought"),
		failed:        counter("tiles_failed", "Requests for which every provider declined"),
		declines:      counter("provider_declines", "Provider calls that did not have the tile"),
		ioFailures:    counter("provider_io_failures", "Provider calls that failed with an error"),
		panics:        counter("provider_panics", "Provider calls that panicked"),
		queueDrops:    counter("queue_drops", "Requests dropped from a full provider queue"),
		evictions:     counter("cache_evictions", "Tiles evicted by garbage collection"),
		gcRuns:        counter("cache_gc_runs", "Garbage collection passes over the tile cache"),
		cacheSize:     gauge("cache_entries", "Tiles currently held in memory"),
		cacheCapacity: gauge("cache_capacity", "Tiles the memory cache keeps after garbage collection"),
		inFlight:      gauge("requests_in_flight", "Requests still walking the provider chain"),
		queued:        gauge("provider_queue_length", "Keys waiting or claimed in a provider queue", "provider"),
		running:       gauge("provider_workers_running", "Live worker goroutines for a provider", "provider"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.requests, c.hits, c.misses, c.promotions, c.loaded, c.stale, c.failed,
		c.declines, c.ioFailures, c.panics, c.queueDrops, c.evictions, c.gcRuns,
		c.cacheSize, c.cacheCapacity, c.inFlight, c.queued, c.running,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()
	counters := []struct {
		desc  *prometheus.Desc
		value int64
	}{
		{c.requests, s.Requests},
		{c.hits, s.Hits},
		{c.misses, s.Misses},
		{c.promotions, s.Promotions},
		{c.loaded, s.Loaded},
		{c.stale, s.Stale},
		{c.failed, s.Failed},
		{c.declines, s.Declines},
		{c.ioFailures, s.IOFailures},
		{c.panics, s.Panics},
		{c.queueDrops, s.QueueDrops},
		{c.evictions, s.Evictions},
		{c.gcRuns, s.GCRuns},
	}
	for _, m := range counters {
		ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, float64(m.value))
	}

	ch <- prometheus.MustNewConstMetric(c.cacheSize, prometheus.GaugeValue, float64(c.source.CacheSize()))
	ch <- prometheus.MustNewConstMetric(c.cacheCapacity, prometheus.GaugeValue, float64(c.source.CacheCapacity()))
	ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(c.source.InFlight()))
	for _, p := range c.source.Pools() {
		ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(p.Queued), p.Provider)
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, float64(p.Running), p.Provider)
	}
}

// HTTP holds the request metrics recorded by the HTTP middleware.
type HTTP struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTP(reg prometheus.Registerer) *HTTP {
	factory := promauto.With(reg)
	return &HTTP{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (h *HTTP) Observe(route string, status int, took time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	h.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	h.duration.WithLabelValues(route).Observe(took.Seconds())
}
