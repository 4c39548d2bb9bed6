package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vaultgallery"

// Collector owns a private registry with request, credential-cache, storage
// and labeling metrics. It satisfies the observer interfaces of the broker,
// gateway and labeler packages and the middleware RequestRecorder.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter

	cacheLookups     *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec

	storageOps *prometheus.HistogramVec
	labeling   *prometheus.HistogramVec

	startTime time.Time
}

func NewCollector() *Collector {
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credentials",
			Name:      "cache_lookups_total",
			Help:      "Credential cache lookups by result.",
		}, []string{"result"}),
		exchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "credentials",
			Name:      "exchange_duration_seconds",
			Help:      "Identity-pool credential exchange latency by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		storageOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "Object store and label table operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		labeling: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "labeler",
			Name:      "image_duration_seconds",
			Help:      "Per-image labeling latency by outcome.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the process started serving.",
	}, func() float64 { return time.Since(c.startTime).Seconds() })

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.rateLimited,
		c.cacheLookups,
		c.exchangeDuration,
		c.storageOps,
		c.labeling,
		uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// StartTime returns when the collector was created (server start time).
func (c *Collector) StartTime() time.Time {
	return c.startTime
}

// Registry exposes the registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRequest counts one finished HTTP request. route is the matched
// mux pattern, never the raw path.
func (c *Collector) RecordRequest(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (c *Collector) RecordRateLimited() {
	c.rateLimited.Inc()
}

func (c *Collector) ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveExchange(outcome string, d time.Duration) {
	c.exchangeDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (c *Collector) ObserveStorageOp(op, outcome string, d time.Duration) {
	c.storageOps.WithLabelValues(op, outcome).Observe(d.Seconds())
}

func (c *Collector) ObserveLabeling(outcome string, d time.Duration) {
	c.labeling.WithLabelValues(outcome).Observe(d.Seconds())
}

// ServeHTTP handles GET /metrics in Prometheus exposition format.
func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
