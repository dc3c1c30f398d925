package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/treemana/rosdns/pool"
)

const namespace = "rosdns"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	queries          *prometheus.CounterVec
	responses        *prometheus.CounterVec
	drops            *prometheus.CounterVec
	cache            *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	upstreamFailures *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	updateLatency    prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "DNS queries received, by route.",
		}, []string{"route"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "DNS responses written, by route and rcode.",
		}, []string{"route", "rcode"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_queries_total",
			Help:      "Queries answered with nothing, by reason.",
		}, []string{"reason"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Answer cache lookups, by result.",
		}, []string{"result"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream exchange latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"upstream"}),
		upstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Failed upstream exchanges.",
		}, []string{"upstream"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Router update notifications, by outcome.",
		}, []string{"outcome"}),
		updateLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "router_update_seconds",
			Help:      "Time spent applying one notification on the router.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queries, m.responses, m.drops, m.cache,
		m.upstreamLatency, m.upstreamFailures,
		m.notifications, m.updateLatency,
	)
	return m
}

func (m *Metrics) Query(route string) { m.queries.WithLabelValues(route).Inc() }

func (m *Metrics) Response(route, rcode string) { m.responses.WithLabelValues(route, rcode).Inc() }

func (m *Metrics) Drop(reason string) { m.drops.WithLabelValues(reason).Inc() }

func (m *Metrics) CacheLookup(result string) { m.cache.WithLabelValues(result).Inc() }

func (m *Metrics) Upstream(name string, elapsed time.Duration, err error) {
	if err != nil {
		m.upstreamFailures.WithLabelValues(name).Inc()
		return
	}
	m.upstreamLatency.WithLabelValues(name).Observe(elapsed.Seconds())
}

// Delivered and Dropped make Metrics a bus observer.
func (m *Metrics) Delivered(elapsed time.Duration, err error) {
	m.updateLatency.Observe(elapsed.Seconds())
	if err != nil {
		m.notifications.WithLabelValues("failed").Inc()
		return
	}
	m.notifications.WithLabelValues("delivered").Inc()
}

func (m *Metrics) Dropped() { m.notifications.WithLabelValues("dropped").Inc() }

// WatchPool exports the pool counters as gauges read at scrape time.
func (m *Metrics) WatchPool(p *pool.Pool) {
	gauge := func(name, help string, read func(pool.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return read(p.Stats()) })
	}
	m.Registry.MustRegister(
		gauge("live_connections", "Open router connections.", func(s pool.Stats) float64 { return float64(s.Live) }),
		gauge("idle_connections", "Router connections waiting in the idle queue.", func(s pool.Stats) float64 { return float64(s.Idle) }),
		gauge("waiters", "Callers waiting for a router connection.", func(s pool.Stats) float64 { return float64(s.Waiting) }),
		gauge("destroyed_connections", "Router connections destroyed since start.", func(s pool.Stats) float64 { return float64(s.Destroyed) }),
	)
}

// WatchCache exports the number of cached names.
func (m *Metrics) WatchCache(size func() int) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Names held in the answer cache.",
	}, func() float64 { return float64(size()) }))
}
