package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	LiveWorkerGauge             = "bookkeeper_live_workers"
	CachingValidatedWorkerGauge = "bookkeeper_caching_validated_workers"
	FileValidatedWorkerGauge    = "bookkeeper_file_validated_workers"
)

// BookKeeperMetrics owns every collector the service registers so they can
// be removed again when the server stops.
type BookKeeperMetrics struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	// Cache metrics
	CacheHitBytes     prometheus.Counter
	RemoteReadBytes   prometheus.Counter
	RemoteReadLatency prometheus.Histogram
	FetchFailures     prometheus.Counter
	CacheRequests     *prometheus.CounterVec

	// Coordinator metrics
	Heartbeats prometheus.Counter

	// Cluster metrics
	TopologyRefreshFailures prometheus.Counter

	mu         sync.Mutex
	collectors []prometheus.Collector
}

// New registers the service collectors on registry. A nil registry gets a
// fresh private one.
func New(registry *prometheus.Registry) *BookKeeperMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &BookKeeperMetrics{registerer: registry, gatherer: registry}
	factory := promauto.With(m)

	m.CacheHitBytes = factory.NewCounter(prometheus.CounterOpts{
		Name: "bookkeeper_cache_hit_bytes_total",
		Help: "Bytes served from the local cache without remote I/O",
	})
	m.RemoteReadBytes = factory.NewCounter(prometheus.CounterOpts{
		Name: "bookkeeper_remote_read_bytes_total",
		Help: "Bytes fetched from remote storage into the local cache",
	})
	m.RemoteReadLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "bookkeeper_remote_read_latency_seconds",
		Help:    "Latency of a single merged remote read",
		Buckets: prometheus.DefBuckets,
	})
	m.FetchFailures = factory.NewCounter(prometheus.CounterOpts{
		Name: "bookkeeper_fetch_failures_total",
		Help: "Remote fetches that failed or timed out",
	})
	m.CacheRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "bookkeeper_requests_total",
		Help: "RPC requests served, by operation",
	}, []string{"operation"})
	m.Heartbeats = factory.NewCounter(prometheus.CounterOpts{
		Name: "bookkeeper_heartbeats_total",
		Help: "Worker heartbeats received by the coordinator",
	})
	m.TopologyRefreshFailures = factory.NewCounter(prometheus.CounterOpts{
		Name: "bookkeeper_topology_refresh_failures_total",
		Help: "Cluster topology refreshes that failed and kept the previous snapshot",
	})

	return m
}

// Register implements prometheus.Registerer and remembers the collector.
func (m *BookKeeperMetrics) Register(c prometheus.Collector) error {
	if err := m.registerer.Register(c); err != nil {
		return err
	}
	m.mu.Lock()
	m.collectors = append(m.collectors, c)
	m.mu.Unlock()
	return nil
}

func (m *BookKeeperMetrics) MustRegister(cs ...prometheus.Collector) {
	for _, c := range cs {
		if err := m.Register(c); err != nil {
			panic(err)
		}
	}
}

func (m *BookKeeperMetrics) Unregister(c prometheus.Collector) bool {
	return m.registerer.Unregister(c)
}

// RegisterGaugeFunc registers a gauge whose value is computed on every scrape.
func (m *BookKeeperMetrics) RegisterGaugeFunc(name, help string, fn func() float64) error {
	return m.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

func (m *BookKeeperMetrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

func (m *BookKeeperMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Close removes every collector registered through m.
func (m *BookKeeperMetrics) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.collectors {
		m.registerer.Unregister(c)
	}
	m.collectors = nil
	return nil
}

// GaugeValue looks up a gauge by name. The second result is false when the
// gauge is not registered at all.
func GaugeValue(g prometheus.Gatherer, name string) (float64, bool) {
	families, err := g.Gather()
	if err != nil {
		return 0, false
	}
	for _, mf := range families {
		if mf.GetName() != name || len(mf.GetMetric()) == 0 {
			continue
		}
		return mf.GetMetric()[0].GetGauge().GetValue(), true
	}
	return 0, false
}
