package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exposes cache and optimizer counters to Prometheus. It
// is a read-only view over the atomic counters; registering it is optional
// and the cache core never depends on it.
type MetricsCollector struct {
	manager   *Manager
	optimizer *Optimizer

	hits             *prometheus.Desc
	misses           *prometheus.Desc
	sets             *prometheus.Desc
	evictions        *prometheus.Desc
	expirations      *prometheus.Desc
	backendErrors    *prometheus.Desc
	compressionSaved *prometheus.Desc
	entries          *prometheus.Desc
	samples          *prometheus.Desc
	samplesDropped   *prometheus.Desc
	recomputes       *prometheus.Desc
	persistErrors    *prometheus.Desc
}

// NewMetricsCollector builds a collector over a manager and an optional
// optimizer.
func NewMetricsCollector(manager *Manager, optimizer *Optimizer) *MetricsCollector {
	backendLabel := []string{"backend"}
	return &MetricsCollector{
		manager:   manager,
		optimizer: optimizer,
		hits: prometheus.NewDesc("fleetkeep_cache_hits_total",
			"Cache hits by backend.", backendLabel, nil),
		misses: prometheus.NewDesc("fleetkeep_cache_misses_total",
			"Cache misses by backend.", backendLabel, nil),
		sets: prometheus.NewDesc("fleetkeep_cache_sets_total",
			"Cache writes by backend.", backendLabel, nil),
		evictions: prometheus.NewDesc("fleetkeep_cache_evictions_total",
			"LRU evictions from the memory backend.", nil, nil),
		expirations: prometheus.NewDesc("fleetkeep_cache_expirations_total",
			"Entries removed on expiry from the memory backend.", nil, nil),
		backendErrors: prometheus.NewDesc("fleetkeep_cache_backend_errors_total",
			"Absorbed backend errors.", backendLabel, nil),
		compressionSaved: prometheus.NewDesc("fleetkeep_cache_compression_saved_bytes_total",
			"Bytes saved by value compression.", nil, nil),
		entries: prometheus.NewDesc("fleetkeep_cache_entries",
			"Entries currently held by the memory backend.", nil, nil),
		samples: prometheus.NewDesc("fleetkeep_cache_optimizer_samples_total",
			"Access samples ingested by the optimizer.", nil, nil),
		samplesDropped: prometheus.NewDesc("fleetkeep_cache_optimizer_samples_dropped_total",
			"Access samples dropped because the queue was full.", nil, nil),
		recomputes: prometheus.NewDesc("fleetkeep_cache_optimizer_recomputes_total",
			"Policy recomputation passes.", nil, nil),
		persistErrors: prometheus.NewDesc("fleetkeep_cache_optimizer_persist_errors_total",
			"Failed statistics snapshot writes.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.sets
	ch <- c.evictions
	ch <- c.expirations
	ch <- c.backendErrors
	ch <- c.compressionSaved
	ch <- c.entries
	ch <- c.samples
	ch <- c.samplesDropped
	ch <- c.recomputes
	ch <- c.persistErrors
}

// Collect implements prometheus.Collector.
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.manager.memory != nil {
		m := c.manager.memory.Metrics()
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(m.Hits), "memory")
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(m.Misses), "memory")
		ch <- prometheus.MustNewConstMetric(c.sets, prometheus.CounterValue, float64(m.Sets), "memory")
		ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(m.Evictions))
		ch <- prometheus.MustNewConstMetric(c.expirations, prometheus.CounterValue, float64(m.Expirations))
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(c.manager.memory.Len()))
	}
	if c.manager.redis != nil {
		m := c.manager.redis.Metrics()
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(m.Hits), "redis")
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(m.Misses), "redis")
		ch <- prometheus.MustNewConstMetric(c.sets, prometheus.CounterValue, float64(m.Sets), "redis")
		ch <- prometheus.MustNewConstMetric(c.backendErrors, prometheus.CounterValue, float64(m.Errors), "redis")
		ch <- prometheus.MustNewConstMetric(c.compressionSaved, prometheus.CounterValue, float64(m.CompressionSaved))
	}
	if c.optimizer != nil {
		m := c.optimizer.Metrics()
		ch <- prometheus.MustNewConstMetric(c.samples, prometheus.CounterValue, float64(m.Samples))
		ch <- prometheus.MustNewConstMetric(c.samplesDropped, prometheus.CounterValue, float64(m.Dropped))
		ch <- prometheus.MustNewConstMetric(c.recomputes, prometheus.CounterValue, float64(m.Recomputes))
		ch <- prometheus.MustNewConstMetric(c.persistErrors, prometheus.CounterValue, float64(m.PersistErrors))
	}
}
