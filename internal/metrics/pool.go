package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SkynetNext/piecebuf/internal/piecebuffer"
)

// PoolStatser is the part of piecebuffer.Pool the collector reads
type PoolStatser interface {
	Stats() piecebuffer.Stats
}

// PoolCollector exports buffer pool counters on every scrape
type PoolCollector struct {
	pool PoolStatser

	allocated *prometheus.Desc
	free      *prometheus.Desc
	inUse     *prometheus.Desc
	acquires  *prometheus.Desc
	releases  *prometheus.Desc
}

// NewPoolCollector creates a collector for pool
func NewPoolCollector(pool PoolStatser) *PoolCollector {
	return &PoolCollector{
		pool: pool,
		allocated: prometheus.NewDesc("piecebuf_pool_buffers_allocated",
			"Buffers ever constructed by the pool", nil, nil),
		free: prometheus.NewDesc("piecebuf_pool_buffers_free",
			"Buffers on the free list", nil, nil),
		inUse: prometheus.NewDesc("piecebuf_pool_buffers_in_use",
			"Buffers currently checked out", nil, nil),
		acquires: prometheus.NewDesc("piecebuf_pool_acquires_total",
			"Total number of buffer checkouts", nil, nil),
		releases: prometheus.NewDesc("piecebuf_pool_releases_total",
			"Total number of buffer releases", nil, nil),
	}
}

// Describe implements prometheus.Collector
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.allocated
	ch <- c.free
	ch <- c.inUse
	ch <- c.acquires
	ch <- c.releases
}

// Collect implements prometheus.Collector
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.pool.Stats()
	ch <- prometheus.MustNewConstMetric(c.allocated, prometheus.GaugeValue, float64(st.Allocated))
	ch <- prometheus.MustNewConstMetric(c.free, prometheus.GaugeValue, float64(st.Free))
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(st.InUse))
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(st.Acquires))
	ch <- prometheus.MustNewConstMetric(c.releases, prometheus.CounterValue, float64(st.Releases))
}
