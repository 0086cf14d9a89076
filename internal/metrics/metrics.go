// Package metrics exposes Prometheus instrumentation for the connection
// orchestration core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RetryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sshmgr_retry_attempts_total",
		Help: "Retries scheduled by the retry executor, by operation",
	}, []string{"operation"})

	RetryOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sshmgr_retry_outcomes_total",
		Help: "Final retry executor outcomes (success, permanent, exhausted, canceled)",
	}, []string{"operation", "outcome"})

	ReconnectEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sshmgr_reconnect_events_total",
		Help: "Auto-reconnect notifications by type",
	}, []string{"type"})

	ChainBuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sshmgr_chain_builds_total",
		Help: "Proxy chain builds by result",
	}, []string{"result"})

	ChainBuildSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sshmgr_chain_build_seconds",
		Help:    "Time to establish a full proxy chain",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	PoolDisposalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sshmgr_pool_disposals_total",
		Help: "Clients disposed by the pool, by reason",
	}, []string{"reason"})

	ForwardsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sshmgr_forwards_open",
		Help: "Local forwarded ports currently listening",
	})
)

// PoolStats is the snapshot shape PoolCollector reads.
type PoolStats struct {
	Total, Active, Idle, Keys int
}

// PoolStatsSource supplies pool snapshots at scrape time.
type PoolStatsSource func() PoolStats

// PoolCollector reports pool occupancy at scrape time instead of mirroring
// every acquire/release into gauges.
type PoolCollector struct {
	source PoolStatsSource
	total  *prometheus.Desc
	active *prometheus.Desc
	idle   *prometheus.Desc
	keys   *prometheus.Desc
}

func NewPoolCollector(source PoolStatsSource) *PoolCollector {
	return &PoolCollector{
		source: source,
		total:  prometheus.NewDesc("sshmgr_pool_clients", "Clients tracked by the connection pool", nil, nil),
		active: prometheus.NewDesc("sshmgr_pool_clients_active", "Pooled clients currently in use", nil, nil),
		idle:   prometheus.NewDesc("sshmgr_pool_clients_idle", "Pooled clients available for reuse", nil, nil),
		keys:   prometheus.NewDesc("sshmgr_pool_keys", "Distinct pool keys holding clients", nil, nil),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.active
	ch <- c.idle
	ch <- c.keys
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source()
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.Total))
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.Active))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.keys, prometheus.GaugeValue, float64(s.Keys))
}
