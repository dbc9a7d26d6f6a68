// Package metrics exposes the gauges an operator watches to confirm the
// bounded-resource invariants in spec §5 hold at runtime. legion does not
// serve an HTTP /metrics endpoint (the wire protocol is fixed to the asset
// cache, spec §6); instead Snapshot is polled by a periodic logger and by
// tests.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Gauges bundles the process gauges legion maintains.
type Gauges struct {
	LiveConnections prometheus.Gauge
	QueueDepth      prometheus.Gauge
	CacheEntries    prometheus.Gauge
}

// NewGauges registers a fresh set of gauges against reg.
func NewGauges(reg prometheus.Registerer) *Gauges {
	g := &Gauges{
		LiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "legion",
			Name:      "live_connections",
			Help:      "Number of connections currently held in the Connection Registry.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "legion",
			Name:      "task_queue_depth",
			Help:      "Number of tasks currently queued for the worker pool.",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "legion",
			Name:      "asset_cache_entries",
			Help:      "Number of entries in the immutable asset cache.",
		}),
	}

	reg.MustRegister(g.LiveConnections, g.QueueDepth, g.CacheEntries)
	return g
}

// Snapshot is a point-in-time read of the gauges, for logging and tests.
type Snapshot struct {
	LiveConnections int
	QueueDepth      int
	CacheEntries    int
}

// Set updates all three gauges from a Snapshot and returns it unchanged, so
// callers can log and export in one call.
func (g *Gauges) Set(s Snapshot) Snapshot {
	g.LiveConnections.Set(float64(s.LiveConnections))
	g.QueueDepth.Set(float64(s.QueueDepth))
	g.CacheEntries.Set(float64(s.CacheEntries))
	return s
}
