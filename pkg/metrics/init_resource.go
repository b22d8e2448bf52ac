package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initResourceMetrics() {
	r.ResourceThreadsInUse = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "joindb_resource_threads_in_use",
			Help: "Worker threads currently allocated across all tenants",
		},
	)

	r.ResourceThreadsMax = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "joindb_resource_threads_max",
			Help: "Global worker thread cap",
		},
	)

	r.ResourceMemoryInUse = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "joindb_resource_memory_in_use_bytes",
			Help: "Memory currently allocated across all tenants",
		},
	)

	r.ResourceMemoryMax = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "joindb_resource_memory_max_bytes",
			Help: "Global memory cap",
		},
	)

	r.ResourceQuotaDeniedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "joindb_resource_quota_denied_total",
			Help: "Total number of allocation requests denied by quota, by tenant",
		},
		[]string{"tenant", "resource"},
	)

	r.ResourceQueueDepth = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "joindb_resource_queue_depth",
			Help: "Pending tasks queued per tenant",
		},
		[]string{"tenant"},
	)

	r.ResourceThrottleFactor = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "joindb_resource_throttle_factor",
			Help: "Current global throttle factor applied under pressure (1.0 = no throttling)",
		},
	)
}
