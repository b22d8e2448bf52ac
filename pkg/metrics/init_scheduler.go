package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initSchedulerMetrics() {
	r.SchedulerWindowsScheduled = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "joindb_scheduler_windows_scheduled_total",
			Help: "Total number of windows materialized for dispatch",
		},
	)

	r.SchedulerWindowsCompleted = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "joindb_scheduler_windows_completed_total",
			Help: "Total number of windows that finished dispatch, by join outcome",
		},
		[]string{"outcome"},
	)

	r.SchedulerWindowsFailed = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "joindb_scheduler_windows_failed_total",
			Help: "Total number of windows whose join function returned an error",
		},
	)

	r.SchedulerWindowsPending = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "joindb_scheduler_windows_pending",
			Help: "Windows materialized but not yet dispatched",
		},
	)

	r.SchedulerWindowsActive = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "joindb_scheduler_windows_active",
			Help: "Windows currently executing their join function",
		},
	)

	r.SchedulerCompletionLatency = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "joindb_scheduler_completion_latency_seconds",
			Help:    "Time from window end to dispatch completion",
			Buckets: prometheus.DefBuckets,
		},
	)

	r.SchedulerLateDataTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "joindb_scheduler_late_data_total",
			Help: "Total number of tuples arriving after their window's watermark",
		},
	)

	r.SchedulerWatermark = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "joindb_scheduler_watermark_timestamp",
			Help: "Current watermark timestamp per stream",
		},
		[]string{"stream"},
	)
}
