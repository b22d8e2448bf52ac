// Package metrics exposes a Prometheus registry for the engine: LSM
// storage, the window scheduler, and the resource manager each get their
// own metric group, wired the way the teacher's Registry wires HTTP and
// storage groups.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric the engine records.
type Registry struct {
	// LSM storage metrics
	LSMPutsTotal             *prometheus.CounterVec
	LSMGetsTotal             *prometheus.CounterVec
	LSMRangeScansTotal       *prometheus.CounterVec
	LSMOperationDuration     *prometheus.HistogramVec
	LSMMemtableBytes         prometheus.Gauge
	LSMSSTablesPerLevel      *prometheus.GaugeVec
	LSMOnDiskBytes           prometheus.Gauge
	LSMBloomRejectionsTotal  prometheus.Counter
	LSMCompactionsTotal      *prometheus.CounterVec
	LSMCompactionDuration    prometheus.Histogram
	LSMBackpressureTotal     prometheus.Counter
	LSMWALRecoveredTotal     prometheus.Counter

	// Window scheduler metrics
	SchedulerWindowsScheduled prometheus.Counter
	SchedulerWindowsCompleted *prometheus.CounterVec
	SchedulerWindowsFailed    prometheus.Counter
	SchedulerWindowsPending   prometheus.Gauge
	SchedulerWindowsActive    prometheus.Gauge
	SchedulerCompletionLatency prometheus.Histogram
	SchedulerLateDataTotal    prometheus.Counter
	SchedulerWatermark        *prometheus.GaugeVec

	// Resource manager metrics
	ResourceThreadsInUse    prometheus.Gauge
	ResourceThreadsMax      prometheus.Gauge
	ResourceMemoryInUse     prometheus.Gauge
	ResourceMemoryMax       prometheus.Gauge
	ResourceQuotaDeniedTotal *prometheus.CounterVec
	ResourceQueueDepth      *prometheus.GaugeVec
	ResourceThrottleFactor  prometheus.Gauge

	// Process metrics
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.RWMutex
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide metrics registry.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry builds a fresh registry with every metric group initialized.
// Tests that want isolated metric state (rather than the process-wide
// singleton) construct their own via this constructor.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}

	r.initLSMMetrics()
	r.initSchedulerMetrics()
	r.initResourceMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry, for
// wiring into an HTTP exposition handler.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
