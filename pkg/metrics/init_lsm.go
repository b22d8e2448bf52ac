package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initLSMMetrics() {
	r.LSMPutsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "joindb_lsm_puts_total",
			Help: "Total number of tuple puts accepted by the LSM engine",
		},
		[]string{"table"},
	)

	r.LSMGetsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "joindb_lsm_gets_total",
			Help: "Total number of point gets by outcome",
		},
		[]string{"table", "outcome"},
	)

	r.LSMRangeScansTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "joindb_lsm_range_scans_total",
			Help: "Total number of range scans",
		},
		[]string{"table"},
	)

	r.LSMOperationDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "joindb_lsm_operation_duration_seconds",
			Help:    "LSM operation latency in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"operation"},
	)

	r.LSMMemtableBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "joindb_lsm_memtable_bytes",
			Help: "Bytes currently held in the active memtable",
		},
	)

	r.LSMSSTablesPerLevel = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "joindb_lsm_sstables_per_level",
			Help: "Number of SSTables present at each level",
		},
		[]string{"level"},
	)

	r.LSMOnDiskBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "joindb_lsm_on_disk_bytes",
			Help: "Total bytes occupied by SSTable files on disk",
		},
	)

	r.LSMBloomRejectionsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "joindb_lsm_bloom_rejections_total",
			Help: "Number of point lookups short-circuited by a bloom filter miss",
		},
	)

	r.LSMCompactionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "joindb_lsm_compactions_total",
			Help: "Total number of compactions run, by outcome",
		},
		[]string{"outcome"},
	)

	r.LSMCompactionDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "joindb_lsm_compaction_duration_seconds",
			Help:    "Compaction pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	r.LSMBackpressureTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "joindb_lsm_backpressure_total",
			Help: "Number of writes rejected due to backpressure exhaustion",
		},
	)

	r.LSMWALRecoveredTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "joindb_lsm_wal_recovered_total",
			Help: "Number of tuples replayed from the WAL during recovery",
		},
	)
}
