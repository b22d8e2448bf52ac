package metrics

import (
	"strconv"
	"time"
)

// RecordPut records a successful tuple insert into table.
func (r *Registry) RecordPut(table string, duration time.Duration) {
	r.LSMPutsTotal.WithLabelValues(table).Inc()
	r.LSMOperationDuration.WithLabelValues("put").Observe(duration.Seconds())
}

// RecordGet records a point lookup, outcome being "hit", "miss", or "bloom_reject".
func (r *Registry) RecordGet(table, outcome string, duration time.Duration) {
	r.LSMGetsTotal.WithLabelValues(table, outcome).Inc()
	r.LSMOperationDuration.WithLabelValues("get").Observe(duration.Seconds())
	if outcome == "bloom_reject" {
		r.LSMBloomRejectionsTotal.Inc()
	}
}

// RecordRangeScan records a range query over table.
func (r *Registry) RecordRangeScan(table string, duration time.Duration) {
	r.LSMRangeScansTotal.WithLabelValues(table).Inc()
	r.LSMOperationDuration.WithLabelValues("range").Observe(duration.Seconds())
}

// RecordCompaction records one compaction pass.
func (r *Registry) RecordCompaction(outcome string, duration time.Duration) {
	r.LSMCompactionsTotal.WithLabelValues(outcome).Inc()
	r.LSMCompactionDuration.Observe(duration.Seconds())
}

// RecordBackpressure records a write rejected due to backpressure exhaustion.
func (r *Registry) RecordBackpressure() {
	r.LSMBackpressureTotal.Inc()
}

// RecordWALRecovered records the number of tuples replayed during startup recovery.
func (r *Registry) RecordWALRecovered(count int) {
	r.LSMWALRecoveredTotal.Add(float64(count))
}

// UpdateLevelCounts sets the current SSTable count for each level.
func (r *Registry) UpdateLevelCounts(counts map[int]int) {
	for level, n := range counts {
		r.LSMSSTablesPerLevel.WithLabelValues(strconv.Itoa(level)).Set(float64(n))
	}
}

// UpdateMemtableBytes sets the current memtable byte size.
func (r *Registry) UpdateMemtableBytes(bytes int64) {
	r.LSMMemtableBytes.Set(float64(bytes))
}

// UpdateOnDiskBytes sets the total on-disk SSTable size.
func (r *Registry) UpdateOnDiskBytes(bytes int64) {
	r.LSMOnDiskBytes.Set(float64(bytes))
}

// RecordWindowScheduled records one window materialized for dispatch.
func (r *Registry) RecordWindowScheduled() {
	r.SchedulerWindowsScheduled.Inc()
}

// RecordWindowCompleted records one window finishing dispatch.
func (r *Registry) RecordWindowCompleted(outcome string, latency time.Duration) {
	r.SchedulerWindowsCompleted.WithLabelValues(outcome).Inc()
	r.SchedulerCompletionLatency.Observe(latency.Seconds())
}

// RecordWindowFailed records a join function returning an error.
func (r *Registry) RecordWindowFailed() {
	r.SchedulerWindowsFailed.Inc()
}

// RecordLateData records a tuple arriving after its window's watermark.
func (r *Registry) RecordLateData() {
	r.SchedulerLateDataTotal.Inc()
}

// UpdateWatermark sets the current watermark for stream.
func (r *Registry) UpdateWatermark(stream string, ts int64) {
	r.SchedulerWatermark.WithLabelValues(stream).Set(float64(ts))
}

// UpdatePendingActiveWindows sets the pending and active window gauges.
func (r *Registry) UpdatePendingActiveWindows(pending, active int) {
	r.SchedulerWindowsPending.Set(float64(pending))
	r.SchedulerWindowsActive.Set(float64(active))
}

// RecordQuotaDenied records an allocation request denied by quota.
func (r *Registry) RecordQuotaDenied(tenant, resource string) {
	r.ResourceQuotaDeniedTotal.WithLabelValues(tenant, resource).Inc()
}

// UpdateResourceUsage sets the thread/memory utilization gauges.
func (r *Registry) UpdateResourceUsage(threadsInUse, threadsMax int, memInUse, memMax int64) {
	r.ResourceThreadsInUse.Set(float64(threadsInUse))
	r.ResourceThreadsMax.Set(float64(threadsMax))
	r.ResourceMemoryInUse.Set(float64(memInUse))
	r.ResourceMemoryMax.Set(float64(memMax))
}

// UpdateQueueDepth sets the pending task count for tenant.
func (r *Registry) UpdateQueueDepth(tenant string, depth int) {
	r.ResourceQueueDepth.WithLabelValues(tenant).Set(float64(depth))
}

// UpdateThrottleFactor sets the current global throttle factor.
func (r *Registry) UpdateThrottleFactor(factor float64) {
	r.ResourceThrottleFactor.Set(factor)
}
