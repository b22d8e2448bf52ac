// Package resource implements the resource manager (C10): a central
// thread/memory quota tracker that hands out bounded-concurrency task
// dispatch handles to tenants (scheduler instances) and compute engines
// (join algorithms), the way the teacher's pkg/tenant tracks per-tenant
// node/edge/storage quotas but re-keyed to threads and memory.
package resource

import (
	"fmt"
)

// Request describes what a caller would like to allocate. All fields are
// hints; Allocate grants min(request, remaining capacity).
type Request struct {
	Threads     int   `validate:"required,gt=0"`
	MemoryBytes int64 `validate:"required,gt=0"`
	Priority    int
}

// Limits are the global caps enforced across every tenant and compute
// allocation.
type Limits struct {
	MaxThreads     int   `validate:"required,gt=0"`
	MaxMemoryBytes int64 `validate:"required,gt=0"`
}

// DefaultLimits returns a generous starting point for embedding.
func DefaultLimits() Limits {
	return Limits{MaxThreads: 8, MaxMemoryBytes: 1 << 30}
}

// Usage reports current resource consumption and throughput for one
// tenant or compute engine, mirroring the original source's ResourceUsage.
type Usage struct {
	ThreadsUsed     int
	MemoryUsedBytes int64
	QueueLength     int
	TasksProcessed  uint64
	AvgLatencyMS    float64
	ErrorsCount     uint64
	LastError       string
}

// minMemoryFloor is the smallest memory grant considered usable; an
// allocation request that would be squeezed below this is denied rather
// than silently starved.
const minMemoryFloor = 1 << 20 // 1 MiB

func (r Request) String() string {
	return fmt.Sprintf("threads=%d memory=%d priority=%d", r.Threads, r.MemoryBytes, r.Priority)
}
