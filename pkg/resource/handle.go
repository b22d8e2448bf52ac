package resource

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// queueCapacityFactor sizes a handle's FIFO queue relative to its granted
// thread count: enough slack to avoid rejecting bursts, bounded so a
// misbehaving submitter can't grow memory unboundedly.
const queueCapacityFactor = 8

// Handle is a capability to submit tasks to the resource manager's worker
// pool under one tenant's or compute engine's quota (C10's "resource
// handle"). It owns a bounded FIFO queue drained by a dedicated dispatch
// loop that never runs more than Allocated().Threads tasks concurrently.
type Handle struct {
	name    string
	rm      *Manager
	compute bool

	granted Request
	sem     *semaphore.Weighted

	queue    chan func()
	valid    atomic.Bool
	closed   atomic.Bool
	sendMu   sync.RWMutex // guards queue send vs close, teacher's worker-pool pattern
	wg       sync.WaitGroup

	throttle atomic.Value // float64

	mu    sync.Mutex
	usage Usage
}

func newHandle(rm *Manager, name string, granted Request, compute bool) *Handle {
	h := &Handle{
		name:    name,
		rm:      rm,
		compute: compute,
		granted: granted,
		sem:     semaphore.NewWeighted(int64(granted.Threads)),
		queue:   make(chan func(), granted.Threads*queueCapacityFactor),
	}
	h.valid.Store(true)
	h.throttle.Store(float64(1.0))
	h.wg.Add(1)
	go h.dispatchLoop()
	return h
}

// dispatchLoop drains the queue FIFO, bounding concurrent execution to the
// granted thread count via the semaphore. It is the "pool worker" for this
// handle; the manager's workers are, in effect, one per handle.
func (h *Handle) dispatchLoop() {
	defer h.wg.Done()
	for task := range h.queue {
		if !h.valid.Load() {
			continue // draining after Release: discard, do not execute
		}
		if factor := h.Throttle(); factor < 1.0 && factor > 0 {
			time.Sleep(time.Duration(float64(taskCostEstimate) * (1/factor - 1)))
		}
		acquired := false
		for !acquired && h.valid.Load() {
			if acquired = h.sem.TryAcquire(1); !acquired {
				time.Sleep(time.Millisecond)
			}
		}
		if !acquired {
			continue // released while waiting for a free slot: discard
		}
		if !h.valid.Load() {
			h.sem.Release(1)
			continue
		}
		go func(t func()) {
			defer h.sem.Release(1)
			defer h.recordTask()
			runProtected(t)
		}(task)
	}
}

// taskCostEstimate approximates the per-task baseline cost used to scale
// the throttle sleep, per spec.md §4.9 ("sleep(task_cost x (1/factor-1))").
const taskCostEstimate = 5 * time.Millisecond

func runProtected(task func()) {
	defer func() {
		_ = recover() // a panicking task must not take down the dispatch loop
	}()
	task()
}

func (h *Handle) recordTask() {
	h.mu.Lock()
	h.usage.TasksProcessed++
	h.mu.Unlock()
}

// SubmitTask enqueues f for execution. Returns false if the handle has been
// released or its queue is full.
func (h *Handle) SubmitTask(f func()) bool {
	h.sendMu.RLock()
	defer h.sendMu.RUnlock()

	if !h.valid.Load() {
		return false
	}
	select {
	case h.queue <- f:
		return true
	default:
		return false
	}
}

// IsValid reports whether the handle's allocation is still live.
func (h *Handle) IsValid() bool { return h.valid.Load() }

// Allocated returns the resources actually granted (may be less than
// requested).
func (h *Handle) Allocated() Request { return h.granted }

// Name returns the tenant or compute-engine identifier this handle was
// issued to.
func (h *Handle) Name() string { return h.name }

// ReportUsage records caller-observed usage (throughput, errors) alongside
// the dispatch loop's own task counter.
func (h *Handle) ReportUsage(u Usage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if u.AvgLatencyMS != 0 {
		h.usage.AvgLatencyMS = u.AvgLatencyMS
	}
	h.usage.ErrorsCount += u.ErrorsCount
	if u.LastError != "" {
		h.usage.LastError = u.LastError
	}
}

// Usage returns a snapshot of this handle's tracked usage.
func (h *Handle) Usage() Usage {
	h.mu.Lock()
	defer h.mu.Unlock()
	u := h.usage
	u.ThreadsUsed = h.granted.Threads
	u.MemoryUsedBytes = h.granted.MemoryBytes
	u.QueueLength = len(h.queue)
	return u
}

// SetThrottle sets the dispatch throttle factor in (0, 1]; values below 1
// insert a proportional sleep before each task runs (§4.9).
func (h *Handle) SetThrottle(factor float64) {
	if factor <= 0 {
		factor = 0.01
	}
	if factor > 1 {
		factor = 1
	}
	h.throttle.Store(factor)
}

// Throttle returns the current throttle factor.
func (h *Handle) Throttle() float64 {
	return h.throttle.Load().(float64)
}

// release invalidates the handle and drains (without executing) whatever
// remains queued.
func (h *Handle) release() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.valid.Store(false)

	h.sendMu.Lock()
	close(h.queue)
	h.sendMu.Unlock()

	h.wg.Wait()
}
