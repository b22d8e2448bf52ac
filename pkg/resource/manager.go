package resource

import (
	"sync"

	"github.com/streamwindow/joindb/pkg/engineerr"
	"github.com/streamwindow/joindb/pkg/logging"
	"github.com/streamwindow/joindb/pkg/metrics"
)

// pool tracks the threads/memory granted to every handle issued from one
// allocation pool (tenants or compute engines are isolated pools per
// spec.md §4.9's "a separate allocation pool exists for compute engines so
// that a misbehaving plugin cannot starve a scheduler").
type pool struct {
	mu            sync.RWMutex
	handles       map[string]*Handle
	usedThreads   int
	usedMemoryB   int64
}

func newPool() *pool {
	return &pool{handles: make(map[string]*Handle)}
}

// Manager is the resource manager (C10): global thread/memory caps, two
// isolated allocation pools (tenants, compute engines), logging and metrics
// wired the way the teacher wires every subsystem.
type Manager struct {
	mu     sync.RWMutex
	limits Limits

	tenants  *pool
	computes *pool

	log     logging.Logger
	metrics *metrics.Registry
}

// NewManager builds a Manager with the given global limits.
func NewManager(limits Limits, log logging.Logger, reg *metrics.Registry) *Manager {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	if reg == nil {
		reg = metrics.DefaultRegistry()
	}
	return &Manager{
		limits:   limits,
		tenants:  newPool(),
		computes: newPool(),
		log:      log.With(logging.Component("resource")),
		metrics:  reg,
	}
}

// SetGlobalLimits adjusts the caps enforced across both allocation pools.
// Existing handles are unaffected; only future Allocate/AllocateForCompute
// calls see the new caps.
func (m *Manager) SetGlobalLimits(maxThreads int, maxMemoryBytes int64) {
	m.mu.Lock()
	m.limits = Limits{MaxThreads: maxThreads, MaxMemoryBytes: maxMemoryBytes}
	m.mu.Unlock()
	m.reportUsageMetrics()
}

func (m *Manager) allocateFrom(p *pool, name string, req Request, compute bool) (*Handle, error) {
	op := "Manager.Allocate"
	if compute {
		op = "Manager.AllocateForCompute"
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.handles[name]; exists {
		return nil, engineerr.AlreadyExists(op, name)
	}

	m.mu.RLock()
	limits := m.limits
	m.mu.RUnlock()

	remainingThreads := limits.MaxThreads - p.usedThreads
	remainingMemory := limits.MaxMemoryBytes - p.usedMemoryB

	granted := Request{
		Threads:     min(req.Threads, remainingThreads),
		MemoryBytes: min(req.MemoryBytes, remainingMemory),
		Priority:    req.Priority,
	}
	if granted.Threads <= 0 {
		m.metrics.RecordQuotaDenied(name, "threads")
		return nil, engineerr.QuotaDenied(op, "threads")
	}
	if granted.MemoryBytes < minMemoryFloor {
		m.metrics.RecordQuotaDenied(name, "memory")
		return nil, engineerr.QuotaDenied(op, "memory")
	}

	h := newHandle(m, name, granted, compute)
	p.handles[name] = h
	p.usedThreads += granted.Threads
	p.usedMemoryB += granted.MemoryBytes

	m.log.Info("resource allocated", logging.String("name", name), logging.Int("threads", granted.Threads),
		logging.Int64("memory_bytes", granted.MemoryBytes), logging.Bool("compute", compute))
	m.reportUsageMetrics()
	return h, nil
}

// Allocate grants a tenant (scheduler instance) a ResourceHandle out of the
// tenant pool.
func (m *Manager) Allocate(tenant string, req Request) (*Handle, error) {
	return m.allocateFrom(m.tenants, tenant, req, false)
}

// AllocateForCompute grants a compute engine a ResourceHandle out of the
// isolated compute pool.
func (m *Manager) AllocateForCompute(name string, req Request) (*Handle, error) {
	return m.allocateFrom(m.computes, name, req, true)
}

func (m *Manager) releaseFrom(p *pool, name string) {
	p.mu.Lock()
	h, ok := p.handles[name]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.handles, name)
	p.usedThreads -= h.granted.Threads
	p.usedMemoryB -= h.granted.MemoryBytes
	p.mu.Unlock()

	h.release()
	m.reportUsageMetrics()
}

// Release invalidates the named tenant's handle and reclaims its quota.
func (m *Manager) Release(tenant string) { m.releaseFrom(m.tenants, tenant) }

// ReleaseCompute invalidates the named compute engine's handle and reclaims
// its quota.
func (m *Manager) ReleaseCompute(name string) { m.releaseFrom(m.computes, name) }

func queryFrom(p *pool, name string) Usage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handles[name]
	if !ok {
		return Usage{}
	}
	return h.Usage()
}

// QueryUsage returns the named tenant's current usage, or a zero Usage if
// not allocated.
func (m *Manager) QueryUsage(tenant string) Usage { return queryFrom(m.tenants, tenant) }

// GetComputeUsage returns the named compute engine's current usage.
func (m *Manager) GetComputeUsage(name string) Usage { return queryFrom(m.computes, name) }

// GetTotalUsage sums usage across both allocation pools.
func (m *Manager) GetTotalUsage() Usage {
	var total Usage
	for _, p := range []*pool{m.tenants, m.computes} {
		p.mu.RLock()
		for _, h := range p.handles {
			u := h.Usage()
			total.ThreadsUsed += u.ThreadsUsed
			total.MemoryUsedBytes += u.MemoryUsedBytes
			total.QueueLength += u.QueueLength
			total.TasksProcessed += u.TasksProcessed
			total.ErrorsCount += u.ErrorsCount
		}
		p.mu.RUnlock()
	}
	return total
}

// AdjustQuota raises or lowers a tenant's memory quota in place. Thread
// count changes are unsupported once a handle has been issued (the handle's
// semaphore is sized at creation) and return InvalidArgument.
func (m *Manager) AdjustQuota(tenant string, newReq Request) error {
	m.tenants.mu.Lock()
	defer m.tenants.mu.Unlock()

	h, ok := m.tenants.handles[tenant]
	if !ok {
		return engineerr.NotFound("Manager.AdjustQuota", tenant)
	}
	if newReq.Threads != h.granted.Threads {
		return engineerr.InvalidArgument("Manager.AdjustQuota", "thread count changes are unsupported once allocated")
	}

	m.mu.RLock()
	limits := m.limits
	m.mu.RUnlock()

	delta := newReq.MemoryBytes - h.granted.MemoryBytes
	if m.tenants.usedMemoryB+delta > limits.MaxMemoryBytes {
		return engineerr.QuotaDenied("Manager.AdjustQuota", "memory")
	}
	m.tenants.usedMemoryB += delta
	h.granted.MemoryBytes = newReq.MemoryBytes
	return nil
}

// IsUnderPressure reports whether either global cap is at or above 90%
// utilization across both pools combined.
func (m *Manager) IsUnderPressure() bool {
	m.mu.RLock()
	limits := m.limits
	m.mu.RUnlock()

	total := m.GetTotalUsage()
	if limits.MaxThreads > 0 && float64(total.ThreadsUsed)/float64(limits.MaxThreads) >= 0.9 {
		return true
	}
	if limits.MaxMemoryBytes > 0 && float64(total.MemoryUsedBytes)/float64(limits.MaxMemoryBytes) >= 0.9 {
		return true
	}
	return false
}

// ThrottleCompute sets the dispatch throttle factor for a compute engine's
// handle; factor in (0,1] where 1 means no throttling.
func (m *Manager) ThrottleCompute(name string, factor float64) {
	m.computes.mu.RLock()
	h, ok := m.computes.handles[name]
	m.computes.mu.RUnlock()
	if ok {
		h.SetThrottle(factor)
	}
}

// ListComputeEngines returns the names of every currently allocated compute
// engine.
func (m *Manager) ListComputeEngines() []string {
	m.computes.mu.RLock()
	defer m.computes.mu.RUnlock()
	names := make([]string, 0, len(m.computes.handles))
	for name := range m.computes.handles {
		names = append(names, name)
	}
	return names
}

func (m *Manager) reportUsageMetrics() {
	m.mu.RLock()
	limits := m.limits
	m.mu.RUnlock()
	total := m.GetTotalUsage()
	m.metrics.UpdateResourceUsage(total.ThreadsUsed, limits.MaxThreads, total.MemoryUsedBytes, limits.MaxMemoryBytes)
}
