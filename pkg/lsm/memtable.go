package lsm

import (
	"sort"
	"sync"

	"github.com/streamwindow/joindb/pkg/tuplemodel"
)

// entryOverhead is the fixed per-tuple bookkeeping cost charged against a
// MemTable's byte budget on top of the tuple's own encoded size, so an empty
// tag set still counts for something (spec.md §4.1's "size_bytes" accounting).
const entryOverhead = 48

// MemTable is the mutable, in-memory write buffer for one LSM epoch (C4).
// Keyed by timestamp but multi-valued: distinct tuples may share a
// timestamp, and insertion order among same-timestamp tuples is preserved,
// matching spec.md §4.1's "no uniqueness constraint on ts".
type MemTable struct {
	mu        sync.RWMutex
	index     map[int64]int // ts -> position in order, first occurrence only
	order     []int64       // distinct timestamps in first-seen order
	byTs      map[int64][]tuplemodel.Tuple
	sizeBytes int64
	maxBytes  int64
}

// NewMemTable constructs an empty MemTable with the given byte budget.
func NewMemTable(maxBytes int64) *MemTable {
	return &MemTable{
		index: make(map[int64]int),
		byTs:  make(map[int64][]tuplemodel.Tuple),
		maxBytes: maxBytes,
	}
}

func tupleApproxSize(t tuplemodel.Tuple) int64 {
	size := int64(8 + 1) // ts + value kind
	switch t.Value.Kind {
	case tuplemodel.ValueScalar:
		size += 8
	case tuplemodel.ValueVector:
		size += 8 + int64(len(t.Value.Vector))*8
	}
	for _, e := range t.Tags.Entries() {
		size += int64(len(e.Key) + len(e.Value) + 8)
	}
	for _, e := range t.Fields.Entries() {
		size += int64(len(e.Key) + len(e.Value) + 8)
	}
	return size + entryOverhead
}

// Put appends a tuple under its timestamp, preserving insertion order among
// tuples that share a timestamp.
func (m *MemTable) Put(t tuplemodel.Tuple) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.index[t.Ts]; !ok {
		m.index[t.Ts] = len(m.order)
		m.order = append(m.order, t.Ts)
	}
	m.byTs[t.Ts] = append(m.byTs[t.Ts], t)
	m.sizeBytes += tupleApproxSize(t)
}

// Get returns all tuples recorded at exactly ts, in insertion order.
func (m *MemTable) Get(ts int64) []tuplemodel.Tuple {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.byTs[ts]
	out := make([]tuplemodel.Tuple, len(src))
	copy(out, src)
	return out
}

// Range returns every tuple whose timestamp falls in [start, end), sorted by
// timestamp with insertion order preserved among ties.
func (m *MemTable) Range(tr tuplemodel.TimeRange) []tuplemodel.Tuple {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []tuplemodel.Tuple
	for _, ts := range m.order {
		if !tr.Contains(ts) {
			continue
		}
		out = append(out, m.byTs[ts]...)
	}
	tuplemodel.SortByTs(out)
	return out
}

// All returns every tuple in the memtable sorted by timestamp.
func (m *MemTable) All() []tuplemodel.Tuple {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]tuplemodel.Tuple, 0, len(m.order))
	for _, ts := range m.order {
		out = append(out, m.byTs[ts]...)
	}
	tuplemodel.SortByTs(out)
	return out
}

// SizeBytes returns the current accounted byte size.
func (m *MemTable) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

// IsFull reports whether the memtable has reached its byte budget.
func (m *MemTable) IsFull() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes >= m.maxBytes
}

// Count returns the number of distinct timestamps recorded.
func (m *MemTable) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// MinMaxTs returns the minimum and maximum timestamps present, and false if
// the memtable is empty.
func (m *MemTable) MinMaxTs() (min, max int64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.order) == 0 {
		return 0, 0, false
	}
	min, max = m.order[0], m.order[0]
	for _, ts := range m.order {
		if ts < min {
			min = ts
		}
		if ts > max {
			max = ts
		}
	}
	return min, max, true
}

// SortedTimestamps returns the distinct timestamps present, ascending. Used
// by the flush path to build a deterministic SSTable data block order.
func (m *MemTable) SortedTimestamps() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, len(m.order))
	copy(out, m.order)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
