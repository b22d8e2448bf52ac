// Package table implements the two queryable table shapes the engine
// exposes over an LSM instance: StreamTable for raw ingested tuples (C7)
// and JoinResultTable for windowed join output (C8). Both add a tag index
// on top of pkg/lsm's timestamp-keyed storage.
package table

import (
	"sync"

	"github.com/streamwindow/joindb/pkg/engineerr"
	"github.com/streamwindow/joindb/pkg/lsm"
	"github.com/streamwindow/joindb/pkg/tuplemodel"
)

// StreamTable stores raw ingested tuples and maintains a secondary index
// from tag value to the timestamps carrying it, rebuilt on recovery (C7).
// Indexing by timestamp rather than a full tuple handle keeps the index
// small; since ts alone is not unique, lookups re-fetch from storage and
// filter, trading a little redundant work for a much simpler structure.
type StreamTable struct {
	name string
	lsm  *lsm.LSM

	mu    sync.RWMutex
	index map[string]map[string][]int64 // tag name -> tag value -> timestamps
}

// NewStreamTable opens (or creates) a StreamTable backed by an LSM instance
// at dir, rebuilding its tag index from whatever the LSM recovered.
func NewStreamTable(name string, opts lsm.Options) (*StreamTable, error) {
	l, err := lsm.Open(opts)
	if err != nil {
		return nil, err
	}
	st := &StreamTable{
		name:  name,
		lsm:   l,
		index: make(map[string]map[string][]int64),
	}
	if err := st.rebuildIndex(); err != nil {
		return nil, err
	}
	return st, nil
}

func (st *StreamTable) rebuildIndex() error {
	all, err := st.lsm.Range(tuplemodel.TimeRange{Start: minInt64, End: maxInt64})
	if err != nil {
		return err
	}
	for _, t := range all {
		st.indexTuple(t)
	}
	return nil
}

const (
	minInt64 = -1 << 63
	maxInt64 = 1<<63 - 1
)

func (st *StreamTable) indexTuple(t tuplemodel.Tuple) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, e := range t.Tags.Entries() {
		byValue, ok := st.index[e.Key]
		if !ok {
			byValue = make(map[string][]int64)
			st.index[e.Key] = byValue
		}
		byValue[e.Value] = append(byValue[e.Value], t.Ts)
	}
}

// Name returns the table's identifier within the catalog.
func (st *StreamTable) Name() string { return st.name }

// Insert appends a tuple to the underlying LSM instance and indexes its tags.
func (st *StreamTable) Insert(t tuplemodel.Tuple) error {
	if err := st.lsm.Put(t); err != nil {
		return err
	}
	st.indexTuple(t)
	return nil
}

// InsertBatch writes every tuple to the underlying LSM under a single WAL
// fsync (spec.md §4.5/§6.3 insert_batch) and indexes each tuple's tags.
func (st *StreamTable) InsertBatch(tuples []tuplemodel.Tuple) (int, error) {
	if err := st.lsm.PutBatch(tuples); err != nil {
		return 0, err
	}
	for _, t := range tuples {
		st.indexTuple(t)
	}
	return len(tuples), nil
}

// Range returns every tuple whose timestamp falls in tr.
func (st *StreamTable) Range(tr tuplemodel.TimeRange) ([]tuplemodel.Tuple, error) {
	return st.lsm.Range(tr)
}

// Get returns every tuple recorded at exactly ts.
func (st *StreamTable) Get(ts int64) ([]tuplemodel.Tuple, error) {
	return st.lsm.Get(ts)
}

// Query composes the LSM's range with tag filtering (spec.md §4.6): if any
// filterTags key has a tag index, candidate timestamps are intersected
// across those indexed keys and fetched by ts, then every filter (indexed
// or not) is re-checked against the fetched tuple; an empty filterTags
// returns the plain range. Keys with no index fall back to a full scan.
func (st *StreamTable) Query(tr tuplemodel.TimeRange, filterTags map[string]string) ([]tuplemodel.Tuple, error) {
	if len(filterTags) == 0 {
		return st.Range(tr)
	}

	st.mu.RLock()
	var candidates []int64
	haveIndexed := false
	for name, value := range filterTags {
		byValue, ok := st.index[name]
		if !ok {
			continue
		}
		ids, ok := byValue[value]
		if !ok {
			st.mu.RUnlock()
			return nil, nil
		}
		if !haveIndexed {
			candidates = append([]int64(nil), ids...)
			haveIndexed = true
			continue
		}
		candidates = intersectIds(candidates, ids)
	}
	st.mu.RUnlock()

	if !haveIndexed {
		all, err := st.lsm.Range(tr)
		if err != nil {
			return nil, err
		}
		var out []tuplemodel.Tuple
		for _, t := range all {
			if matchesTags(t, filterTags) {
				out = append(out, t)
			}
		}
		return out, nil
	}

	var out []tuplemodel.Tuple
	seen := make(map[int64]bool, len(candidates))
	for _, ts := range candidates {
		if !tr.Contains(ts) || seen[ts] {
			continue
		}
		seen[ts] = true
		tuples, err := st.lsm.Get(ts)
		if err != nil {
			return nil, err
		}
		for _, t := range tuples {
			if matchesTags(t, filterTags) {
				out = append(out, t)
			}
		}
	}
	tuplemodel.SortByTs(out)
	return out, nil
}

func matchesTags(t tuplemodel.Tuple, filterTags map[string]string) bool {
	for name, value := range filterTags {
		v, ok := t.Tag(name)
		if !ok || v != value {
			return false
		}
	}
	return true
}

// intersectIds returns the values present in both id slices, order
// following a's occurrence.
func intersectIds(a, b []int64) []int64 {
	inB := make(map[int64]bool, len(b))
	for _, v := range b {
		inB[v] = true
	}
	var out []int64
	for _, v := range a {
		if inB[v] {
			out = append(out, v)
		}
	}
	return out
}

// Count returns the number of distinct tuples whose timestamp falls in tr,
// without materializing a merged result slice (spec.md §4.6 count:
// delegates to the LSM's range cardinality rather than building tuples).
func (st *StreamTable) Count(tr tuplemodel.TimeRange) (int, error) {
	return st.lsm.RangeCount(tr)
}

// QueryLatest returns the n tuples with the highest ts, scanning memtables
// first then youngest L0 SSTables until n are collected (spec.md §4.6
// query_latest).
func (st *StreamTable) QueryLatest(n int) ([]tuplemodel.Tuple, error) {
	if n <= 0 {
		return nil, engineerr.InvalidArgument("QueryLatest", "n must be positive")
	}
	return st.lsm.Latest(n)
}

// Flush forces the active memtable to flush.
func (st *StreamTable) Flush() error { return st.lsm.Flush() }

// Compact runs one compaction pass if due.
func (st *StreamTable) Compact() (bool, error) { return st.lsm.Compact() }

// Close stops the underlying LSM instance.
func (st *StreamTable) Close() error { return st.lsm.Stop() }
