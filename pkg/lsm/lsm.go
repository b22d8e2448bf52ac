// Package lsm implements the storage core (C2-C6): a bloom-filtered,
// leveled LSM-tree keyed by tuple timestamp, with a write-ahead log for
// crash recovery. One LSM instance backs one table in pkg/table/pkg/catalog.
package lsm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/streamwindow/joindb/pkg/engineerr"
	"github.com/streamwindow/joindb/pkg/metrics"
	"github.com/streamwindow/joindb/pkg/tuplemodel"
)

// State is the lifecycle state of the active memtable epoch.
type State int

const (
	StateIdle State = iota
	StateMemTableWrite
	StateSeal
	StateFlushing
	StateL0Published
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMemTableWrite:
		return "memtable_write"
	case StateSeal:
		return "seal"
	case StateFlushing:
		return "flushing"
	case StateL0Published:
		return "l0_published"
	default:
		return "unknown"
	}
}

// Options configures one LSM instance.
type Options struct {
	Dir             string
	MemTableBytes   int64
	Durable         bool // fsync every WAL append
	Compress        bool // snappy-compress SSTable data blocks
	CompactionPolicy CompactionPolicy
	Metrics         *metrics.Registry
	TableName       string // label used on metrics
}

// DefaultOptions returns sensible defaults for dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:              dir,
		MemTableBytes:    4 << 20,
		Durable:          true,
		Compress:         true,
		CompactionPolicy: DefaultCompactionPolicy(),
		Metrics:          metrics.DefaultRegistry(),
		TableName:        filepath.Base(dir),
	}
}

// LSM is one tuple-keyed, timestamp-ordered storage instance (C2-C6).
type LSM struct {
	opts Options

	mu      sync.RWMutex
	state   State
	active  *MemTable
	sealed  []*MemTable
	wal     *WAL
	levels  map[int][]*SSTable
	nextSeq uint64

	compactMu sync.Mutex // serializes compaction passes
	stopped   int32
}

// Open recovers (or creates) an LSM instance rooted at opts.Dir: it replays
// the WAL into a fresh memtable, then opens every existing SSTable file.
func Open(opts Options) (*LSM, error) {
	if opts.MemTableBytes <= 0 {
		opts.MemTableBytes = 4 << 20
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, engineerr.IO("lsm.Open", err)
	}

	l := &LSM{
		opts:   opts,
		state:  StateIdle,
		active: NewMemTable(opts.MemTableBytes),
		levels: make(map[int][]*SSTable),
	}

	walPath := filepath.Join(opts.Dir, "wal.log")
	recovered, err := RecoverWAL(walPath)
	if err != nil {
		return nil, fmt.Errorf("lsm.Open: recover wal: %w", err)
	}
	for _, t := range recovered {
		l.active.Put(t)
	}
	opts.Metrics.RecordWALRecovered(len(recovered))

	wal, err := OpenWAL(walPath, opts.Durable)
	if err != nil {
		return nil, err
	}
	l.wal = wal

	if err := l.loadSSTables(); err != nil {
		return nil, err
	}
	l.state = StateMemTableWrite
	l.reportLevelCounts()

	return l, nil
}

func (l *LSM) loadSSTables() error {
	entries, err := os.ReadDir(l.opts.Dir)
	if err != nil {
		return engineerr.IO("lsm.loadSSTables", err)
	}
	var maxSeq uint64
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sst" {
			continue
		}
		path := filepath.Join(l.opts.Dir, e.Name())
		tbl, err := OpenSSTable(path)
		if err != nil {
			return fmt.Errorf("lsm.loadSSTables: %s: %w", path, err)
		}
		l.levels[tbl.meta.Level] = append(l.levels[tbl.meta.Level], tbl)
		if tbl.meta.Sequence > maxSeq {
			maxSeq = tbl.meta.Sequence
		}
	}
	l.nextSeq = maxSeq + 1
	return nil
}

// sealedBytes returns the total bytes held by sealed-but-not-yet-flushed
// memtables, used by the backpressure check.
func (l *LSM) sealedBytes() int64 {
	var total int64
	for _, m := range l.sealed {
		total += m.SizeBytes()
	}
	return total
}

// Put appends a tuple to the active memtable and WAL. Returns
// KindBackpressureExhausted once sealed-but-unflushed bytes plus the active
// memtable's bytes exceed 2x the memtable budget, per spec.md §4.2/§4.4.
func (l *LSM) Put(t tuplemodel.Tuple) error {
	if atomic.LoadInt32(&l.stopped) == 1 {
		return engineerr.Stopped("LSM.Put")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealedBytes()+l.active.SizeBytes() > 2*l.opts.MemTableBytes {
		l.opts.Metrics.RecordBackpressure()
		return engineerr.Backpressure("LSM.Put")
	}

	if err := l.wal.Append(t); err != nil {
		return err
	}
	l.active.Put(t)
	l.opts.Metrics.UpdateMemtableBytes(l.active.SizeBytes())

	if l.active.IsFull() {
		if err := l.sealActiveLocked(); err != nil {
			return err
		}
	}
	return nil
}

// PutBatch appends every tuple to the active memtable and WAL under a
// single WAL fsync (spec.md §4.5/§6.3 put_batch), rather than looping Put.
// The same backpressure check as Put applies, evaluated once for the batch.
func (l *LSM) PutBatch(tuples []tuplemodel.Tuple) error {
	if len(tuples) == 0 {
		return nil
	}
	if atomic.LoadInt32(&l.stopped) == 1 {
		return engineerr.Stopped("LSM.PutBatch")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealedBytes()+l.active.SizeBytes() > 2*l.opts.MemTableBytes {
		l.opts.Metrics.RecordBackpressure()
		return engineerr.Backpressure("LSM.PutBatch")
	}

	if err := l.wal.AppendBatch(tuples); err != nil {
		return err
	}
	for _, t := range tuples {
		l.active.Put(t)
		if l.active.IsFull() {
			if err := l.sealActiveLocked(); err != nil {
				return err
			}
		}
	}
	l.opts.Metrics.UpdateMemtableBytes(l.active.SizeBytes())
	return nil
}

// sealActiveLocked moves the active memtable to the sealed list and starts a
// flush of it, transitioning Idle/MemTableWrite -> Seal -> Flushing ->
// L0Published -> Idle. Caller must hold l.mu.
func (l *LSM) sealActiveLocked() error {
	l.state = StateSeal
	sealed := l.active
	l.sealed = append(l.sealed, sealed)
	l.active = NewMemTable(l.opts.MemTableBytes)

	l.state = StateFlushing
	tuples := sealed.All()
	seq := l.nextSeq
	l.nextSeq++
	path := filepath.Join(l.opts.Dir, fmt.Sprintf("%06d_L0.sst", seq))

	sst, err := BuildSSTable(path, 0, seq, tuples, l.opts.Compress)
	if err != nil {
		l.state = StateMemTableWrite
		return fmt.Errorf("lsm.sealActiveLocked: flush: %w", err)
	}

	l.levels[0] = append(l.levels[0], sst)
	l.removeSealed(sealed)
	if err := l.wal.Truncate(); err != nil {
		return err
	}
	l.state = StateL0Published
	l.reportLevelCounts()
	l.state = StateMemTableWrite

	return nil
}

func (l *LSM) removeSealed(target *MemTable) {
	out := l.sealed[:0]
	for _, m := range l.sealed {
		if m != target {
			out = append(out, m)
		}
	}
	l.sealed = out
}

// Get searches the active memtable, then sealed memtables (most recently
// sealed first), then L0 SSTables (newest sequence first), then L1..Ln, and
// returns the first tier with a match: tuples with identical ts present in
// multiple tables means the most recent version wins, sequence-ordered
// (spec.md §4.5). It does not union hits across tiers.
func (l *LSM) Get(ts int64) ([]tuplemodel.Tuple, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if tuples := l.active.Get(ts); len(tuples) > 0 {
		l.opts.Metrics.RecordGet(l.opts.TableName, "hit", 0)
		return tuples, nil
	}
	for i := len(l.sealed) - 1; i >= 0; i-- {
		if tuples := l.sealed[i].Get(ts); len(tuples) > 0 {
			l.opts.Metrics.RecordGet(l.opts.TableName, "hit", 0)
			return tuples, nil
		}
	}

	for _, lvl := range levelsSorted(l.levels) {
		tables := l.levels[lvl]
		if lvl == 0 {
			tables = tablesBySequenceDesc(tables)
		}
		for _, tbl := range tables {
			if !tbl.MightContain(ts) {
				l.opts.Metrics.RecordGet(l.opts.TableName, "bloom_reject", 0)
				continue
			}
			tuples, err := tbl.Get(ts)
			if err != nil {
				return nil, err
			}
			if len(tuples) > 0 {
				l.opts.Metrics.RecordGet(l.opts.TableName, "hit", 0)
				return tuples, nil
			}
		}
	}

	l.opts.Metrics.RecordGet(l.opts.TableName, "miss", 0)
	return nil, nil
}

// tablesBySequenceDesc returns tables ordered newest-sequence-first, without
// mutating the caller's slice (used for L0, where ranges overlap).
func tablesBySequenceDesc(tables []*SSTable) []*SSTable {
	out := make([]*SSTable, len(tables))
	copy(out, tables)
	sort.Slice(out, func(i, j int) bool { return out[i].meta.Sequence > out[j].meta.Sequence })
	return out
}

// Range returns every tuple in tr, merged from every storage tier. Entries
// with equal (ts, serialized tuple) found in more than one tier — e.g. a
// memtable entry whose flush to L0 has already published — are
// de-duplicated (spec.md §4.5); distinct tuples that merely share a ts are
// not affected.
func (l *LSM) Range(tr tuplemodel.TimeRange) ([]tuplemodel.Tuple, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var all []tuplemodel.Tuple
	all = append(all, l.active.Range(tr)...)
	for _, m := range l.sealed {
		all = append(all, m.Range(tr)...)
	}
	for _, lvl := range levelsSorted(l.levels) {
		for _, tbl := range l.levels[lvl] {
			if tr.End <= tbl.meta.MinTs || tr.Start > tbl.meta.MaxTs {
				continue
			}
			tuples, err := tbl.Range(tr)
			if err != nil {
				return nil, err
			}
			all = append(all, tuples...)
		}
	}

	out := dedupeTuples(all)
	tuplemodel.SortByTs(out)
	l.opts.Metrics.RecordRangeScan(l.opts.TableName, 0)
	return out, nil
}

// dedupeTuples drops tuples whose serialized encoding (ts included) has
// already been seen, preserving the first occurrence's position.
func dedupeTuples(tuples []tuplemodel.Tuple) []tuplemodel.Tuple {
	seen := make(map[string]struct{}, len(tuples))
	out := make([]tuplemodel.Tuple, 0, len(tuples))
	var buf bytes.Buffer
	for _, t := range tuples {
		buf.Reset()
		if err := tuplemodel.Encode(&buf, t); err != nil {
			out = append(out, t)
			continue
		}
		key := buf.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

// RangeCount returns the number of distinct tuples in tr — distinct meaning
// de-duplicated the same way Range de-duplicates — without building or
// sorting a merged result slice (spec.md §4.6 count).
func (l *LSM) RangeCount(tr tuplemodel.TimeRange) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]struct{})
	var buf bytes.Buffer
	tally := func(tuples []tuplemodel.Tuple) {
		for _, t := range tuples {
			buf.Reset()
			if err := tuplemodel.Encode(&buf, t); err != nil {
				continue
			}
			seen[buf.String()] = struct{}{}
		}
	}

	tally(l.active.Range(tr))
	for _, m := range l.sealed {
		tally(m.Range(tr))
	}
	for _, lvl := range levelsSorted(l.levels) {
		for _, tbl := range l.levels[lvl] {
			if tr.End <= tbl.meta.MinTs || tr.Start > tbl.meta.MaxTs {
				continue
			}
			tuples, err := tbl.Range(tr)
			if err != nil {
				return 0, err
			}
			tally(tuples)
		}
	}
	l.opts.Metrics.RecordRangeScan(l.opts.TableName, 0)
	return len(seen), nil
}

// Latest returns the n tuples with the highest ts, scanning the active and
// sealed memtables first, then L0 SSTables newest-sequence-first, stopping
// once n have been collected (spec.md §4.6 query_latest). Ties beyond n are
// broken arbitrarily, matching the teacher's "newest sequence wins" policy.
func (l *LSM) Latest(n int) ([]tuplemodel.Tuple, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var collected []tuplemodel.Tuple
	collected = append(collected, l.active.All()...)
	for _, m := range l.sealed {
		collected = append(collected, m.All()...)
	}
	collected = dedupeTuples(collected)
	sortByTsDesc(collected)
	if len(collected) > n {
		collected = collected[:n]
	}

	if len(collected) < n {
		for _, tbl := range tablesBySequenceDesc(l.levels[0]) {
			if len(collected) >= n {
				break
			}
			tuples, err := tbl.All()
			if err != nil {
				return nil, err
			}
			collected = dedupeTuples(append(collected, tuples...))
			sortByTsDesc(collected)
			if len(collected) > n {
				collected = collected[:n]
			}
		}
	}

	l.opts.Metrics.RecordRangeScan(l.opts.TableName, 0)
	return collected, nil
}

func sortByTsDesc(tuples []tuplemodel.Tuple) {
	sort.SliceStable(tuples, func(i, j int) bool { return tuples[i].Ts > tuples[j].Ts })
}

// Flush forces the active memtable to seal and flush, even if not yet full.
// A no-op on an empty memtable.
func (l *LSM) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active.Count() == 0 {
		return nil
	}
	return l.sealActiveLocked()
}

// Compact runs one compaction pass if the policy says one is due. Returns
// false if there was nothing to compact.
func (l *LSM) Compact() (bool, error) {
	l.compactMu.Lock()
	defer l.compactMu.Unlock()

	l.mu.RLock()
	plan := PlanCompaction(l.levels, l.opts.CompactionPolicy)
	l.mu.RUnlock()
	if plan == nil {
		return false, nil
	}

	l.mu.Lock()
	allocSeq := func() uint64 {
		seq := l.nextSeq
		l.nextSeq++
		return seq
	}
	maxEntries := l.opts.CompactionPolicy.maxOutputEntries(plan.toLevel)
	l.mu.Unlock()

	outs, err := runCompaction(l.opts.Dir, plan, allocSeq, maxEntries, l.opts.Compress)
	if err != nil {
		l.opts.Metrics.RecordCompaction("failed", 0)
		return false, err
	}

	l.mu.Lock()
	l.levels[plan.toLevel] = append(removeAll(l.levels[plan.toLevel], plan.inputs), outs...)
	l.levels[plan.fromLevel] = removeAll(l.levels[plan.fromLevel], plan.inputs)
	l.mu.Unlock()

	for _, in := range plan.inputs {
		if in.meta.Level == plan.fromLevel {
			_ = in.Remove()
		}
	}
	l.opts.Metrics.RecordCompaction("ok", 0)
	l.reportLevelCounts()
	return true, nil
}

func removeAll(existing []*SSTable, removed []*SSTable) []*SSTable {
	removedSet := make(map[*SSTable]bool, len(removed))
	for _, r := range removed {
		removedSet[r] = true
	}
	out := existing[:0]
	for _, t := range existing {
		if !removedSet[t] {
			out = append(out, t)
		}
	}
	return out
}

func (l *LSM) reportLevelCounts() {
	counts := make(map[int]int)
	var totalEntries uint64
	for lvl, tables := range l.levels {
		counts[lvl] = len(tables)
		for _, t := range tables {
			totalEntries += t.meta.NumEntries
		}
	}
	l.opts.Metrics.UpdateLevelCounts(counts)
	l.opts.Metrics.UpdateOnDiskBytes(int64(totalEntries) * 64)
}

// Stop marks the instance stopped, rejecting further Puts, and flushes and
// closes the WAL.
func (l *LSM) Stop() error {
	atomic.StoreInt32(&l.stopped, 1)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wal.Close()
}
