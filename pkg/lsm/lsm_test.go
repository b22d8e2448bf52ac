package lsm

import (
	"testing"

	"github.com/streamwindow/joindb/pkg/engineerr"
	"github.com/streamwindow/joindb/pkg/metrics"
	"github.com/streamwindow/joindb/pkg/tuplemodel"
)

func testOptions(dir string) Options {
	opts := DefaultOptions(dir)
	opts.MemTableBytes = 2048
	opts.Metrics = metrics.NewRegistry()
	return opts
}

func TestLSMPutGet(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(testOptions(dir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Stop()

	for i := int64(0); i < 20; i++ {
		if err := l.Put(mustTuple(i, float64(i))); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := l.Get(5)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || got[0].Value.Scalar != 5 {
		t.Fatalf("get(5) = %+v", got)
	}
}

func TestLSMFlushThenGetFromSSTable(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(testOptions(dir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Stop()

	for i := int64(0); i < 10; i++ {
		if err := l.Put(mustTuple(i, float64(i))); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := l.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if l.active.Count() != 0 {
		t.Fatalf("active memtable should be empty after flush")
	}
	if len(l.levels[0]) != 1 {
		t.Fatalf("expected 1 L0 sstable after flush, got %d", len(l.levels[0]))
	}

	got, err := l.Get(3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || got[0].Value.Scalar != 3 {
		t.Fatalf("get(3) after flush = %+v", got)
	}
}

func TestLSMBackpressure(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MemTableBytes = 1024
	l, err := Open(opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Stop()

	// Simulate unflushed sealed memtables piling up behind a slow flush, the
	// condition spec.md's backpressure rule exists to catch.
	l.mu.Lock()
	full := NewMemTable(opts.MemTableBytes)
	for i := int64(0); i < 100; i++ {
		full.Put(mustTuple(i, float64(i)))
	}
	l.sealed = append(l.sealed, full, full)
	l.mu.Unlock()

	if err := l.Put(mustTuple(1000, 1)); !engineerr.Is(err, engineerr.KindBackpressureExhausted) {
		t.Fatalf("expected backpressure error, got %v", err)
	}
}

func TestLSMRecoversFromWAL(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)

	l, err := Open(opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := int64(0); i < 5; i++ {
		if err := l.Put(mustTuple(i, float64(i))); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	reopened, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Stop()

	got, err := reopened.Get(3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected recovered tuple at ts=3, got %+v", got)
	}
}

func TestLSMCompactionMergesL0IntoL1(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.CompactionPolicy.L0Trigger = 2
	l, err := Open(opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Stop()

	for flush := 0; flush < 3; flush++ {
		for i := int64(0); i < 5; i++ {
			ts := int64(flush*100) + i
			if err := l.Put(mustTuple(ts, float64(ts))); err != nil {
				t.Fatalf("put: %v", err)
			}
		}
		if err := l.Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}

	ran, err := l.Compact()
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !ran {
		t.Fatal("expected a compaction to run once L0 trigger is exceeded")
	}
	if len(l.levels[1]) != 1 {
		t.Fatalf("expected 1 L1 table after compaction, got %d", len(l.levels[1]))
	}

	tr, _ := tuplemodel.NewTimeRange(0, 300)
	out, err := l.Range(tr)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(out) != 15 {
		t.Fatalf("expected 15 tuples surviving compaction, got %d", len(out))
	}
}

func TestLSMStopRejectsFurtherPuts(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(testOptions(dir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := l.Put(mustTuple(1, 1)); err == nil {
		t.Fatal("expected Put after Stop to fail")
	}
}
