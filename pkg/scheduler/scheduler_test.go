package scheduler

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/streamwindow/joindb/pkg/lsm"
	"github.com/streamwindow/joindb/pkg/logging"
	"github.com/streamwindow/joindb/pkg/metrics"
	"github.com/streamwindow/joindb/pkg/table"
	"github.com/streamwindow/joindb/pkg/tuplemodel"
)

func testOpts(t *testing.T) lsm.Options {
	t.Helper()
	opts := lsm.DefaultOptions(t.TempDir())
	opts.Metrics = metrics.NewRegistry()
	return opts
}

func newTestScheduler(t *testing.T, cfg Config, joinFn JoinFunc) (*Scheduler, *table.StreamTable, *table.StreamTable, *table.JoinResultTable) {
	t.Helper()
	left, err := table.NewStreamTable("stream_s", testOpts(t))
	if err != nil {
		t.Fatalf("new left: %v", err)
	}
	right, err := table.NewStreamTable("stream_r", testOpts(t))
	if err != nil {
		t.Fatalf("new right: %v", err)
	}
	result, err := table.NewJoinResultTable("join_sr", testOpts(t))
	if err != nil {
		t.Fatalf("new result: %v", err)
	}
	s, err := New("test", cfg, left, right, result, joinFn, nil, logging.NewNopLogger(), metrics.NewRegistry())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, left, right, result
}

// equiJoin is a minimal JoinFunc matching spec.md §8's scenarios: count of
// pairs with equal scalar value.
func equiJoin(left, right []tuplemodel.Tuple, windowID uint64, deadline int64) JoinOutcome {
	count := 0
	for _, l := range left {
		for _, r := range right {
			if l.Value.AsFloat64() == r.Value.AsFloat64() {
				count++
			}
		}
	}
	return JoinOutcome{OK: true, JoinCount: count}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

// TestSchedulerBasicJoin_S1 mirrors spec.md §8 scenario S1: a single
// tumbling window over [0,1000) receives matching tuples on both streams
// and, once the watermark passes the window end, produces one JoinRecord.
func TestSchedulerBasicJoin_S1(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowLenUs = 1000
	cfg.SlideLenUs = 1000
	cfg.TriggerPolicy = TimeBased
	cfg.MaxDelayUs = 0
	cfg.WatermarkSlackUs = 0

	s, left, right, result := newTestScheduler(t, cfg, equiJoin)
	defer left.Close()
	defer right.Close()
	defer result.Close()
	s.Start()
	defer s.Stop(true)

	if err := left.Insert(tuplemodel.New(100, tuplemodel.NewScalar(1), nil, nil)); err != nil {
		t.Fatalf("insert left: %v", err)
	}
	if err := right.Insert(tuplemodel.New(200, tuplemodel.NewScalar(1), nil, nil)); err != nil {
		t.Fatalf("insert right: %v", err)
	}
	s.OnDataInserted(Left, 100, 1)
	s.OnDataInserted(Right, 200, 1)

	// Advance the watermark past the window end by inserting a later tuple.
	s.OnDataInserted(Left, 2000, 0)
	s.OnDataInserted(Right, 2000, 0)

	ok := waitFor(t, time.Second, func() bool {
		w, found := s.GetWindow(1)
		return found && w.State == Completed
	})
	if !ok {
		t.Fatalf("window 1 did not complete in time")
	}

	tr, _ := tuplemodel.NewTimeRange(0, 10000)
	recs, err := result.QueryByWindow(tr, "1")
	if err != nil {
		t.Fatalf("query by window: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 join record, got %d: %+v", len(recs), recs)
	}
	if recs[0].JoinCount != 1 {
		t.Fatalf("expected join_count=1, got %d", recs[0].JoinCount)
	}
}

// TestSchedulerWatermarkTriggersWithoutManualTrigger_S2 verifies that once
// the watermark passes a window's end, the window is triggered by the
// periodic scheduler loop without any explicit manual trigger call.
func TestSchedulerWatermarkTriggersWithoutManualTrigger_S2(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowLenUs = 1000
	cfg.SlideLenUs = 1000
	cfg.TriggerPolicy = TimeBased
	cfg.TriggerIntervalUs = 5000
	cfg.MaxDelayUs = 0
	cfg.WatermarkSlackUs = 0

	s, left, right, _ := newTestScheduler(t, cfg, equiJoin)
	defer left.Close()
	defer right.Close()
	s.Start()
	defer s.Stop(true)

	s.OnDataInserted(Left, 500, 1)
	s.OnDataInserted(Right, 500, 0)
	s.OnDataInserted(Left, 2500, 0) // advances watermark past window 1's end
	s.OnDataInserted(Right, 2500, 0)

	ok := waitFor(t, time.Second, func() bool {
		w, found := s.GetWindow(1)
		return found && (w.State == Completed || w.State == Computing || w.State == Ready)
	})
	if !ok {
		t.Fatalf("window 1 was never triggered by watermark advance")
	}
}

// TestSchedulerLateDataReopensWindow_S4 verifies that data arriving after a
// window has completed, but still within AllowLateData tolerance, reopens
// the window and produces a second JoinRecord for the same window_id,
// rather than retracting the first (append-only semantics).
func TestSchedulerLateDataReopensWindow_S4(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowLenUs = 1000
	cfg.SlideLenUs = 1000
	cfg.TriggerPolicy = TimeBased
	cfg.MaxDelayUs = 0
	cfg.WatermarkSlackUs = 0
	cfg.AllowLateData = true

	s, left, right, result := newTestScheduler(t, cfg, equiJoin)
	defer left.Close()
	defer right.Close()
	defer result.Close()
	s.Start()
	defer s.Stop(true)

	if err := left.Insert(tuplemodel.New(100, tuplemodel.NewScalar(1), nil, nil)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	s.OnDataInserted(Left, 100, 1)
	s.OnDataInserted(Right, 100, 0)
	s.OnDataInserted(Left, 2000, 0)
	s.OnDataInserted(Right, 2000, 0)

	if !waitFor(t, time.Second, func() bool {
		w, found := s.GetWindow(1)
		return found && w.State == Completed
	}) {
		t.Fatalf("window 1 did not complete the first time")
	}

	// Late tuple lands inside window 1's range but after it has completed.
	if err := left.Insert(tuplemodel.New(150, tuplemodel.NewScalar(2), nil, nil)); err != nil {
		t.Fatalf("insert late: %v", err)
	}
	s.OnDataInserted(Left, 150, 1)
	s.OnDataInserted(Right, 150, 0)

	if !waitFor(t, time.Second, func() bool {
		w, found := s.GetWindow(1)
		return found && w.State == Completed && w.HasLateData
	}) {
		t.Fatalf("window 1 was not reopened for late data")
	}

	tr, _ := tuplemodel.NewTimeRange(0, 10000)
	recs, err := result.QueryByWindow(tr, "1")
	if err != nil {
		t.Fatalf("query by window: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 join records for window 1 (append-only), got %d", len(recs))
	}
}

// TestSchedulerWindowMutualExclusion verifies invariant #6: dispatchPending
// never marks the same window_id Computing twice, so two concurrent
// runWindow goroutines for one window can never exist.
func TestSchedulerWindowMutualExclusion(t *testing.T) {
	var mu sync.Mutex
	inFlight := map[uint64]bool{}
	violated := false

	joinFn := func(left, right []tuplemodel.Tuple, windowID uint64, deadline int64) JoinOutcome {
		mu.Lock()
		if inFlight[windowID] {
			violated = true
		}
		inFlight[windowID] = true
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight[windowID] = false
		mu.Unlock()
		return JoinOutcome{OK: true, JoinCount: 1}
	}

	cfg := DefaultConfig()
	cfg.WindowLenUs = 100
	cfg.SlideLenUs = 100
	cfg.TriggerPolicy = TimeBased
	cfg.MaxDelayUs = 0
	cfg.WatermarkSlackUs = 0
	cfg.MaxConcurrentWindows = 4

	s, left, right, result := newTestScheduler(t, cfg, joinFn)
	defer left.Close()
	defer right.Close()
	defer result.Close()
	s.Start()
	defer s.Stop(true)

	for i := int64(0); i < 20; i++ {
		ts := i * 100
		if err := left.Insert(tuplemodel.New(ts, tuplemodel.NewScalar(float64(ts)), nil, nil)); err != nil {
			t.Fatalf("insert: %v", err)
		}
		s.OnDataInserted(Left, ts, 1)
		s.OnDataInserted(Right, ts, 0)
	}
	// Push the watermark well past every window materialized above.
	s.OnDataInserted(Left, 20000, 0)
	s.OnDataInserted(Right, 20000, 0)

	waitFor(t, 2*time.Second, func() bool {
		m := s.GetMetrics()
		return m.TotalCompleted >= 19
	})

	mu.Lock()
	defer mu.Unlock()
	if violated {
		t.Fatalf("two tasks ran concurrently for the same window_id")
	}
}

// TestSchedulerWatermarkMonotonic verifies invariant #5: the watermark
// never moves backward, even as out-of-order data arrives.
func TestSchedulerWatermarkMonotonic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowLenUs = 1000
	cfg.SlideLenUs = 1000
	cfg.MaxDelayUs = 0

	s, left, right, _ := newTestScheduler(t, cfg, equiJoin)
	defer left.Close()
	defer right.Close()

	var last int64
	for _, ts := range []int64{1000, 5000, 2000, 9000, 3000} {
		s.OnDataInserted(Left, ts, 1)
		s.OnDataInserted(Right, ts, 1)
		cur := s.Watermark()
		if cur < last {
			t.Fatalf("watermark moved backward: %d -> %d", last, cur)
		}
		last = cur
	}
}

func TestSchedulerPanicInJoinFuncBecomesFailedOutcome(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowLenUs = 1000
	cfg.SlideLenUs = 1000
	cfg.MaxDelayUs = 0
	cfg.WatermarkSlackUs = 0

	joinFn := func(left, right []tuplemodel.Tuple, windowID uint64, deadline int64) JoinOutcome {
		panic(fmt.Sprintf("boom on window %d", windowID))
	}

	s, left, right, result := newTestScheduler(t, cfg, joinFn)
	defer left.Close()
	defer right.Close()
	defer result.Close()
	s.Start()
	defer s.Stop(true)

	s.OnDataInserted(Left, 100, 1)
	s.OnDataInserted(Right, 100, 0)
	s.OnDataInserted(Left, 2000, 0)
	s.OnDataInserted(Right, 2000, 0)

	ok := waitFor(t, time.Second, func() bool {
		w, found := s.GetWindow(1)
		return found && w.State == Failed
	})
	if !ok {
		t.Fatalf("window did not transition to Failed after join panic")
	}
}

func TestSchedulerConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowType = Tumbling
	cfg.SlideLenUs = cfg.WindowLenUs * 2
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for tumbling window with slide != window len")
	}
}
