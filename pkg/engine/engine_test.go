package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamwindow/joindb/pkg/engineerr"
	"github.com/streamwindow/joindb/pkg/metrics"
	"github.com/streamwindow/joindb/pkg/resource"
	"github.com/streamwindow/joindb/pkg/scheduler"
	"github.com/streamwindow/joindb/pkg/tuplemodel"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	opts := DefaultOptions(t.TempDir())
	opts.Metrics = metrics.NewRegistry()
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func tag(k, v string) *tuplemodel.OrderedMap {
	return tuplemodel.NewOrderedMap(tuplemodel.KV{Key: k, Value: v})
}

// equiJoinOnTag mirrors spec.md §8 scenario S1: equi-join on tags["k"].
func equiJoinOnTag(left, right []tuplemodel.Tuple, windowID uint64, deadline int64) scheduler.JoinOutcome {
	count := 0
	for _, l := range left {
		lk, _ := l.Tag("k")
		for _, r := range right {
			rk, _ := r.Tag("k")
			if lk == rk {
				count++
			}
		}
	}
	return scheduler.JoinOutcome{OK: true, JoinCount: count, AlgorithmTag: "nested_loop_equi"}
}

func TestEngine_CreateTablesAndInsert(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.CreatePECJTables(""))
	require.True(t, e.HasTable("stream_s"))
	require.True(t, e.HasTable("stream_r"))
	require.True(t, e.HasTable("join_results"))
	require.ElementsMatch(t, []string{"join_results", "stream_r", "stream_s"}, e.ListTables())

	id, err := e.Insert("stream_s", tuplemodel.New(1000, tuplemodel.NewScalar(1.0), tag("k", "A"), nil))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	out, err := e.Query("stream_s", tuplemodel.TimeRange{Start: 0, End: 2000}, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestEngine_CreateTable_Duplicate(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.CreateStreamTable("s"))
	err := e.CreateStreamTable("s")
	require.True(t, engineerr.Is(err, engineerr.KindAlreadyExists))
}

// TestEngine_S1BasicJoin exercises spec.md §8 S1 end to end through the
// public Engine surface: inserting into both streams, running tumbling
// windows, and checking the completed join_count per window.
func TestEngine_S1BasicJoin(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.CreatePECJTables(""))

	cfg := scheduler.DefaultConfig()
	cfg.WindowType = scheduler.Tumbling
	cfg.WindowLenUs = 1000
	cfg.SlideLenUs = 1000
	cfg.TriggerPolicy = scheduler.TimeBased
	cfg.TriggerIntervalUs = 1000
	cfg.MaxDelayUs = 0
	cfg.WatermarkSlackUs = 0
	cfg.MaxPendingWindows = 10
	cfg.MaxConcurrentWindows = 4

	sched, err := e.CreateScheduler(SchedulerSpec{
		Name:        "pecj",
		Config:      cfg,
		LeftTable:   "stream_s",
		RightTable:  "stream_r",
		ResultTable: "join_results",
		JoinFn:      equiJoinOnTag,
		Resources:   resource.Request{Threads: 2, MemoryBytes: 8 << 20},
	})
	require.NoError(t, err)
	sched.Start()
	defer sched.Stop(true)

	type pt struct {
		ts  int64
		v   float64
		tag string
	}
	for _, p := range []pt{{1000, 1.0, "A"}, {1500, 2.0, "B"}, {2500, 3.0, "A"}} {
		_, err := e.Insert("stream_s", tuplemodel.New(p.ts, tuplemodel.NewScalar(p.v), tag("k", p.tag), nil))
		require.NoError(t, err)
	}
	for _, p := range []pt{{1100, 10.0, "A"}, {1400, 20.0, "B"}, {2600, 30.0, "A"}} {
		_, err := e.Insert("stream_r", tuplemodel.New(p.ts, tuplemodel.NewScalar(p.v), tag("k", p.tag), nil))
		require.NoError(t, err)
	}
	// S2: a tuple past window 2's end advances the watermark far enough to
	// trigger both prior windows without a manual trigger.
	_, err = e.Insert("stream_s", tuplemodel.New(3000, tuplemodel.NewScalar(4.0), nil, nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		w1, ok1 := sched.GetWindow(2)
		w2, ok2 := sched.GetWindow(3)
		return ok1 && ok2 && w1.State == scheduler.Completed && w2.State == scheduler.Completed
	}, 2*time.Second, time.Millisecond)

	w1, _ := sched.GetWindow(2)
	w2, _ := sched.GetWindow(3)
	require.Equal(t, scheduler.Completed, w1.State)
	require.Equal(t, scheduler.Completed, w2.State)

	jrt, err := e.Catalog().GetResult("join_results")
	require.NoError(t, err)
	recs1, err := jrt.QueryByWindow(tuplemodel.TimeRange{Start: 0, End: 1 << 62}, "2")
	require.NoError(t, err)
	require.Len(t, recs1, 1)
	require.Equal(t, 2, recs1[0].JoinCount)

	recs2, err := jrt.QueryByWindow(tuplemodel.TimeRange{Start: 0, End: 1 << 62}, "3")
	require.NoError(t, err)
	require.Len(t, recs2, 1)
	require.Equal(t, 1, recs2[0].JoinCount)
}

func TestEngine_QuotaDenial(t *testing.T) {
	e := newTestEngine(t)
	e.Resources().SetGlobalLimits(1, 128<<20)
	require.NoError(t, e.CreatePECJTables(""))

	cfg := scheduler.DefaultConfig()
	_, err := e.CreateScheduler(SchedulerSpec{
		Name: "p1", Config: cfg, LeftTable: "stream_s", RightTable: "stream_r",
		ResultTable: "join_results", JoinFn: equiJoinOnTag,
		Resources: resource.Request{Threads: 1, MemoryBytes: 100 << 20},
	})
	require.NoError(t, err)

	require.NoError(t, e.CreateStreamTable("stream2_s"))
	require.NoError(t, e.CreateStreamTable("stream2_r"))
	require.NoError(t, e.CreateResultTable("join2"))
	_, err = e.CreateScheduler(SchedulerSpec{
		Name: "p2", Config: cfg, LeftTable: "stream2_s", RightTable: "stream2_r",
		ResultTable: "join2", JoinFn: equiJoinOnTag,
		Resources: resource.Request{Threads: 1, MemoryBytes: 100 << 20},
	})
	require.True(t, engineerr.Is(err, engineerr.KindQuotaDenied))
}

func TestEngine_StopSchedulerStopsNotifications(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.CreatePECJTables(""))
	cfg := scheduler.DefaultConfig()
	cfg.TriggerPolicy = scheduler.Manual
	_, err := e.CreateScheduler(SchedulerSpec{
		Name: "pecj", Config: cfg, LeftTable: "stream_s", RightTable: "stream_r",
		ResultTable: "join_results", JoinFn: equiJoinOnTag,
	})
	require.NoError(t, err)
	require.NoError(t, e.StopScheduler("pecj", true))
	_, err = e.GetScheduler("pecj")
	require.True(t, engineerr.Is(err, engineerr.KindNotFound))

	// Table is still usable after the scheduler is gone.
	_, err = e.Insert("stream_s", tuplemodel.New(1, tuplemodel.NewScalar(1), nil, nil))
	require.NoError(t, err)
}
