package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/streamwindow/joindb/pkg/engineerr"
	"github.com/streamwindow/joindb/pkg/logging"
	"github.com/streamwindow/joindb/pkg/metrics"
	"github.com/streamwindow/joindb/pkg/pubsub"
	"github.com/streamwindow/joindb/pkg/table"
	"github.com/streamwindow/joindb/pkg/tuplemodel"
)

// Submitter is anything that can bound concurrent task execution for the
// scheduler's dispatch (§4.9). *resource.Handle satisfies it; tests may
// supply a stub or leave it nil, in which case the scheduler runs dispatch
// tasks directly on their own goroutine.
type Submitter interface {
	SubmitTask(f func()) bool
}

// WindowCompletedTopic and WindowFailedTopic are the pubsub topics the
// scheduler fans window-completion events out on, for subscribers that
// prefer a pubsub.Subscription over a registered callback.
const (
	WindowCompletedTopic = "scheduler.window.completed"
	WindowFailedTopic    = "scheduler.window.failed"
)

// Scheduler materializes windows over two input streams, tracks their
// watermark and trigger state, and dispatches ready windows to an injected
// JoinFunc (C11). Grounded on original_source's WindowScheduler; the
// bounded-pool dispatch itself is delegated to a Submitter (normally a
// resource.Handle) rather than the scheduler owning worker goroutines
// directly, keeping resource accounting centralized in C10.
type Scheduler struct {
	name   string
	cfg    Config
	left   *table.StreamTable
	right  *table.StreamTable
	result *table.JoinResultTable
	joinFn JoinFunc

	submitter Submitter
	log       logging.Logger
	metrics   *metrics.Registry
	ps        *pubsub.PubSub

	mu      sync.Mutex
	windows map[uint64]*WindowInfo
	pending windowHeap
	active  int

	watermark atomic.Int64

	metricsMu sync.Mutex
	sched     SchedulingMetrics
	throughput *ewma

	completionCBs []func(WindowInfo, JoinOutcome)
	failureCBs    []func(WindowInfo, string)
	cbMu          sync.Mutex

	stopCh  chan struct{}
	wakeCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// New constructs a Scheduler. joinFn is the external collaborator invoked
// for every dispatched window; submitter may be nil, in which case window
// tasks run on bare goroutines (used by tests exercising scheduler logic
// without a resource.Manager).
func New(name string, cfg Config, left, right *table.StreamTable, result *table.JoinResultTable, joinFn JoinFunc, submitter Submitter, log logging.Logger, reg *metrics.Registry) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if joinFn == nil {
		return nil, engineerr.InvalidArgument("scheduler.New", "joinFn must not be nil")
	}
	s := &Scheduler{
		name:      name,
		cfg:       cfg,
		left:      left,
		right:     right,
		result:    result,
		joinFn:    joinFn,
		submitter: submitter,
		log:       log,
		metrics:   reg,
		ps:        pubsub.NewPubSub(),
		windows:   make(map[uint64]*WindowInfo),
		throughput: newEWMA(0.3),
		stopCh:    make(chan struct{}),
		wakeCh:    make(chan struct{}, 1),
	}
	return s, nil
}

// Start launches the background scheduler loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.schedulerLoop()
}

// Stop halts the scheduler loop. If waitCompletion is true it blocks until
// in-flight window tasks finish; otherwise it returns once the loop itself
// has exited, leaving in-flight tasks to finish on their own.
func (s *Scheduler) Stop(waitCompletion bool) {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	if waitCompletion {
		for {
			s.mu.Lock()
			active := s.active
			s.mu.Unlock()
			if active == 0 {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func (s *Scheduler) schedulerLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.TriggerIntervalUs) * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evaluateTriggers()
			s.dispatchPending()
		case <-s.wakeCh:
			s.evaluateTriggers()
			s.dispatchPending()
		}
	}
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// windowID deterministically assigns monotone, start-ordered ids: tumbling
// and sliding windows are keyed off their period, so two schedulers fed the
// same stream agree on ids without coordination. Session windows (§9,
// experimental) are keyed off SessionGapUs in the same way.
func (s *Scheduler) windowID(start int64) uint64 {
	switch s.cfg.WindowType {
	case Sliding:
		return uint64(start/s.cfg.SlideLenUs) + 1
	case Session:
		return uint64(start/s.cfg.SessionGapUs) + 1
	default:
		return uint64(start/s.cfg.WindowLenUs) + 1
	}
}

// windowRangeFor returns the [start,end) range a timestamp belongs to for
// the configured window type.
func (s *Scheduler) windowRangeFor(ts int64) tuplemodel.TimeRange {
	var start int64
	switch s.cfg.WindowType {
	case Sliding:
		start = (ts / s.cfg.SlideLenUs) * s.cfg.SlideLenUs
	case Session:
		start = (ts / s.cfg.SessionGapUs) * s.cfg.SessionGapUs
	default:
		start = (ts / s.cfg.WindowLenUs) * s.cfg.WindowLenUs
	}
	end := start + s.cfg.WindowLenUs
	tr, _ := tuplemodel.NewTimeRange(start, end)
	return tr
}

// Side identifies which of the two input streams data was inserted into.
type Side int

const (
	Left Side = iota
	Right
)

// OnDataInserted materializes (or updates) the window covering ts, advances
// the watermark, and reopens a Completed window if ts is late and the
// configuration allows it (§4.10, §4.11 late-data handling).
func (s *Scheduler) OnDataInserted(side Side, ts int64, count int64) {
	// spec.md §4.10: watermark = max(watermark, ts_seen - max_delay_us),
	// applied per inserted tuple regardless of which stream it landed in.
	newWM := ts - s.cfg.MaxDelayUs
	for {
		cur := s.watermark.Load()
		if newWM <= cur {
			break
		}
		if s.watermark.CompareAndSwap(cur, newWM) {
			if s.metrics != nil {
				s.metrics.UpdateWatermark(s.name, newWM)
			}
			break
		}
	}

	tr := s.windowRangeFor(ts)
	id := s.windowID(tr.Start)

	s.mu.Lock()
	w, ok := s.windows[id]
	if !ok {
		w = &WindowInfo{WindowID: id, Range: tr, State: Pending, CreatedTs: ts}
		s.windows[id] = w
	}
	if side == Left {
		w.SCount += count
	} else {
		w.RCount += count
	}

	late := w.State == Completed && ts < w.WatermarkSnapshot
	if late {
		if !s.cfg.AllowLateData {
			s.mu.Unlock()
			return
		}
		w.HasLateData = true
		w.State = Ready
		s.pending.pushID(id)
		s.metricsMu.Lock()
		s.sched.LateDataCount++
		s.sched.LateWindowsRedone++
		s.metricsMu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordLateData()
		}
	} else if w.State == Pending && s.triggered(w) {
		w.State = Ready
		w.TriggeredTs = ts
		s.pending.pushID(id)
	}
	s.mu.Unlock()
	s.wake()
}

// triggered evaluates the configured TriggerPolicy against w. Caller holds
// s.mu.
func (s *Scheduler) triggered(w *WindowInfo) bool {
	wm := s.watermark.Load()
	timeReady := wm >= w.Range.End+s.cfg.WatermarkSlackUs
	countReady := w.SCount+w.RCount >= s.cfg.TriggerCountThreshold
	switch s.cfg.TriggerPolicy {
	case TimeBased:
		return timeReady
	case CountBased:
		return countReady
	case Hybrid:
		return timeReady || countReady
	case Manual:
		return false
	default:
		return timeReady
	}
}

// ScheduleWindow manually marks id as Ready regardless of trigger policy,
// used for Manual-policy schedulers and tests.
func (s *Scheduler) ScheduleWindow(id uint64, tr tuplemodel.TimeRange) {
	s.mu.Lock()
	w, ok := s.windows[id]
	if !ok {
		w = &WindowInfo{WindowID: id, Range: tr, State: Pending}
		s.windows[id] = w
	}
	if w.State == Pending {
		w.State = Ready
		s.pending.pushID(id)
	}
	s.mu.Unlock()
	s.wake()
}

// TriggerPendingWindows forces trigger re-evaluation and dispatch outside
// the periodic loop; useful after a batch insert.
func (s *Scheduler) TriggerPendingWindows() {
	s.evaluateTriggers()
	s.dispatchPending()
}

func (s *Scheduler) evaluateTriggers() {
	s.mu.Lock()
	for _, w := range s.windows {
		if w.State == Pending && s.triggered(w) {
			w.State = Ready
			w.TriggeredTs = s.watermark.Load()
			s.pending.pushID(w.WindowID)
		}
	}
	s.mu.Unlock()
}

// dispatchPending pops Ready windows in window_id order, bounded by
// MaxConcurrentWindows, and hands each to the submitter (or a bare
// goroutine). Invariant #6 (no two tasks for the same window_id run
// concurrently) holds because a window only re-enters the heap after its
// prior run transitions it out of Computing.
func (s *Scheduler) dispatchPending() {
	for {
		s.mu.Lock()
		if s.active >= s.cfg.MaxConcurrentWindows || s.pending.Len() == 0 {
			s.mu.Unlock()
			return
		}
		id := s.pending.popID()
		w, ok := s.windows[id]
		if !ok || w.State != Ready {
			s.mu.Unlock()
			continue
		}
		w.State = Computing
		s.active++
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.RecordWindowScheduled()
		}
		s.metricsMu.Lock()
		s.sched.TotalScheduled++
		s.metricsMu.Unlock()

		task := func() { s.runWindow(id) }
		dispatched := false
		if s.submitter != nil {
			dispatched = s.submitter.SubmitTask(task)
		}
		if !dispatched {
			go task()
		}
	}
}

// runWindow executes one window's join: it range-queries both input
// streams concurrently via errgroup (grounded on the pack's x/sync usage),
// invokes the injected JoinFunc, records the JoinRecord, and transitions
// the window's terminal state.
func (s *Scheduler) runWindow(id uint64) {
	start := time.Now()
	s.mu.Lock()
	w := s.windows[id]
	rng := w.Range
	wmSnap := s.watermark.Load()
	s.mu.Unlock()

	var leftTuples, rightTuples []tuplemodel.Tuple
	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		var err error
		leftTuples, err = s.left.Range(rng)
		return err
	})
	g.Go(func() error {
		var err error
		rightTuples, err = s.right.Range(rng)
		return err
	})
	err := g.Wait()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
		s.dispatchPending()
	}()

	if err != nil {
		s.finishFailed(id, rng, wmSnap, err.Error())
		return
	}

	deadline := rng.End + s.cfg.MaxDelayUs
	outcome := s.invokeJoin(leftTuples, rightTuples, id, deadline)

	s.mu.Lock()
	w = s.windows[id]
	w.WatermarkSnapshot = wmSnap
	w.CompletedTs = time.Now().UnixMicro()
	if !outcome.OK {
		w.State = Failed
		w.Error = outcome.Error
	} else {
		w.State = Completed
	}
	wCopy := w.Clone()
	s.mu.Unlock()

	latency := time.Since(start)
	s.metricsMu.Lock()
	if outcome.OK {
		s.sched.TotalCompleted++
	} else {
		s.sched.TotalFailed++
	}
	s.throughput.observe(1.0 / latency.Seconds())
	s.sched.WindowsPerSecond = s.throughput.get()
	ms := float64(latency.Microseconds()) / 1000.0
	s.sched.AvgCompletionLatencyMS = (s.sched.AvgCompletionLatencyMS + ms) / 2
	if ms > s.sched.MaxCompletionLatencyMS {
		s.sched.MaxCompletionLatencyMS = ms
	}
	s.metricsMu.Unlock()

	if s.metrics != nil {
		if outcome.OK {
			s.metrics.RecordWindowCompleted("ok", latency)
		} else {
			s.metrics.RecordWindowFailed()
		}
	}

	if !outcome.OK {
		s.storeAndNotifyFailure(wCopy, outcome.Error)
		return
	}

	rec := table.JoinRecord{
		WindowID:    fmt.Sprintf("%d", id),
		Ts:          rng.End,
		JoinCount:   outcome.JoinCount,
		AQPEstimate: outcome.AQPEstimate,
		HasAQP:      outcome.HasAQPEstimate,
		Selectivity: selectivity(outcome.JoinCount, len(leftTuples), len(rightTuples)),
		Payload:     outcome.Payload,
		Metrics: table.JoinMetrics{
			ComputationMS: ms,
			MemoryBytes:   outcome.MemoryBytes,
			UsedAQP:       outcome.UsedAQP,
			AlgorithmTag:  outcome.AlgorithmTag,
		},
	}
	if err := s.result.InsertResult(rec); err != nil && s.log != nil {
		s.log.Error("failed to persist join result", logging.String("window_id", rec.WindowID), logging.String("err", err.Error()))
	}

	s.runCompletionCallbacks(wCopy, outcome)
	s.ps.Publish(WindowCompletedTopic, wCopy)
}

func selectivity(joinCount, leftN, rightN int) float64 {
	if leftN == 0 || rightN == 0 {
		return 0
	}
	return float64(joinCount) / float64(leftN*rightN)
}

func (s *Scheduler) finishFailed(id uint64, rng tuplemodel.TimeRange, wmSnap int64, msg string) {
	s.mu.Lock()
	w := s.windows[id]
	w.State = Failed
	w.Error = msg
	w.WatermarkSnapshot = wmSnap
	w.CompletedTs = time.Now().UnixMicro()
	wCopy := w.Clone()
	s.mu.Unlock()

	s.metricsMu.Lock()
	s.sched.TotalFailed++
	s.metricsMu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordWindowFailed()
	}
	s.storeAndNotifyFailure(wCopy, msg)
}

func (s *Scheduler) storeAndNotifyFailure(w WindowInfo, msg string) {
	rec := table.JoinRecord{
		WindowID:     fmt.Sprintf("%d", w.WindowID),
		Ts:           w.Range.End,
		ErrorMessage: msg,
	}
	if err := s.result.InsertResult(rec); err != nil && s.log != nil {
		s.log.Error("failed to persist failed join result", logging.String("window_id", rec.WindowID), logging.String("err", err.Error()))
	}
	s.runFailureCallbacks(w, msg)
	s.ps.Publish(WindowFailedTopic, w)
}

// invokeJoin calls the injected JoinFunc, converting a panic into a failed
// JoinOutcome so a misbehaving join implementation can't take the
// scheduler down (the same protection resource.Handle gives its tasks).
func (s *Scheduler) invokeJoin(left, right []tuplemodel.Tuple, id uint64, deadline int64) (outcome JoinOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = JoinOutcome{OK: false, Error: fmt.Sprintf("join function panicked: %v", r)}
		}
	}()
	outcome = s.joinFn(left, right, id, deadline)
	return outcome
}

// OnWindowCompleted registers a callback invoked (in addition to the
// WindowCompletedTopic pubsub event) whenever a window finishes
// successfully. Callbacks are isolated from each other and from the
// dispatch loop: a panic in one is recovered and logged, never propagated.
func (s *Scheduler) OnWindowCompleted(cb func(WindowInfo, JoinOutcome)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.completionCBs = append(s.completionCBs, cb)
}

// OnWindowFailed registers a callback invoked whenever a window fails.
func (s *Scheduler) OnWindowFailed(cb func(WindowInfo, string)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.failureCBs = append(s.failureCBs, cb)
}

func (s *Scheduler) runCompletionCallbacks(w WindowInfo, outcome JoinOutcome) {
	s.cbMu.Lock()
	cbs := append([]func(WindowInfo, JoinOutcome){}, s.completionCBs...)
	s.cbMu.Unlock()
	for _, cb := range cbs {
		s.runCompletionCallback(cb, w, outcome)
	}
}

func (s *Scheduler) runCompletionCallback(cb func(WindowInfo, JoinOutcome), w WindowInfo, outcome JoinOutcome) {
	defer func() {
		if r := recover(); r != nil && s.log != nil {
			s.log.Error("window completion callback panicked", logging.String("window_id", fmt.Sprintf("%d", w.WindowID)))
		}
	}()
	cb(w, outcome)
}

func (s *Scheduler) runFailureCallbacks(w WindowInfo, msg string) {
	s.cbMu.Lock()
	cbs := append([]func(WindowInfo, string){}, s.failureCBs...)
	s.cbMu.Unlock()
	for _, cb := range cbs {
		s.runFailureCallback(cb, w, msg)
	}
}

func (s *Scheduler) runFailureCallback(cb func(WindowInfo, string), w WindowInfo, msg string) {
	defer func() {
		if r := recover(); r != nil && s.log != nil {
			s.log.Error("window failure callback panicked", logging.String("window_id", fmt.Sprintf("%d", w.WindowID)))
		}
	}()
	cb(w, msg)
}

// Subscribe exposes the underlying pubsub topics directly, for callers that
// prefer a channel over a registered callback.
func (s *Scheduler) Subscribe(ctx context.Context, topic string) (*pubsub.Subscription, error) {
	return s.ps.Subscribe(ctx, topic)
}

// GetMetrics returns a snapshot of the scheduler's own accounting, combined
// with its current pending/active counts.
func (s *Scheduler) GetMetrics() SchedulingMetrics {
	s.mu.Lock()
	pending := int64(s.pending.Len())
	active := int64(s.active)
	s.mu.Unlock()

	s.metricsMu.Lock()
	m := s.sched
	s.metricsMu.Unlock()
	m.Pending = pending
	m.Active = active

	if s.metrics != nil {
		s.metrics.UpdatePendingActiveWindows(int(pending), int(active))
	}
	return m
}

// GetWindow returns a copy of the window record for id, if known.
func (s *Scheduler) GetWindow(id uint64) (WindowInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[id]
	if !ok {
		return WindowInfo{}, false
	}
	return w.Clone(), true
}

// GetAllWindows returns a snapshot of every window the scheduler has
// materialized, in no particular order.
func (s *Scheduler) GetAllWindows() []WindowInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WindowInfo, 0, len(s.windows))
	for _, w := range s.windows {
		out = append(out, w.Clone())
	}
	return out
}

// Watermark returns the current watermark.
func (s *Scheduler) Watermark() int64 { return s.watermark.Load() }

// Reset clears all window and metrics state, for reuse across test cases.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.windows = make(map[uint64]*WindowInfo)
	s.pending = nil
	s.active = 0
	s.mu.Unlock()
	s.watermark.Store(0)
	s.metricsMu.Lock()
	s.sched = SchedulingMetrics{}
	s.throughput = newEWMA(0.3)
	s.metricsMu.Unlock()
}
