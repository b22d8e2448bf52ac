// Package engine wires the catalog (C9), resource manager (C10), window
// scheduler (C11), and compute-state manager (C12) into the single
// top-level facade spec.md §4.12/§6.3 describes: create/drop tables,
// insert/query tuples, stand up schedulers over a pair of streams, and
// persist compute state/checkpoints. Grounded on original_source's
// core/time_series_db.{h,cpp} for the wiring shape and on the teacher's
// top-level binaries for how a facade composes its sub-managers.
package engine

import (
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/streamwindow/joindb/pkg/catalog"
	"github.com/streamwindow/joindb/pkg/compute"
	"github.com/streamwindow/joindb/pkg/engineerr"
	"github.com/streamwindow/joindb/pkg/logging"
	"github.com/streamwindow/joindb/pkg/lsm"
	"github.com/streamwindow/joindb/pkg/metrics"
	"github.com/streamwindow/joindb/pkg/resource"
	"github.com/streamwindow/joindb/pkg/scheduler"
	"github.com/streamwindow/joindb/pkg/tuplemodel"
)

// SchedulerHandle is the public handle a caller drives once a scheduler has
// been created; it is exactly the scheduler's own method set (§6.3 lists
// start/stop/schedule_window/trigger_pending/on_window_completed/
// on_window_failed/get_metrics/get_window/get_all_windows/reset), so the
// engine hands the concrete *scheduler.Scheduler back rather than wrapping
// it in another layer of indirection.
type SchedulerHandle = *scheduler.Scheduler

// Options configures a new Engine: the data directory every table's LSM
// lives under, the LSM option template shared by every table, and the
// resource manager's global caps.
type Options struct {
	DataDir        string
	LSMTemplate    lsm.Options
	ResourceLimits resource.Limits
	Log            logging.Logger
	Metrics        *metrics.Registry
}

// DefaultOptions returns sensible defaults rooted at dataDir.
func DefaultOptions(dataDir string) Options {
	reg := metrics.DefaultRegistry()
	return Options{
		DataDir:        dataDir,
		LSMTemplate:    lsm.DefaultOptions(dataDir),
		ResourceLimits: resource.DefaultLimits(),
		Log:            logging.NewDefaultLogger(),
		Metrics:        reg,
	}
}

// binding is one (scheduler, side) pair a stream table notifies on insert.
type binding struct {
	sched *scheduler.Scheduler
	side  scheduler.Side
}

// Engine is the top-level facade (C13): no persistent "default table" and
// no legacy single-index ergonomics are carried over, per spec.md §4.12.
type Engine struct {
	opts    Options
	catalog *catalog.Catalog
	res     *resource.Manager
	state   *compute.StateManager
	log     logging.Logger
	metrics *metrics.Registry

	mu         sync.RWMutex
	schedulers map[string]*scheduler.Scheduler
	bindings   map[string][]binding // stream table name -> schedulers watching it
}

// New opens an Engine rooted at opts.DataDir, recovering the catalog's
// reserved compute-state tables if they already exist on disk.
func New(opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, engineerr.InvalidArgument("engine.New", "data_dir must not be empty")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry()
	}
	if opts.Log == nil {
		opts.Log = logging.NewDefaultLogger()
	}
	opts.LSMTemplate.Metrics = opts.Metrics

	cat := catalog.New(opts.DataDir, opts.LSMTemplate)

	stateOpts := opts.LSMTemplate
	stateOpts.Dir = filepath.Join(opts.DataDir, compute.StateTableName)
	stateOpts.TableName = compute.StateTableName
	checkpointOpts := opts.LSMTemplate
	checkpointOpts.Dir = filepath.Join(opts.DataDir, compute.CheckpointTableName)
	checkpointOpts.TableName = compute.CheckpointTableName

	sm, err := compute.NewStateManager(stateOpts, checkpointOpts)
	if err != nil {
		return nil, err
	}

	res := resource.NewManager(opts.ResourceLimits, opts.Log, opts.Metrics)

	return &Engine{
		opts:       opts,
		catalog:    cat,
		res:        res,
		state:      sm,
		log:        opts.Log.With(logging.Component("engine")),
		metrics:    opts.Metrics,
		schedulers: make(map[string]*scheduler.Scheduler),
		bindings:   make(map[string][]binding),
	}, nil
}

// Catalog exposes the underlying table catalog for callers that need
// direct access beyond Engine's convenience methods.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Resources exposes the resource manager (C10's public surface: allocate,
// allocate_for_compute, release, query_usage, get_total_usage,
// is_under_pressure, throttle_compute all live on *resource.Manager
// directly).
func (e *Engine) Resources() *resource.Manager { return e.res }

// ComputeState exposes the compute-state manager (C12's public surface:
// save_state, load_state, create_checkpoint, restore_checkpoint,
// list_checkpoints, delete_checkpoint all live on *compute.StateManager
// directly).
func (e *Engine) ComputeState() *compute.StateManager { return e.state }

// Metrics returns the shared Prometheus registry every component reports
// into.
func (e *Engine) Metrics() *metrics.Registry { return e.metrics }

// CreateStreamTable creates a new stream table (§6.3 create_table with
// kind=Stream).
func (e *Engine) CreateStreamTable(name string) error {
	_, err := e.catalog.CreateStream(name)
	return err
}

// CreateResultTable creates a new join-result table (§6.3 create_table
// with kind=JoinResult).
func (e *Engine) CreateResultTable(name string) error {
	_, err := e.catalog.CreateResult(name)
	return err
}

// CreatePECJTables is the convenience wiring described in spec.md §4.8:
// {prefix}stream_s, {prefix}stream_r, {prefix}join_results in one call.
func (e *Engine) CreatePECJTables(prefix string) error {
	_, _, _, err := e.catalog.CreatePECJTables(prefix)
	return err
}

// DropTable drops the named table, unbinding it from any scheduler that
// was watching it.
func (e *Engine) DropTable(name string) error {
	if err := e.catalog.Drop(name); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.bindings, name)
	e.mu.Unlock()
	return nil
}

// HasTable reports whether name is registered in the catalog.
func (e *Engine) HasTable(name string) bool { return e.catalog.Has(name) }

// ListTables returns every registered table name, sorted.
func (e *Engine) ListTables() []string { return e.catalog.ListTables() }

// Insert appends a tuple to the named stream table, returning an opaque
// LocalId (§6.3's insert(table, tuple) -> LocalId), and notifies any
// scheduler bound to that table of the new data (the C7->C11 data-flow
// edge in spec.md §2).
func (e *Engine) Insert(tableName string, t tuplemodel.Tuple) (string, error) {
	st, err := e.catalog.GetStream(tableName)
	if err != nil {
		return "", err
	}
	if err := st.Insert(t); err != nil {
		return "", err
	}
	id := uuid.NewString()
	e.notify(tableName, t.Ts, 1)
	return id, nil
}

// InsertBatch writes every tuple to the named stream table under a single
// WAL fsync (§6.3's insert_batch), then notifies the bound scheduler once
// per tuple so each tuple's own ts still attributes to its own window.
func (e *Engine) InsertBatch(tableName string, tuples []tuplemodel.Tuple) ([]string, error) {
	st, err := e.catalog.GetStream(tableName)
	if err != nil {
		return nil, err
	}
	applied, err := st.InsertBatch(tuples)
	ids := make([]string, applied)
	for i := 0; i < applied; i++ {
		ids[i] = uuid.NewString()
		e.notify(tableName, tuples[i].Ts, 1)
	}
	if err != nil {
		return ids, err
	}
	return ids, nil
}

func (e *Engine) notify(tableName string, ts int64, count int64) {
	e.mu.RLock()
	bs := e.bindings[tableName]
	e.mu.RUnlock()
	for _, b := range bs {
		b.sched.OnDataInserted(b.side, ts, count)
	}
}

// Query returns every tuple in the named stream table whose timestamp
// falls in tr and whose tags match every entry of filterTags (a nil/empty
// map performs no filtering), per §6.3's query(table, range, filter_tags).
func (e *Engine) Query(tableName string, tr tuplemodel.TimeRange, filterTags map[string]string) ([]tuplemodel.Tuple, error) {
	st, err := e.catalog.GetStream(tableName)
	if err != nil {
		return nil, err
	}
	return st.Query(tr, filterTags)
}

// QueryLatest returns the n tuples with the highest ts in the named stream
// table (§4.6's query_latest).
func (e *Engine) QueryLatest(tableName string, n int) ([]tuplemodel.Tuple, error) {
	st, err := e.catalog.GetStream(tableName)
	if err != nil {
		return nil, err
	}
	return st.QueryLatest(n)
}

// Count returns the number of distinct tuples in the named stream table
// whose timestamp falls in tr, without materializing them (§4.6's count).
func (e *Engine) Count(tableName string, tr tuplemodel.TimeRange) (int, error) {
	st, err := e.catalog.GetStream(tableName)
	if err != nil {
		return 0, err
	}
	return st.Count(tr)
}

// SchedulerSpec configures a new windowed-join scheduler over two named
// stream tables and a named result table, plus the thread/memory request
// the engine should allocate it from the resource manager's tenant pool.
type SchedulerSpec struct {
	Name        string
	Config      scheduler.Config
	LeftTable   string
	RightTable  string
	ResultTable string
	JoinFn      scheduler.JoinFunc
	Resources   resource.Request
}

// CreateScheduler builds and registers a scheduler over spec's two input
// tables and result table (§6.3's create_scheduler), allocating it a
// resource handle to dispatch window tasks through. The returned handle is
// not started; callers call Start() when ready, mirroring the source's
// explicit lifecycle.
func (e *Engine) CreateScheduler(spec SchedulerSpec) (SchedulerHandle, error) {
	if spec.Name == "" {
		return nil, engineerr.InvalidArgument("engine.CreateScheduler", "name must not be empty")
	}
	e.mu.Lock()
	if _, exists := e.schedulers[spec.Name]; exists {
		e.mu.Unlock()
		return nil, engineerr.AlreadyExists("engine.CreateScheduler", spec.Name)
	}
	e.mu.Unlock()

	left, err := e.catalog.GetStream(spec.LeftTable)
	if err != nil {
		return nil, err
	}
	right, err := e.catalog.GetStream(spec.RightTable)
	if err != nil {
		return nil, err
	}
	result, err := e.catalog.GetResult(spec.ResultTable)
	if err != nil {
		return nil, err
	}

	req := spec.Resources
	if req.Threads == 0 {
		req.Threads = 1
	}
	if req.MemoryBytes == 0 {
		req.MemoryBytes = 16 << 20
	}
	handle, err := e.res.Allocate(spec.Name, req)
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(spec.Name, spec.Config, left, right, result, spec.JoinFn, handle, e.log, e.metrics)
	if err != nil {
		e.res.Release(spec.Name)
		return nil, err
	}

	e.mu.Lock()
	e.schedulers[spec.Name] = sched
	e.bindings[spec.LeftTable] = append(e.bindings[spec.LeftTable], binding{sched: sched, side: scheduler.Left})
	e.bindings[spec.RightTable] = append(e.bindings[spec.RightTable], binding{sched: sched, side: scheduler.Right})
	e.mu.Unlock()

	e.log.Info("scheduler created", logging.String("name", spec.Name),
		logging.String("left", spec.LeftTable), logging.String("right", spec.RightTable),
		logging.String("result", spec.ResultTable))
	return sched, nil
}

// GetScheduler returns the named scheduler, or NotFound if none was
// created under that name.
func (e *Engine) GetScheduler(name string) (SchedulerHandle, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.schedulers[name]
	if !ok {
		return nil, engineerr.NotFound("engine.GetScheduler", name)
	}
	return s, nil
}

// ListSchedulers returns the names of every scheduler created on this
// engine.
func (e *Engine) ListSchedulers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.schedulers))
	for n := range e.schedulers {
		names = append(names, n)
	}
	return names
}

// StopScheduler stops the named scheduler and releases its resource
// allocation, removing it from the table bindings so future inserts no
// longer notify it.
func (e *Engine) StopScheduler(name string, waitCompletion bool) error {
	e.mu.Lock()
	sched, ok := e.schedulers[name]
	if !ok {
		e.mu.Unlock()
		return engineerr.NotFound("engine.StopScheduler", name)
	}
	delete(e.schedulers, name)
	for table, bs := range e.bindings {
		filtered := bs[:0]
		for _, b := range bs {
			if b.sched != sched {
				filtered = append(filtered, b)
			}
		}
		e.bindings[table] = filtered
	}
	e.mu.Unlock()

	sched.Stop(waitCompletion)
	e.res.Release(name)
	return nil
}

// Close stops every scheduler (without waiting for in-flight windows),
// releases their resource allocations, closes the compute-state manager,
// and drops every catalog table, in that order so no scheduler outlives
// the storage it depends on.
func (e *Engine) Close() error {
	e.mu.Lock()
	names := make([]string, 0, len(e.schedulers))
	for n := range e.schedulers {
		names = append(names, n)
	}
	e.mu.Unlock()

	for _, n := range names {
		_ = e.StopScheduler(n, false)
	}

	var firstErr error
	if err := e.state.Close(); err != nil {
		firstErr = err
	}
	if err := e.catalog.DropAll(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
