package compute

import (
	"strconv"
	"sync"
	"time"

	"github.com/streamwindow/joindb/pkg/engineerr"
	"github.com/streamwindow/joindb/pkg/lsm"
	"github.com/streamwindow/joindb/pkg/table"
	"github.com/streamwindow/joindb/pkg/tuplemodel"
)

// StateTableName and CheckpointTableName are the reserved table names
// spec.md §6.2 sets aside for compute-state persistence.
const (
	StateTableName      = "__compute_state"
	CheckpointTableName = "__compute_checkpoint"
)

// StateManager persists ComputeState records and checkpoints through the
// same LSM-backed storage every other table uses, rather than a bespoke
// format (§4.11). It tracks the set of compute names it has ever seen for
// ListStates, since StreamTable's tag index gives lookup-by-value but not
// enumerate-distinct-values.
type StateManager struct {
	states      *table.StreamTable
	checkpoints *table.StreamTable

	mu    sync.Mutex
	names map[string]bool
}

// NewStateManager opens (or recovers) the reserved state and checkpoint
// tables at stateOpts.Dir and checkpointOpts.Dir respectively.
func NewStateManager(stateOpts, checkpointOpts lsm.Options) (*StateManager, error) {
	states, err := table.NewStreamTable(StateTableName, stateOpts)
	if err != nil {
		return nil, err
	}
	checkpoints, err := table.NewStreamTable(CheckpointTableName, checkpointOpts)
	if err != nil {
		return nil, err
	}
	m := &StateManager{
		states:      states,
		checkpoints: checkpoints,
		names:       make(map[string]bool),
	}
	if err := m.recoverNames(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *StateManager) recoverNames() error {
	all, err := m.states.Range(tuplemodel.TimeRange{Start: minInt64, End: maxInt64})
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, t := range all {
		if name, ok := t.Tag(tagComputeName); ok {
			m.names[name] = true
		}
	}
	m.mu.Unlock()
	return nil
}

const (
	minInt64 = -1 << 63
	maxInt64 = 1<<63 - 1
)

func nowMicros() int64 { return time.Now().UnixMicro() }

// SaveState writes state's current snapshot to the in-memory table. Call
// PersistState for durability across the LSM's flush boundary.
func (m *StateManager) SaveState(name string, state ComputeState) error {
	state.ComputeName = name
	if state.Timestamp == 0 {
		state.Timestamp = nowMicros()
	}
	if err := m.states.Insert(state.toTuple("")); err != nil {
		return err
	}
	m.mu.Lock()
	m.names[name] = true
	m.mu.Unlock()
	return nil
}

// LoadState returns the highest-timestamp, non-tombstoned record saved for
// name (this spec's Open Question resolution, §9: the source picks "the
// first" from an unordered fetch; we mandate highest-ts instead).
func (m *StateManager) LoadState(name string) (ComputeState, error) {
	tuples, err := m.states.Query(tuplemodel.TimeRange{Start: minInt64, End: maxInt64}, map[string]string{tagComputeName: name})
	if err != nil {
		return ComputeState{}, err
	}
	latest, ok := latestNonTombstone(tuples)
	if !ok {
		return ComputeState{}, engineerr.NotFound("LoadState", StateTableName).WithDetail(name)
	}
	return stateFromTuple(latest), nil
}

// HasState reports whether name has a live (non-tombstoned) saved state.
func (m *StateManager) HasState(name string) bool {
	_, err := m.LoadState(name)
	return err == nil
}

// DeleteState writes a tombstone tuple for name; compaction eventually
// reclaims the superseded records (§4.11).
func (m *StateManager) DeleteState(name string) error {
	tomb := ComputeState{ComputeName: name, Timestamp: nowMicros()}
	t := tomb.toTuple("")
	t.Fields.Set(fieldTombstone, "true")
	return m.states.Insert(t)
}

// ListStates returns every compute engine name with a saved state, live or
// tombstoned, in no particular order.
func (m *StateManager) ListStates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.names))
	for name := range m.names {
		out = append(out, name)
	}
	return out
}

// PersistState flushes both the state and the checkpoint table to durable
// SSTables; name does not narrow what is flushed.
func (m *StateManager) PersistState(name string) error {
	if err := m.states.Flush(); err != nil {
		return err
	}
	return m.checkpoints.Flush()
}

// CreateCheckpoint copies name's current state into an immutable,
// checkpoint_id-tagged record in the checkpoint table.
func (m *StateManager) CreateCheckpoint(name string, checkpointID uint64) error {
	state, err := m.LoadState(name)
	if err != nil {
		return err
	}
	return m.checkpoints.Insert(state.toTuple(strconv.FormatUint(checkpointID, 10)))
}

// RestoreCheckpoint fetches and deserializes the checkpoint previously
// written by CreateCheckpoint.
func (m *StateManager) RestoreCheckpoint(name string, checkpointID uint64) (ComputeState, error) {
	matches, err := m.checkpoints.Query(tuplemodel.TimeRange{Start: minInt64, End: maxInt64}, map[string]string{tagCheckpointID: strconv.FormatUint(checkpointID, 10)})
	if err != nil {
		return ComputeState{}, err
	}
	var forName []tuplemodel.Tuple
	for _, t := range matches {
		if cn, ok := t.Tag(tagComputeName); ok && cn == name {
			forName = append(forName, t)
		}
	}
	latest, ok := latestNonTombstone(forName)
	if !ok {
		return ComputeState{}, engineerr.NotFound("RestoreCheckpoint", CheckpointTableName).
			WithDetail(name + "/" + strconv.FormatUint(checkpointID, 10))
	}
	return stateFromTuple(latest), nil
}

// CheckpointInfo summarizes one stored checkpoint for ListCheckpoints.
type CheckpointInfo struct {
	CheckpointID uint64
	Timestamp    int64
}

// ListCheckpoints returns every checkpoint recorded for name, most recent
// first.
func (m *StateManager) ListCheckpoints(name string) ([]CheckpointInfo, error) {
	tuples, err := m.checkpoints.Query(tuplemodel.TimeRange{Start: minInt64, End: maxInt64}, map[string]string{tagComputeName: name})
	if err != nil {
		return nil, err
	}
	out := make([]CheckpointInfo, 0, len(tuples))
	for _, t := range tuples {
		idStr, ok := t.Tag(tagCheckpointID)
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, CheckpointInfo{CheckpointID: id, Timestamp: t.Ts})
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Timestamp > out[i].Timestamp {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

// DeleteCheckpoint writes a tombstone for name/checkpointID.
func (m *StateManager) DeleteCheckpoint(name string, checkpointID uint64) error {
	tomb := ComputeState{ComputeName: name, Timestamp: nowMicros()}
	t := tomb.toTuple(strconv.FormatUint(checkpointID, 10))
	t.Fields.Set(fieldTombstone, "true")
	return m.checkpoints.Insert(t)
}

// Close stops both underlying tables.
func (m *StateManager) Close() error {
	if err := m.states.Close(); err != nil {
		return err
	}
	return m.checkpoints.Close()
}

func latestNonTombstone(tuples []tuplemodel.Tuple) (tuplemodel.Tuple, bool) {
	var latest tuplemodel.Tuple
	found := false
	for _, t := range tuples {
		if !found || t.Ts > latest.Ts {
			latest = t
			found = true
		}
	}
	if !found || isTombstone(latest) {
		return tuplemodel.Tuple{}, false
	}
	return latest, true
}
