package compute

import (
	"testing"

	"github.com/streamwindow/joindb/pkg/lsm"
	"github.com/streamwindow/joindb/pkg/metrics"
	"github.com/streamwindow/joindb/pkg/tuplemodel"
)

func testOpts(t *testing.T) lsm.Options {
	t.Helper()
	opts := lsm.DefaultOptions(t.TempDir())
	opts.Metrics = metrics.NewRegistry()
	return opts
}

func newTestManager(t *testing.T) *StateManager {
	t.Helper()
	m, err := NewStateManager(testOpts(t), testOpts(t))
	if err != nil {
		t.Fatalf("new state manager: %v", err)
	}
	return m
}

func TestSaveAndLoadState(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	s := ComputeState{Watermark: 1000, WindowID: 5, ProcessedEvents: 42, OperatorState: []byte("blob")}
	if err := m.SaveState("scheduler-a", s); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := m.LoadState("scheduler-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Watermark != 1000 || got.WindowID != 5 || got.ProcessedEvents != 42 {
		t.Fatalf("state mismatch: %+v", got)
	}
	if string(got.OperatorState) != "blob" {
		t.Fatalf("operator state not preserved: %q", got.OperatorState)
	}
}

func TestLoadStatePicksHighestTimestamp(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	older := ComputeState{Timestamp: 100, Watermark: 1}
	newer := ComputeState{Timestamp: 200, Watermark: 2}
	if err := m.SaveState("x", older); err != nil {
		t.Fatalf("save older: %v", err)
	}
	if err := m.SaveState("x", newer); err != nil {
		t.Fatalf("save newer: %v", err)
	}

	got, err := m.LoadState("x")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Watermark != 2 {
		t.Fatalf("expected highest-timestamp record (watermark=2), got %+v", got)
	}
}

func TestHasStateAndDeleteState(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	if m.HasState("ghost") {
		t.Fatalf("expected no state for unseen compute name")
	}
	if err := m.SaveState("ghost", ComputeState{Watermark: 7}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !m.HasState("ghost") {
		t.Fatalf("expected state to exist after save")
	}
	if err := m.DeleteState("ghost"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if m.HasState("ghost") {
		t.Fatalf("expected state to be gone after delete (tombstone)")
	}
	if _, err := m.LoadState("ghost"); err == nil {
		t.Fatalf("expected LoadState to fail after delete")
	}
}

func TestListStates(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	for _, name := range []string{"a", "b", "c"} {
		if err := m.SaveState(name, ComputeState{}); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}
	names := m.ListStates()
	if len(names) != 3 {
		t.Fatalf("expected 3 names, got %d: %v", len(names), names)
	}
}

func TestCreateAndRestoreCheckpoint(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	meta := tuplemodel.NewOrderedMap(tuplemodel.KV{Key: "op", Value: "pecj"})
	s := ComputeState{Watermark: 500, WindowID: 3, ProcessedEvents: 10, OperatorState: []byte("state-1"), Metadata: meta}
	if err := m.SaveState("join-op", s); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := m.CreateCheckpoint("join-op", 1); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	// Mutate the live state; the checkpoint must remain unaffected.
	if err := m.SaveState("join-op", ComputeState{Watermark: 999}); err != nil {
		t.Fatalf("save mutated: %v", err)
	}

	restored, err := m.RestoreCheckpoint("join-op", 1)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Watermark != 500 || restored.WindowID != 3 {
		t.Fatalf("restore_checkpoint(create_checkpoint(s)) != s: %+v", restored)
	}
	if op, ok := restored.Metadata.Get("op"); !ok || op != "pecj" {
		t.Fatalf("expected metadata preserved, got %+v", restored.Metadata)
	}
}

func TestListAndDeleteCheckpoints(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	if err := m.SaveState("eng", ComputeState{Watermark: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	for _, id := range []uint64{1, 2, 3} {
		if err := m.CreateCheckpoint("eng", id); err != nil {
			t.Fatalf("checkpoint %d: %v", id, err)
		}
	}

	infos, err := m.ListCheckpoints("eng")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(infos))
	}

	if err := m.DeleteCheckpoint("eng", 2); err != nil {
		t.Fatalf("delete checkpoint: %v", err)
	}
	if _, err := m.RestoreCheckpoint("eng", 2); err == nil {
		t.Fatalf("expected restore to fail after delete")
	}
	// Unaffected checkpoints remain restorable.
	if _, err := m.RestoreCheckpoint("eng", 1); err != nil {
		t.Fatalf("expected checkpoint 1 to still restore: %v", err)
	}
}

func TestPersistState(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	if err := m.SaveState("p", ComputeState{Watermark: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := m.PersistState(""); err != nil {
		t.Fatalf("persist: %v", err)
	}
}
