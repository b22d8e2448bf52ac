// Package compute implements the compute-state manager (C12): persistence
// of scheduler/operator checkpoints through the storage layer, grounded on
// original_source's compute/compute_state_manager.h for field and method
// names.
package compute

import (
	"strconv"

	"github.com/streamwindow/joindb/pkg/tuplemodel"
)

// ComputeState is the serializable state of one compute engine (e.g. a
// scheduler or a PECJ-style join operator): its watermark, current window,
// processed-event count, an opaque operator-specific blob, and caller
// metadata.
type ComputeState struct {
	ComputeName     string
	Timestamp       int64
	Watermark       int64
	WindowID        uint64
	ProcessedEvents uint64
	OperatorState   []byte
	Metadata        *tuplemodel.OrderedMap
}

const (
	fieldWatermark       = "watermark"
	fieldWindowID        = "window_id"
	fieldProcessedEvents = "processed_events"
	fieldOperatorState   = "operator_state"
	fieldTombstone       = "tombstone"
)

const tagComputeName = "compute_name"
const tagCheckpointID = "checkpoint_id"

// toTuple encodes a ComputeState as a tuple tagged with compute_name (plus
// checkpoint_id when non-empty, for checkpoint storage), timestamped at
// s.Timestamp, with every other field opaque in Fields.
func (s ComputeState) toTuple(checkpointID string) tuplemodel.Tuple {
	tagKVs := []tuplemodel.KV{{Key: tagComputeName, Value: s.ComputeName}}
	if checkpointID != "" {
		tagKVs = append(tagKVs, tuplemodel.KV{Key: tagCheckpointID, Value: checkpointID})
	}
	tags := tuplemodel.NewOrderedMap(tagKVs...)

	fields := tuplemodel.NewOrderedMap(
		tuplemodel.KV{Key: fieldWatermark, Value: strconv.FormatInt(s.Watermark, 10)},
		tuplemodel.KV{Key: fieldWindowID, Value: strconv.FormatUint(s.WindowID, 10)},
		tuplemodel.KV{Key: fieldProcessedEvents, Value: strconv.FormatUint(s.ProcessedEvents, 10)},
		tuplemodel.KV{Key: fieldOperatorState, Value: string(s.OperatorState)},
	)
	for _, e := range s.Metadata.Entries() {
		fields.Set(e.Key, e.Value)
	}

	return tuplemodel.New(s.Timestamp, tuplemodel.NewScalar(0), tags, fields)
}

// stateFromTuple is the inverse of toTuple.
func stateFromTuple(t tuplemodel.Tuple) ComputeState {
	name, _ := t.Tag(tagComputeName)
	s := ComputeState{
		ComputeName: name,
		Timestamp:   t.Ts,
		Metadata:    t.Fields,
	}
	if v, ok := t.Fields.Get(fieldWatermark); ok {
		s.Watermark, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := t.Fields.Get(fieldWindowID); ok {
		s.WindowID, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := t.Fields.Get(fieldProcessedEvents); ok {
		s.ProcessedEvents, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := t.Fields.Get(fieldOperatorState); ok && v != "" {
		s.OperatorState = []byte(v)
	}
	return s
}

// isTombstone reports whether t is a deletion marker rather than real state.
func isTombstone(t tuplemodel.Tuple) bool {
	v, ok := t.Fields.Get(fieldTombstone)
	return ok && v == "true"
}
