package table

import (
	"strconv"

	"github.com/streamwindow/joindb/pkg/lsm"
	"github.com/streamwindow/joindb/pkg/tuplemodel"
)

// JoinMetrics carries the per-window execution metrics spec.md §3 attaches
// to every JoinRecord.
type JoinMetrics struct {
	ComputationMS float64
	MemoryBytes   int64
	Threads       int
	CPUPercent    float64
	UsedAQP       bool
	AlgorithmTag  string
}

// JoinRecord is one row of windowed join output (§3): the window identity,
// join cardinality, optional AQP estimate/selectivity, an opaque payload
// verbatim from the join function, its execution metrics, caller-supplied
// tags, and an error message for a Failed window.
type JoinRecord struct {
	WindowID     string
	Ts           int64 // window end, used as the storage timestamp
	JoinCount    int
	AQPEstimate  float64
	HasAQP       bool
	Selectivity  float64
	Payload      []byte
	Metrics      JoinMetrics
	Tags         *tuplemodel.OrderedMap // extra caller tags beyond window_id
	ErrorMessage string

	// ExtraFields carries additional opaque key/value pairs a caller wants
	// preserved alongside the standard encoded fields below.
	ExtraFields *tuplemodel.OrderedMap
}

const (
	fieldPayload      = "payload"
	fieldAQPEstimate  = "aqp_estimate"
	fieldHasAQP       = "has_aqp"
	fieldSelectivity  = "selectivity"
	fieldComputation  = "computation_ms"
	fieldMemoryBytes  = "memory_bytes"
	fieldThreads      = "threads"
	fieldCPUPercent   = "cpu_pct"
	fieldUsedAQP      = "used_aqp"
	fieldAlgorithmTag = "algorithm_tag"
	fieldErrorMessage = "error_message"
)

// ToTuple encodes a JoinRecord the way it is stored: window_id (plus any
// extra Tags) as tags so StreamTable-style tag queries work unmodified,
// Ts as the timestamp so range queries return windows in completion order,
// join_count as the scalar Value for single-pass aggregation, and
// everything else as opaque Fields.
func (r JoinRecord) ToTuple() tuplemodel.Tuple {
	tags := tuplemodel.NewOrderedMap(tuplemodel.KV{Key: "window_id", Value: r.WindowID})
	for _, e := range r.Tags.Entries() {
		tags.Set(e.Key, e.Value)
	}

	fields := tuplemodel.NewOrderedMap(
		tuplemodel.KV{Key: fieldPayload, Value: string(r.Payload)},
		tuplemodel.KV{Key: fieldAQPEstimate, Value: strconv.FormatFloat(r.AQPEstimate, 'g', -1, 64)},
		tuplemodel.KV{Key: fieldHasAQP, Value: strconv.FormatBool(r.HasAQP)},
		tuplemodel.KV{Key: fieldSelectivity, Value: strconv.FormatFloat(r.Selectivity, 'g', -1, 64)},
		tuplemodel.KV{Key: fieldComputation, Value: strconv.FormatFloat(r.Metrics.ComputationMS, 'g', -1, 64)},
		tuplemodel.KV{Key: fieldMemoryBytes, Value: strconv.FormatInt(r.Metrics.MemoryBytes, 10)},
		tuplemodel.KV{Key: fieldThreads, Value: strconv.Itoa(r.Metrics.Threads)},
		tuplemodel.KV{Key: fieldCPUPercent, Value: strconv.FormatFloat(r.Metrics.CPUPercent, 'g', -1, 64)},
		tuplemodel.KV{Key: fieldUsedAQP, Value: strconv.FormatBool(r.Metrics.UsedAQP)},
		tuplemodel.KV{Key: fieldAlgorithmTag, Value: r.Metrics.AlgorithmTag},
		tuplemodel.KV{Key: fieldErrorMessage, Value: r.ErrorMessage},
	)
	for _, e := range r.ExtraFields.Entries() {
		fields.Set(e.Key, e.Value)
	}

	return tuplemodel.New(r.Ts, tuplemodel.NewScalar(float64(r.JoinCount)), tags, fields)
}

// joinRecordFromTuple is the inverse of ToTuple.
func joinRecordFromTuple(t tuplemodel.Tuple) JoinRecord {
	windowID, _ := t.Tag("window_id")
	r := JoinRecord{
		WindowID:    windowID,
		Ts:          t.Ts,
		JoinCount:   int(t.Value.AsFloat64()),
		Tags:        t.Tags,
		ExtraFields: t.Fields,
	}

	if payload, ok := t.Fields.Get(fieldPayload); ok && payload != "" {
		r.Payload = []byte(payload)
	}
	if v, ok := t.Fields.Get(fieldAQPEstimate); ok {
		r.AQPEstimate, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := t.Fields.Get(fieldHasAQP); ok {
		r.HasAQP, _ = strconv.ParseBool(v)
	}
	if v, ok := t.Fields.Get(fieldSelectivity); ok {
		r.Selectivity, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := t.Fields.Get(fieldComputation); ok {
		r.Metrics.ComputationMS, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := t.Fields.Get(fieldMemoryBytes); ok {
		r.Metrics.MemoryBytes, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := t.Fields.Get(fieldThreads); ok {
		r.Metrics.Threads, _ = strconv.Atoi(v)
	}
	if v, ok := t.Fields.Get(fieldCPUPercent); ok {
		r.Metrics.CPUPercent, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := t.Fields.Get(fieldUsedAQP); ok {
		r.Metrics.UsedAQP, _ = strconv.ParseBool(v)
	}
	if v, ok := t.Fields.Get(fieldAlgorithmTag); ok {
		r.Metrics.AlgorithmTag = v
	}
	if v, ok := t.Fields.Get(fieldErrorMessage); ok {
		r.ErrorMessage = v
	}
	return r
}

// Failed reports whether this record describes a failed window computation.
func (r JoinRecord) Failed() bool { return r.ErrorMessage != "" }

// JoinResultTable stores the output of windowed joins, reusing StreamTable's
// tag index on "window_id" for by-window lookups (C8).
type JoinResultTable struct {
	*StreamTable
}

// NewJoinResultTable opens (or creates) a JoinResultTable backed by an LSM
// instance at opts.Dir.
func NewJoinResultTable(name string, opts lsm.Options) (*JoinResultTable, error) {
	st, err := NewStreamTable(name, opts)
	if err != nil {
		return nil, err
	}
	return &JoinResultTable{StreamTable: st}, nil
}

// InsertResult stores one join result record. Append-only: a late-data
// recomputation writes a second record for the same window_id rather than
// retracting the first (§4.10's "downstreams must handle append-semantics").
func (jrt *JoinResultTable) InsertResult(r JoinRecord) error {
	return jrt.Insert(r.ToTuple())
}

// QueryByWindow returns every result recorded for windowID within tr.
func (jrt *JoinResultTable) QueryByWindow(tr tuplemodel.TimeRange, windowID string) ([]JoinRecord, error) {
	tuples, err := jrt.Query(tr, map[string]string{"window_id": windowID})
	if err != nil {
		return nil, err
	}
	out := make([]JoinRecord, len(tuples))
	for i, t := range tuples {
		out[i] = joinRecordFromTuple(t)
	}
	return out, nil
}

// RangeResults returns every result whose window end falls in tr.
func (jrt *JoinResultTable) RangeResults(tr tuplemodel.TimeRange) ([]JoinRecord, error) {
	tuples, err := jrt.Range(tr)
	if err != nil {
		return nil, err
	}
	out := make([]JoinRecord, len(tuples))
	for i, t := range tuples {
		out[i] = joinRecordFromTuple(t)
	}
	return out, nil
}

// CountInRange returns the number of results whose window end falls in tr.
func (jrt *JoinResultTable) CountInRange(tr tuplemodel.TimeRange) (int, error) {
	return jrt.Count(tr)
}

// Aggregate is the single-pass summary §4.7 requires: total windows, total
// join count, averages, AQP usage count, and error count.
type Aggregate struct {
	TotalWindows     int
	TotalJoins       int
	AvgJoinCount     float64
	AvgComputationMS float64
	AvgSelectivity   float64
	AQPUsageCount    int
	ErrorCount       int
}

// AggregateRange computes Aggregate over every result whose window end
// falls in tr, in one scan.
func (jrt *JoinResultTable) AggregateRange(tr tuplemodel.TimeRange) (Aggregate, error) {
	records, err := jrt.RangeResults(tr)
	if err != nil {
		return Aggregate{}, err
	}
	var agg Aggregate
	var sumJoins, sumComputation, sumSelectivity float64
	for _, r := range records {
		agg.TotalWindows++
		agg.TotalJoins += r.JoinCount
		sumJoins += float64(r.JoinCount)
		sumComputation += r.Metrics.ComputationMS
		sumSelectivity += r.Selectivity
		if r.Metrics.UsedAQP {
			agg.AQPUsageCount++
		}
		if r.Failed() {
			agg.ErrorCount++
		}
	}
	if agg.TotalWindows > 0 {
		agg.AvgJoinCount = sumJoins / float64(agg.TotalWindows)
		agg.AvgComputationMS = sumComputation / float64(agg.TotalWindows)
		agg.AvgSelectivity = sumSelectivity / float64(agg.TotalWindows)
	}
	return agg, nil
}
