package table

import (
	"testing"

	"github.com/streamwindow/joindb/pkg/tuplemodel"
)

func TestJoinResultTableInsertAndQueryByWindow(t *testing.T) {
	jrt, err := NewJoinResultTable("join_sr", testLSMOptions(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer jrt.Close()

	records := []JoinRecord{
		{WindowID: "w1", Ts: 100, JoinCount: 1},
		{WindowID: "w1", Ts: 200, JoinCount: 2},
		{WindowID: "w2", Ts: 150, JoinCount: 3},
	}
	for _, r := range records {
		if err := jrt.InsertResult(r); err != nil {
			t.Fatalf("insert result: %v", err)
		}
	}

	tr, _ := tuplemodel.NewTimeRange(0, 1000)
	got, err := jrt.QueryByWindow(tr, "w1")
	if err != nil {
		t.Fatalf("query by window: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records for w1, got %d", len(got))
	}
	if got[0].Ts != 100 || got[0].JoinCount != 1 || got[1].Ts != 200 || got[1].JoinCount != 2 {
		t.Fatalf("expected results sorted by window end, got %+v", got)
	}
	for _, r := range got {
		if r.WindowID != "w1" {
			t.Fatalf("query returned wrong window id: %+v", r)
		}
	}
}

func TestJoinResultTableRangeAndCount(t *testing.T) {
	jrt, err := NewJoinResultTable("join_sr", testLSMOptions(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer jrt.Close()

	for i := int64(0); i < 5; i++ {
		r := JoinRecord{WindowID: "w", Ts: i * 10, JoinCount: int(i)}
		if err := jrt.InsertResult(r); err != nil {
			t.Fatalf("insert result: %v", err)
		}
	}

	tr, _ := tuplemodel.NewTimeRange(0, 100)
	results, err := jrt.RangeResults(tr)
	if err != nil {
		t.Fatalf("range results: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}

	count, err := jrt.CountInRange(tr)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 5 {
		t.Fatalf("count = %d, want 5", count)
	}
}

func TestJoinResultTableFieldsPreserved(t *testing.T) {
	jrt, err := NewJoinResultTable("join_sr", testLSMOptions(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer jrt.Close()

	extra := tuplemodel.NewOrderedMap(tuplemodel.KV{Key: "left_id", Value: "42"}, tuplemodel.KV{Key: "right_id", Value: "7"})
	r := JoinRecord{WindowID: "w1", Ts: 500, JoinCount: 9, ExtraFields: extra, Payload: []byte("blob")}
	if err := jrt.InsertResult(r); err != nil {
		t.Fatalf("insert result: %v", err)
	}

	tr, _ := tuplemodel.NewTimeRange(0, 1000)
	got, err := jrt.QueryByWindow(tr, "w1")
	if err != nil {
		t.Fatalf("query by window: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	leftID, ok := got[0].ExtraFields.Get("left_id")
	if !ok || leftID != "42" {
		t.Fatalf("expected left_id field preserved, got %+v", got[0].ExtraFields)
	}
	if got[0].JoinCount != 9 {
		t.Fatalf("expected join count preserved, got %+v", got[0])
	}
	if string(got[0].Payload) != "blob" {
		t.Fatalf("expected payload preserved, got %q", got[0].Payload)
	}
}

func TestJoinResultTableAggregateRange(t *testing.T) {
	jrt, err := NewJoinResultTable("join_sr", testLSMOptions(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer jrt.Close()

	records := []JoinRecord{
		{WindowID: "w1", Ts: 100, JoinCount: 2, Selectivity: 0.5, Metrics: JoinMetrics{ComputationMS: 10, UsedAQP: true}},
		{WindowID: "w2", Ts: 200, JoinCount: 4, Selectivity: 0.25, Metrics: JoinMetrics{ComputationMS: 20}},
		{WindowID: "w3", Ts: 300, JoinCount: 0, ErrorMessage: "join timed out"},
	}
	for _, r := range records {
		if err := jrt.InsertResult(r); err != nil {
			t.Fatalf("insert result: %v", err)
		}
	}

	tr, _ := tuplemodel.NewTimeRange(0, 1000)
	agg, err := jrt.AggregateRange(tr)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.TotalWindows != 3 {
		t.Fatalf("total windows = %d, want 3", agg.TotalWindows)
	}
	if agg.TotalJoins != 6 {
		t.Fatalf("total joins = %d, want 6", agg.TotalJoins)
	}
	if agg.AQPUsageCount != 1 {
		t.Fatalf("aqp usage count = %d, want 1", agg.AQPUsageCount)
	}
	if agg.ErrorCount != 1 {
		t.Fatalf("error count = %d, want 1", agg.ErrorCount)
	}
}
