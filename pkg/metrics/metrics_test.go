package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordPutIncrementsCounter(t *testing.T) {
	r := NewRegistry()
	r.RecordPut("stream_s", 2*time.Millisecond)

	got := testutil.ToFloat64(r.LSMPutsTotal.WithLabelValues("stream_s"))
	if got != 1 {
		t.Fatalf("expected 1 put recorded, got %v", got)
	}
}

func TestRecordGetBloomRejectAlsoIncrementsBloomCounter(t *testing.T) {
	r := NewRegistry()
	r.RecordGet("stream_s", "bloom_reject", time.Microsecond)

	if got := testutil.ToFloat64(r.LSMBloomRejectionsTotal); got != 1 {
		t.Fatalf("expected 1 bloom rejection, got %v", got)
	}
}

func TestUpdateLevelCounts(t *testing.T) {
	r := NewRegistry()
	r.UpdateLevelCounts(map[int]int{0: 3, 1: 7})

	if got := testutil.ToFloat64(r.LSMSSTablesPerLevel.WithLabelValues("0")); got != 3 {
		t.Fatalf("level 0 gauge = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.LSMSSTablesPerLevel.WithLabelValues("1")); got != 7 {
		t.Fatalf("level 1 gauge = %v, want 7", got)
	}
}

func TestUpdateThrottleFactor(t *testing.T) {
	r := NewRegistry()
	r.UpdateThrottleFactor(0.5)

	if got := testutil.ToFloat64(r.ResourceThrottleFactor); got != 0.5 {
		t.Fatalf("throttle factor = %v, want 0.5", got)
	}
}

func TestDefaultRegistrySingleton(t *testing.T) {
	a := DefaultRegistry()
	b := DefaultRegistry()
	if a != b {
		t.Fatal("DefaultRegistry should return the same instance")
	}
}
