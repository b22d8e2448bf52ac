package scheduler

import "github.com/streamwindow/joindb/pkg/tuplemodel"

// WindowState is the lifecycle state of one WindowInfo (§3).
type WindowState int

const (
	Pending WindowState = iota
	Ready
	Computing
	Completed
	Failed
)

func (s WindowState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Computing:
		return "computing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// WindowInfo is the scheduler's record of one window: its id, time range,
// state, and the bookkeeping the trigger predicate and metrics need.
type WindowInfo struct {
	WindowID         uint64
	Range            tuplemodel.TimeRange
	WatermarkSnapshot int64
	State            WindowState

	SCount int64
	RCount int64

	CreatedTs   int64
	TriggeredTs int64
	CompletedTs int64

	HasLateData bool
	Error       string
}

// Clone returns a value copy safe to hand to a caller without sharing the
// scheduler's internal map entry.
func (w WindowInfo) Clone() WindowInfo { return w }

// JoinOutcome is the external join function's result (§6.1). The join
// function itself is a pure external collaborator, injected at
// construction time; the scheduler never executes join logic itself.
type JoinOutcome struct {
	OK              bool
	Error           string
	JoinCount       int
	AQPEstimate     float64
	HasAQPEstimate  bool
	Payload         []byte
	UsedAQP         bool
	TimeoutOccurred bool
	MemoryBytes     int64
	AlgorithmTag    string
}

// JoinFunc is the external collaborator's contract: a pure function of its
// inputs and the deadline, touching nothing in the storage layer.
type JoinFunc func(streamS, streamR []tuplemodel.Tuple, windowID uint64, deadlineUs int64) JoinOutcome
