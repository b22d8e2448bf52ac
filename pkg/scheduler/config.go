// Package scheduler implements the window scheduler (C11): window
// materialization, watermark tracking, trigger evaluation, and dispatch of
// windowed join computations to a bounded worker pool. It is the hard
// engineering core described in spec.md §4.10, grounded on
// original_source's compute/window_scheduler.h for field and method names.
package scheduler

import (
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/streamwindow/joindb/pkg/engineerr"
)

// WindowType selects how window boundaries are materialized from inserted
// timestamps.
type WindowType int

const (
	Tumbling WindowType = iota
	Sliding
	// Session windows are accepted but experimental: spec.md §9 notes they
	// are "sketched but not exercised in tests."
	Session
)

func (t WindowType) String() string {
	switch t {
	case Tumbling:
		return "tumbling"
	case Sliding:
		return "sliding"
	case Session:
		return "session"
	default:
		return "unknown"
	}
}

// TriggerPolicy selects the predicate that moves a window from Pending to
// Ready.
type TriggerPolicy int

const (
	TimeBased TriggerPolicy = iota
	CountBased
	Hybrid
	Manual
)

func (p TriggerPolicy) String() string {
	switch p {
	case TimeBased:
		return "time_based"
	case CountBased:
		return "count_based"
	case Hybrid:
		return "hybrid"
	case Manual:
		return "manual"
	default:
		return "unknown"
	}
}

// Config is the window scheduler's configuration (§4.10), validated with
// the same struct-tag validator the teacher uses for its own config/API
// structs.
type Config struct {
	WindowType    WindowType
	WindowLenUs   int64 `validate:"gt=0"`
	SlideLenUs    int64 `validate:"gt=0"`
	TriggerPolicy TriggerPolicy

	TriggerIntervalUs      int64 `validate:"gt=0"`
	TriggerCountThreshold  int64 `validate:"gte=0"`
	MaxDelayUs             int64 `validate:"gte=0"`
	WatermarkSlackUs       int64 `validate:"gte=0"`
	AllowLateData          bool
	SessionGapUs           int64 `validate:"gte=0"`

	MaxPendingWindows    int `validate:"gt=0"`
	MaxConcurrentWindows int `validate:"gt=0"`
}

// DefaultConfig returns a tumbling, hybrid-trigger configuration with
// sensible defaults, matching original_source's WindowSchedulerConfig
// defaults (1s windows, 100ms check interval) scaled to microseconds.
func DefaultConfig() Config {
	return Config{
		WindowType:            Tumbling,
		WindowLenUs:           1_000_000,
		SlideLenUs:            1_000_000,
		TriggerPolicy:         Hybrid,
		TriggerIntervalUs:     100_000,
		TriggerCountThreshold: 1000,
		MaxDelayUs:            100_000,
		WatermarkSlackUs:      50_000,
		AllowLateData:         true,
		SessionGapUs:          1_000_000,
		MaxPendingWindows:     10,
		MaxConcurrentWindows:  4,
	}
}

var validate = validator.New()

// Validate checks the config's invariants, returning an InvalidArgument
// error describing the first violation.
func (c Config) Validate() error {
	if c.WindowType != Session && c.SlideLenUs > c.WindowLenUs {
		return engineerr.InvalidArgument("Config.Validate", "slide_len must be <= window_len")
	}
	if c.WindowType == Tumbling && c.SlideLenUs != c.WindowLenUs {
		return engineerr.InvalidArgument("Config.Validate", "tumbling windows require slide_len == window_len")
	}
	if err := validate.Struct(c); err != nil {
		return engineerr.InvalidArgument("Config.Validate", err.Error())
	}
	return nil
}

// yamlConfig mirrors Config for YAML decoding, using human-readable names
// for WindowType and TriggerPolicy instead of their numeric values.
type yamlConfig struct {
	WindowType            string `yaml:"window_type"`
	WindowLenUs           int64  `yaml:"window_len_us"`
	SlideLenUs            int64  `yaml:"slide_len_us"`
	TriggerPolicy         string `yaml:"trigger_policy"`
	TriggerIntervalUs     int64  `yaml:"trigger_interval_us"`
	TriggerCountThreshold int64  `yaml:"trigger_count_threshold"`
	MaxDelayUs            int64  `yaml:"max_delay_us"`
	WatermarkSlackUs      int64  `yaml:"watermark_slack_us"`
	AllowLateData         bool   `yaml:"allow_late_data"`
	SessionGapUs          int64  `yaml:"session_gap_us"`
	MaxPendingWindows     int    `yaml:"max_pending_windows"`
	MaxConcurrentWindows  int    `yaml:"max_concurrent_windows"`
}

func parseWindowType(s string) (WindowType, error) {
	switch s {
	case "", "tumbling":
		return Tumbling, nil
	case "sliding":
		return Sliding, nil
	case "session":
		return Session, nil
	default:
		return 0, engineerr.InvalidArgument("scheduler.LoadSchedulerConfig", "unknown window_type "+s)
	}
}

func parseTriggerPolicy(s string) (TriggerPolicy, error) {
	switch s {
	case "", "hybrid":
		return Hybrid, nil
	case "time_based":
		return TimeBased, nil
	case "count_based":
		return CountBased, nil
	case "manual":
		return Manual, nil
	default:
		return 0, engineerr.InvalidArgument("scheduler.LoadSchedulerConfig", "unknown trigger_policy "+s)
	}
}

// LoadSchedulerConfig reads a Config from a YAML file at path, for
// embedders who prefer files over code. DefaultConfig remains the primary,
// programmatic construction path.
func LoadSchedulerConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, engineerr.IO("scheduler.LoadSchedulerConfig", err)
	}
	y := yamlConfig{}
	if err := yaml.Unmarshal(raw, &y); err != nil {
		return Config{}, engineerr.InvalidArgument("scheduler.LoadSchedulerConfig", err.Error())
	}
	wt, err := parseWindowType(y.WindowType)
	if err != nil {
		return Config{}, err
	}
	tp, err := parseTriggerPolicy(y.TriggerPolicy)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		WindowType:            wt,
		WindowLenUs:           y.WindowLenUs,
		SlideLenUs:            y.SlideLenUs,
		TriggerPolicy:         tp,
		TriggerIntervalUs:     y.TriggerIntervalUs,
		TriggerCountThreshold: y.TriggerCountThreshold,
		MaxDelayUs:            y.MaxDelayUs,
		WatermarkSlackUs:      y.WatermarkSlackUs,
		AllowLateData:         y.AllowLateData,
		SessionGapUs:          y.SessionGapUs,
		MaxPendingWindows:     y.MaxPendingWindows,
		MaxConcurrentWindows:  y.MaxConcurrentWindows,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
