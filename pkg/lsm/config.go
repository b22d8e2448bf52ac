package lsm

import (
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/streamwindow/joindb/pkg/engineerr"
)

var optionsValidate = validator.New()

// yamlOptions mirrors the file-configurable subset of Options. Metrics is
// never YAML-serializable, so LoadLSMOptions fills it (and TableName) in
// from DefaultOptions(dir) after decoding the rest.
type yamlOptions struct {
	MemTableBytes  int64   `yaml:"memtable_bytes" validate:"gt=0"`
	Durable        bool    `yaml:"durable"`
	Compress       bool    `yaml:"compress"`
	L0Trigger      int     `yaml:"l0_trigger" validate:"gt=0"`
	SizeRatio      float64 `yaml:"size_ratio" validate:"gt=0"`
	BaseLevelBytes int64   `yaml:"base_level_bytes" validate:"gt=0"`
}

// LoadLSMOptions reads Options for the LSM instance rooted at dir from a
// YAML file at path, for embedders who prefer files over code.
// DefaultOptions remains the primary, programmatic construction path.
func LoadLSMOptions(dir, path string) (Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Options{}, engineerr.IO("lsm.LoadLSMOptions", err)
	}
	y := yamlOptions{}
	if err := yaml.Unmarshal(raw, &y); err != nil {
		return Options{}, engineerr.InvalidArgument("lsm.LoadLSMOptions", err.Error())
	}
	if err := optionsValidate.Struct(y); err != nil {
		return Options{}, engineerr.InvalidArgument("lsm.LoadLSMOptions", err.Error())
	}

	opts := DefaultOptions(dir)
	opts.MemTableBytes = y.MemTableBytes
	opts.Durable = y.Durable
	opts.Compress = y.Compress
	opts.CompactionPolicy = CompactionPolicy{
		L0Trigger:      y.L0Trigger,
		SizeRatio:      y.SizeRatio,
		BaseLevelBytes: y.BaseLevelBytes,
	}
	return opts, nil
}
