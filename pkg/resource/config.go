package resource

import (
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/streamwindow/joindb/pkg/engineerr"
)

var limitsValidate = validator.New()

type yamlLimits struct {
	MaxThreads     int   `yaml:"max_threads" validate:"required,gt=0"`
	MaxMemoryBytes int64 `yaml:"max_memory_bytes" validate:"required,gt=0"`
}

// LoadLimits reads Limits from a YAML file at path, for embedders who
// prefer files over code. DefaultLimits remains the primary, programmatic
// construction path.
func LoadLimits(path string) (Limits, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Limits{}, engineerr.IO("resource.LoadLimits", err)
	}
	y := yamlLimits{}
	if err := yaml.Unmarshal(raw, &y); err != nil {
		return Limits{}, engineerr.InvalidArgument("resource.LoadLimits", err.Error())
	}
	if err := limitsValidate.Struct(y); err != nil {
		return Limits{}, engineerr.InvalidArgument("resource.LoadLimits", err.Error())
	}
	return Limits{MaxThreads: y.MaxThreads, MaxMemoryBytes: y.MaxMemoryBytes}, nil
}
