package scsicfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/scsi2sd/scsi2sd-util/pkg/errors"
)

// File is the on-disk export of a target set.
type File struct {
	Targets []TargetConfig `yaml:"targets"`
}

// WriteFile exports targets as YAML.
func WriteFile(path string, targets []TargetConfig) error {
	data, err := yaml.Marshal(File{Targets: targets})
	if err != nil {
		return errors.Wrap(err, "failed to encode configuration")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write configuration file")
	}
	return nil
}

// ReadFile imports a target set. When the file has fewer than n targets the
// rest are filled with defaults; more than n is an error.
func ReadFile(path string, n int) ([]TargetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read configuration file")
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration file")
	}
	if len(f.Targets) > n {
		return nil, fmt.Errorf("configuration file has %d targets, device has %d", len(f.Targets), n)
	}

	out := Defaults(n)
	copy(out, f.Targets)
	return out, nil
}
