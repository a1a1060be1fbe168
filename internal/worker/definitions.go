package worker

import (
	"fmt"
	"os"
	"runtime"

	"go.yaml.in/yaml/v3"
)

// Definition describes one worker profile in the pool. A profile with
// Concurrency > 1 registers that many workers, each with its own identity.
type Definition struct {
	// Name is the worker name, suffixed with an index when Concurrency > 1.
	Name string `yaml:"name"`
	// Capabilities is the capability set every worker of this profile
	// declares.
	Capabilities []string `yaml:"capabilities"`
	// Concurrency is how many workers to register for this profile.
	// Defaults to 1.
	Concurrency int `yaml:"concurrency"`
}

// poolFile is the on-disk shape of workers.yaml.
type poolFile struct {
	Workers []Definition `yaml:"workers"`
}

// DefaultDefinitions returns a single general-purpose profile sized to the
// machine, used when no workers.yaml exists.
func DefaultDefinitions() []Definition {
	return []Definition{
		{Name: "local", Concurrency: runtime.NumCPU()},
	}
}

// LoadDefinitions reads worker profiles from a YAML file.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read worker definitions: %w", err)
	}

	var f poolFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse worker definitions %s: %w", path, err)
	}
	if len(f.Workers) == 0 {
		return nil, fmt.Errorf("worker definitions %s: no workers declared", path)
	}

	for i := range f.Workers {
		d := &f.Workers[i]
		if d.Name == "" {
			return nil, fmt.Errorf("worker definitions %s: worker %d has no name", path, i)
		}
		if d.Concurrency < 0 {
			return nil, fmt.Errorf("worker definitions %s: worker %q has negative concurrency", path, d.Name)
		}
		if d.Concurrency == 0 {
			d.Concurrency = 1
		}
	}
	return f.Workers, nil
}
