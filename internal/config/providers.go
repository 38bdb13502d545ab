package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultEngineImage is used when no catalogue file is configured.
const DefaultEngineImage = "gridsuite/dynawo-security-analysis:latest"

// EngineSpec describes one container-backed engine entry of the catalogue.
type EngineSpec struct {
	Name     string            `yaml:"name"`
	Image    string            `yaml:"image"`
	Command  []string          `yaml:"command"`
	Env      map[string]string `yaml:"env"`
	MemoryMB int64             `yaml:"memoryMB"`
	CPUs     float64           `yaml:"cpus"`
	Timeout  time.Duration     `yaml:"timeout"`
}

// Catalogue is the engine catalogue file layout.
type Catalogue struct {
	Engines []EngineSpec `yaml:"engines"`
}

// LoadCatalogue reads the engine catalogue. An empty path or a missing file
// yields a single entry named after defaultProvider.
func LoadCatalogue(path, defaultProvider string) (*Catalogue, error) {
	fallback := &Catalogue{Engines: []EngineSpec{{Name: defaultProvider, Image: DefaultEngineImage}}}
	if path == "" {
		return fallback, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fallback, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var cat Catalogue
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cat.validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return &cat, nil
}

func (c *Catalogue) validate() error {
	if len(c.Engines) == 0 {
		return errors.New("at least one engine is required")
	}
	seen := make(map[string]bool, len(c.Engines))
	for i, e := range c.Engines {
		if e.Name == "" {
			return fmt.Errorf("engines[%d]: name is required", i)
		}
		if e.Image == "" {
			return fmt.Errorf("engine %s: image is required", e.Name)
		}
		if seen[e.Name] {
			return fmt.Errorf("engine %s: duplicate name", e.Name)
		}
		if e.MemoryMB < 0 || e.CPUs < 0 || e.Timeout < 0 {
			return fmt.Errorf("engine %s: resource limits must not be negative", e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}
