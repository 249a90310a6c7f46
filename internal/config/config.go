// Package config loads the YAML configuration file of the engine.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type File struct {
	Storage   Storage   `yaml:"storage"`
	Log       Log       `yaml:"log"`
	Cache     Cache     `yaml:"cache"`
	AuthChain AuthChain `yaml:"authChain"`
	State     State     `yaml:"state"`
	Timeline  Timeline  `yaml:"timeline"`
}

type Storage struct {
	Backend       string   `yaml:"backend"`
	Paths         []string `yaml:"paths"`
	MinimumFreeGB uint     `yaml:"minimumFreeGB"`
	SyncWrites    bool     `yaml:"syncWrites"`

	// GCInterval and StatsInterval take durations like "10m". Zero disables.
	GCInterval    time.Duration `yaml:"gcInterval"`
	StatsInterval time.Duration `yaml:"statsInterval"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Cache sizes in entries. 0 selects the default, a negative size disables
// the cache.
type Cache struct {
	ShortIDs    int `yaml:"shortIDs"`
	AuthChains  int `yaml:"authChains"`
	StateLayers int `yaml:"stateLayers"`
}

type AuthChain struct {
	Buckets    int `yaml:"buckets"`
	YieldEvery int `yaml:"yieldEvery"`
	Workers    int `yaml:"workers"`
}

type State struct {
	MaxLayers int `yaml:"maxLayers"`
}

type Timeline struct {
	CompressThreshold int `yaml:"compressThreshold"`
	PageSize          int `yaml:"pageSize"`
}

// Load reads and validates a configuration file.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return File{}, fmt.Errorf("parse config: %w", err)
	}

	if f.Storage.Backend == "" {
		f.Storage.Backend = "badger"
	}
	if f.Log.Level == "" {
		f.Log.Level = "info"
	}
	if f.Log.Format == "" {
		f.Log.Format = "text"
	}

	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func (f File) Validate() error {
	switch f.Storage.Backend {
	case "badger", "bolt":
		if len(f.Storage.Paths) == 0 {
			return fmt.Errorf("storage.paths is required for the %s backend", f.Storage.Backend)
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend %q is not one of badger, bolt, memory", f.Storage.Backend)
	}

	if f.Storage.GCInterval < 0 || f.Storage.StatsInterval < 0 {
		return fmt.Errorf("storage intervals must not be negative")
	}
	if f.AuthChain.Buckets < 0 || f.AuthChain.YieldEvery < 0 || f.AuthChain.Workers < 0 {
		return fmt.Errorf("authChain values must not be negative")
	}
	if f.State.MaxLayers < 0 {
		return fmt.Errorf("state.maxLayers must not be negative")
	}
	if f.Timeline.PageSize < 0 {
		return fmt.Errorf("timeline.pageSize must not be negative")
	}
	return nil
}
