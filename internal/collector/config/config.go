// Package config loads the collector's runtime options, mirroring the
// agent config package's "unmarshal YAML, then fill in defaults" shape.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every option in SPEC_FULL.md §6's collector configuration
// table.
type Config struct {
	ListenAddr  string `yaml:"listenAddr"`
	DBPath      string `yaml:"dbPath"`
	MetricsAddr string `yaml:"metricsAddr"`

	ConsensusThreshold int `yaml:"consensusThreshold"`

	WindowAgingBound   time.Duration `yaml:"-"`
	AgingSweepInterval time.Duration `yaml:"-"`

	// raw millisecond fields, populated from YAML then converted below
	WindowAgingBoundMS   int `yaml:"windowAgingBound"`
	AgingSweepIntervalMS int `yaml:"agingSweepInterval"`
}

// Load reads and validates the collector config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDurations()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config populated with SPEC_FULL.md §6's defaults.
func Default() *Config {
	return &Config{
		ListenAddr:           ":3001",
		DBPath:               "collector.db",
		MetricsAddr:          ":9102",
		ConsensusThreshold:   2,
		WindowAgingBoundMS:   10 * 60 * 1000,
		AgingSweepIntervalMS: 5 * 60 * 1000,
	}
}

func (c *Config) applyDurations() {
	c.WindowAgingBound = time.Duration(c.WindowAgingBoundMS) * time.Millisecond
	c.AgingSweepInterval = time.Duration(c.AgingSweepIntervalMS) * time.Millisecond
}

// Validate enforces the required fields and range checks.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("dbPath is required")
	}
	if c.ConsensusThreshold < 1 {
		return fmt.Errorf("consensusThreshold must be >= 1")
	}
	if c.WindowAgingBoundMS <= 0 {
		return fmt.Errorf("windowAgingBound must be > 0")
	}
	if c.AgingSweepIntervalMS <= 0 {
		return fmt.Errorf("agingSweepInterval must be > 0")
	}
	return nil
}
