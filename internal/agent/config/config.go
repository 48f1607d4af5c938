// Package config loads the agent's runtime options, following the same
// "unmarshal YAML, then fill in defaults" shape as the collector's config
// package.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every option in spec.md §6's agent configuration table.
type Config struct {
	AgentID     string `yaml:"agentId"`
	AgentAPIKey string `yaml:"agentApiKey"`
	ValidatorID string `yaml:"validatorId"`

	BackendAPIURL string `yaml:"backendApiUrl"`
	BeaconNodeURL string `yaml:"beaconNodeUrl"`

	HealthCheckInterval time.Duration `yaml:"-"`
	HealthCheckTimeout  time.Duration `yaml:"-"`
	HealthCheckRetries  int           `yaml:"healthCheckRetries"`

	P2PEnabled           bool          `yaml:"p2pEnabled"`
	P2PPort              int           `yaml:"p2pPort"`
	P2PDiscoveryInterval time.Duration `yaml:"-"`
	P2PBootstrapPeers    []string      `yaml:"p2pBootstrapPeers"`

	ConsensusThreshold int           `yaml:"consensusThreshold"`
	ConsensusTimeout   time.Duration `yaml:"-"`

	RequestTimeout time.Duration `yaml:"-"`
	MaxRetries     int           `yaml:"maxRetries"`

	// raw millisecond fields, populated from YAML then converted below
	HealthCheckIntervalMS int `yaml:"healthCheckInterval"`
	HealthCheckTimeoutMS  int `yaml:"healthCheckTimeout"`
	P2PDiscoveryMS        int `yaml:"p2pDiscoveryInterval"`
	ConsensusTimeoutMS    int `yaml:"consensusTimeout"`
	RequestTimeoutMS      int `yaml:"requestTimeout"`
}

// Load reads and validates the agent config file at path.
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

// Default returns a Config populated with spec.md §6's defaults.
func Default() *Config {
	return &Config{
		BackendAPIURL:         "http://localhost:3001",
		BeaconNodeURL:         "http://localhost:5052",
		HealthCheckIntervalMS: 30000,
		HealthCheckTimeoutMS:  10000,
		HealthCheckRetries:    3,
		P2PPort:               3003,
		P2PDiscoveryMS:        60000,
		ConsensusThreshold:    2,
		ConsensusTimeoutMS:    120000,
		RequestTimeoutMS:      10000,
		MaxRetries:            3,
	}
}

func (c *Config) applyDurations() {
	c.HealthCheckInterval = time.Duration(c.HealthCheckIntervalMS) * time.Millisecond
	c.HealthCheckTimeout = time.Duration(c.HealthCheckTimeoutMS) * time.Millisecond
	c.P2PDiscoveryInterval = time.Duration(c.P2PDiscoveryMS) * time.Millisecond
	c.ConsensusTimeout = time.Duration(c.ConsensusTimeoutMS) * time.Millisecond
	c.RequestTimeout = time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// Validate enforces the required fields and range checks from spec.md §6.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("agentId is required")
	}
	if c.AgentAPIKey == "" {
		return fmt.Errorf("agentApiKey is required")
	}
	if c.ValidatorID == "" {
		return fmt.Errorf("validatorId is required")
	}
	if c.P2PPort < 1024 || c.P2PPort > 65535 {
		return fmt.Errorf("p2pPort must be in [1024, 65535], got %d", c.P2PPort)
	}
	if c.ConsensusThreshold < 1 {
		return fmt.Errorf("consensusThreshold must be >= 1")
	}
	return nil
}
