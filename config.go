package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nomis52/searchfan/dispatch"
	"github.com/nomis52/searchfan/logging"
	"github.com/nomis52/searchfan/searcher"
)

// Config represents the complete application configuration
type Config struct {
	Search     SearchConfig     `yaml:"search"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Logging    logging.Config   `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Behavior   BehaviorConfig   `yaml:"behavior"`
}

// SearchConfig holds the external search command invocation
type SearchConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// DispatchConfig holds concurrency settings for the batch
type DispatchConfig struct {
	MaxParallel int `yaml:"max_parallel"`
}

// MonitoringConfig holds metrics and monitoring settings
type MonitoringConfig struct {
	VictoriaMetricsURL string `yaml:"victoriametrics_url"`
	MetricsPrefix      string `yaml:"metrics_prefix"`
}

// BehaviorConfig defines application behavior settings
type BehaviorConfig struct {
	// FailOnQueryError makes the process exit non-zero when any individual
	// query fails. Off by default: per-query failures are reported inline in
	// the output and do not change the exit status.
	FailOnQueryError bool `yaml:"fail_on_query_error"`
}

// Validate performs basic validation on the configuration
func (c *Config) Validate() error {
	if c.Search.Command == "" {
		return fmt.Errorf("search command is required")
	}
	if c.Dispatch.MaxParallel < 1 {
		return fmt.Errorf("max parallel must be at least 1")
	}
	return nil
}

// SetDefaults sets reasonable default values for optional fields
func (c *Config) SetDefaults() {
	if c.Search.Command == "" {
		c.Search.Command = searcher.DefaultCommand
	}
	if c.Dispatch.MaxParallel == 0 {
		c.Dispatch.MaxParallel = dispatch.DefaultMaxParallel
	}
	if c.Monitoring.MetricsPrefix == "" {
		c.Monitoring.MetricsPrefix = "searchfan"
	}
	// Logging defaults are applied by logging.New
}

// DefaultConfig returns the configuration used when no config file is given.
func DefaultConfig() Config {
	var cfg Config
	cfg.SetDefaults()
	return cfg
}

// LoadConfig reads the YAML config file at the given path and returns a Config struct
func LoadConfig(path string) (Config, error) {
	var cfg Config
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
