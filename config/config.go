// Package config provides configuration loading and management for Probeline.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Config represents the complete Probeline configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Planner    PlannerConfig    `yaml:"planner"`
	Containers ContainersConfig `yaml:"containers"`
	Phases     PhasesConfig     `yaml:"phases"`
	Restraint  RestraintConfig  `yaml:"restraint"`
	Approvals  ApprovalsConfig  `yaml:"approvals"`
	Retention  RetentionConfig  `yaml:"retention"`
	NATS       NATSConfig       `yaml:"nats"`
}

// ServerConfig configures the HTTP control API
type ServerConfig struct {
	// Listen is the address the API server binds to
	Listen string `yaml:"listen"`
}

// PlannerConfig configures the adaptive planning service client
type PlannerConfig struct {
	// URL is the planning service base URL
	URL string `yaml:"url"`
	// Timeout is the maximum time to wait for a planning response
	Timeout time.Duration `yaml:"timeout"`
	// MinRecommendations is the floor below which a critique round runs
	MinRecommendations int `yaml:"min_recommendations"`
}

// ContainersConfig configures the sandboxed tool containers
type ContainersConfig struct {
	// MaxConcurrent bounds how many tool containers run at once
	MaxConcurrent int `yaml:"max_concurrent"`
	// Memory is the per-container memory limit, human-readable ("512MB")
	Memory string `yaml:"memory"`
	// CPUPercent is the per-container CPU share as a percentage of one core
	CPUPercent int `yaml:"cpu_percent"`
	// PidsLimit bounds processes inside a container
	PidsLimit int64 `yaml:"pids_limit"`
	// RegistryMirror optionally rewrites image references to a mirror host
	RegistryMirror string `yaml:"registry_mirror"`
}

// MemoryBytes returns the parsed memory limit.
func (c ContainersConfig) MemoryBytes() (int64, error) {
	return units.RAMInBytes(c.Memory)
}

// PhasesConfig caps wall-clock time per workflow phase
type PhasesConfig struct {
	ReconTimeout   time.Duration `yaml:"recon_timeout"`
	AnalyzeTimeout time.Duration `yaml:"analyze_timeout"`
	ExploitTimeout time.Duration `yaml:"exploit_timeout"`
}

// RestraintConfig configures the rule engine
type RestraintConfig struct {
	// RulesFile is a YAML rules file watched for changes; empty uses the
	// built-in default rule set
	RulesFile string `yaml:"rules_file"`
}

// ApprovalsConfig configures human approval handling
type ApprovalsConfig struct {
	// TTL is how long an approval request stays open before expiring
	TTL time.Duration `yaml:"ttl"`
}

// RetentionConfig configures terminal workflow cleanup
type RetentionConfig struct {
	// MaxAge is how long terminal workflows are kept
	MaxAge time.Duration `yaml:"max_age"`
}

// NATSConfig configures the optional NATS event mirror
type NATSConfig struct {
	// URL is the NATS server URL (empty = no mirroring)
	URL string `yaml:"url"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: ":8380",
		},
		Planner: PlannerConfig{
			URL:                "http://localhost:8391",
			Timeout:            60 * time.Second,
			MinRecommendations: 5,
		},
		Containers: ContainersConfig{
			MaxConcurrent: 3,
			Memory:        "512MiB",
			CPUPercent:    50,
			PidsLimit:     256,
		},
		Phases: PhasesConfig{
			ReconTimeout:   15 * time.Minute,
			AnalyzeTimeout: 30 * time.Minute,
			ExploitTimeout: 45 * time.Minute,
		},
		Approvals: ApprovalsConfig{
			TTL: 30 * time.Minute,
		},
		Retention: RetentionConfig{
			MaxAge: 24 * time.Hour,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Planner.URL == "" {
		return fmt.Errorf("planner.url is required")
	}
	if c.Containers.MaxConcurrent < 1 {
		return fmt.Errorf("containers.max_concurrent must be at least 1")
	}
	if c.Containers.CPUPercent < 1 || c.Containers.CPUPercent > 100 {
		return fmt.Errorf("containers.cpu_percent must be between 1 and 100")
	}
	if _, err := c.Containers.MemoryBytes(); err != nil {
		return fmt.Errorf("containers.memory: %w", err)
	}
	for name, d := range map[string]time.Duration{
		"phases.recon_timeout":   c.Phases.ReconTimeout,
		"phases.analyze_timeout": c.Phases.AnalyzeTimeout,
		"phases.exploit_timeout": c.Phases.ExploitTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Server.Listen != "" {
		c.Server.Listen = other.Server.Listen
	}

	if other.Planner.URL != "" {
		c.Planner.URL = other.Planner.URL
	}
	if other.Planner.Timeout != 0 {
		c.Planner.Timeout = other.Planner.Timeout
	}
	if other.Planner.MinRecommendations != 0 {
		c.Planner.MinRecommendations = other.Planner.MinRecommendations
	}

	if other.Containers.MaxConcurrent != 0 {
		c.Containers.MaxConcurrent = other.Containers.MaxConcurrent
	}
	if other.Containers.Memory != "" {
		c.Containers.Memory = other.Containers.Memory
	}
	if other.Containers.CPUPercent != 0 {
		c.Containers.CPUPercent = other.Containers.CPUPercent
	}
	if other.Containers.PidsLimit != 0 {
		c.Containers.PidsLimit = other.Containers.PidsLimit
	}
	if other.Containers.RegistryMirror != "" {
		c.Containers.RegistryMirror = other.Containers.RegistryMirror
	}

	if other.Phases.ReconTimeout != 0 {
		c.Phases.ReconTimeout = other.Phases.ReconTimeout
	}
	if other.Phases.AnalyzeTimeout != 0 {
		c.Phases.AnalyzeTimeout = other.Phases.AnalyzeTimeout
	}
	if other.Phases.ExploitTimeout != 0 {
		c.Phases.ExploitTimeout = other.Phases.ExploitTimeout
	}

	if other.Restraint.RulesFile != "" {
		c.Restraint.RulesFile = other.Restraint.RulesFile
	}
	if other.Approvals.TTL != 0 {
		c.Approvals.TTL = other.Approvals.TTL
	}
	if other.Retention.MaxAge != 0 {
		c.Retention.MaxAge = other.Retention.MaxAge
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
}
