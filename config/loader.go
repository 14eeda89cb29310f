package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// ProjectConfigFile is the name of the project-level config file
const ProjectConfigFile = "probeline.yaml"

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. Config file (explicit path, or probeline.yaml in the working directory)
// 3. Environment variables
func (l *Loader) Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path == "" {
		if _, err := os.Stat(ProjectConfigFile); err == nil {
			path = ProjectConfigFile
		}
	}
	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config file", slog.String("path", path))
		config.Merge(fileConfig)
	}

	if err := l.applyEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overlays the environment variables onto the config. Values
// take precedence over the file layer.
func (l *Loader) applyEnv(c *Config) error {
	var err error

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("PLANNER_URL"); v != "" {
		c.Planner.URL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("RESTRAINT_RULES_FILE"); v != "" {
		c.Restraint.RulesFile = v
	}
	if v := os.Getenv("REGISTRY_MIRROR"); v != "" {
		c.Containers.RegistryMirror = v
	}

	if c.Containers.MaxConcurrent, err = envInt("MAX_CONCURRENT", c.Containers.MaxConcurrent); err != nil {
		return err
	}
	if c.Containers.CPUPercent, err = envInt("CONTAINER_CPU_PCT", c.Containers.CPUPercent); err != nil {
		return err
	}
	if mb, err := envInt("CONTAINER_MEMORY_MB", 0); err != nil {
		return err
	} else if mb > 0 {
		c.Containers.Memory = fmt.Sprintf("%dMiB", mb)
	}

	if c.Phases.ReconTimeout, err = envMillis("PHASE_TIMEOUT_RECON_MS", c.Phases.ReconTimeout); err != nil {
		return err
	}
	if c.Phases.AnalyzeTimeout, err = envMillis("PHASE_TIMEOUT_ANALYZE_MS", c.Phases.AnalyzeTimeout); err != nil {
		return err
	}
	if c.Phases.ExploitTimeout, err = envMillis("PHASE_TIMEOUT_EXPLOIT_MS", c.Phases.ExploitTimeout); err != nil {
		return err
	}

	if hours, err := envInt("WORKFLOW_RETENTION_HOURS", 0); err != nil {
		return err
	} else if hours > 0 {
		c.Retention.MaxAge = time.Duration(hours) * time.Hour
	}

	return nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envMillis(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
