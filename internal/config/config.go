package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/ezarowny/celery/internal/metrics"
	"github.com/ezarowny/celery/internal/task"
	"github.com/ezarowny/celery/internal/trace"
	"github.com/ezarowny/celery/pkg/logger"
)

// Config represents the complete configuration for the worker-side tracer.
type Config struct {
	Logging       LoggingConfig       `yaml:"logging"`
	Optimizations OptimizationsConfig `yaml:"optimizations"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" env:"CELERY_LOG_LEVEL"`
}

// OptimizationsConfig holds worker optimization toggles.
type OptimizationsConfig struct {
	// FastPath installs compiled tracers for every registered task at
	// worker startup.
	FastPath bool `yaml:"fast_path" env:"CELERY_FAST_PATH"`
	// StackProtection enables the eager-call stack guard.
	StackProtection bool `yaml:"stack_protection" env:"CELERY_STACK_PROTECTION"`
}

// MetricsConfig holds runtime recording configuration.
type MetricsConfig struct {
	// RecordRuntimes enables the per-task runtime histogram.
	RecordRuntimes bool `yaml:"record_runtimes" env:"CELERY_RECORD_RUNTIMES"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Optimizations: OptimizationsConfig{
			FastPath:        false,
			StackProtection: true,
		},
		Metrics: MetricsConfig{
			RecordRuntimes: true,
		},
	}
}

// ParseConfig parses a YAML document into a Config on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Serialize renders the Config as YAML.
func (c *Config) Serialize() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	return data, nil
}

// Load loads configuration with precedence: defaults < YAML file <
// environment variables. A missing file falls back to defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Keep defaults.
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CELERY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v, err := strconv.ParseBool(os.Getenv("CELERY_FAST_PATH")); err == nil {
		c.Optimizations.FastPath = v
	}
	if v, err := strconv.ParseBool(os.Getenv("CELERY_STACK_PROTECTION")); err == nil {
		c.Optimizations.StackProtection = v
	}
	if v, err := strconv.ParseBool(os.Getenv("CELERY_RECORD_RUNTIMES")); err == nil {
		c.Metrics.RecordRuntimes = v
	}
}

// Apply pushes the configuration into the worker: the logging level, runtime
// recording on the default recorder, cached tracers for every task in the
// registry when the fast path is enabled, and the eager-call stack guard.
func (c *Config) Apply(reg *task.Registry) error {
	logger.SetLevelFromString(c.Logging.Level)
	metrics.DefaultRecorder.SetEnabled(c.Metrics.RecordRuntimes)

	if c.Optimizations.FastPath {
		if err := trace.SetupWorkerOptimizations(reg, trace.Options{}); err != nil {
			return err
		}
	} else {
		trace.ResetWorkerOptimizations(reg)
	}
	trace.DefaultOptimizations.SetStackProtection(c.Optimizations.StackProtection)
	return nil
}
