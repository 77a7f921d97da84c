// Package config provides unified configuration loading for skillforge.
// Precedence: defaults, then YAML file, then environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/BaSui01/skillforge/evolution"
	"github.com/BaSui01/skillforge/llm"
	"github.com/BaSui01/skillforge/runtime"
)

// Config is the complete skillforge configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`

	LLM llm.OpenAIConfig `yaml:"llm"`

	Generator evolution.GeneratorConfig `yaml:"generator"`
	Auditor   evolution.AuditorConfig   `yaml:"auditor"`
	Tracker   evolution.TrackerConfig   `yaml:"tracker"`
	Observer  evolution.ObserverConfig  `yaml:"observer"`
	Pipeline  evolution.PipelineConfig  `yaml:"pipeline"`
	Storage   evolution.StoreConfig     `yaml:"storage"`
	Blocklist evolution.BlocklistConfig `yaml:"blocklist"`

	Runtime RuntimeConfig `yaml:"runtime"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format: json or console.
	Format string `yaml:"format"`
	// OutputPaths are zap sink paths, e.g. stdout or a file.
	OutputPaths      []string `yaml:"output_paths"`
	EnableCaller     bool     `yaml:"enable_caller"`
	EnableStacktrace bool     `yaml:"enable_stacktrace"`
}

// RuntimeConfig configures the skill runtime directories and execution.
type RuntimeConfig struct {
	// SkillsDir holds the live skill sources, one file per skill.
	SkillsDir string `yaml:"skills_dir"`
	// FixturesDir holds per-skill input/output fixtures for the compile
	// gate.
	FixturesDir string `yaml:"fixtures_dir"`
	// CallTimeout bounds a single skill execution.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// MetricsConfig configures Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		LLM: llm.OpenAIConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o",
			DefaultTimeout: 300 * time.Second,
		},
		Generator: evolution.DefaultGeneratorConfig(),
		Auditor:   evolution.DefaultAuditorConfig(),
		Tracker:   evolution.DefaultTrackerConfig(),
		Observer:  evolution.DefaultObserverConfig(),
		Pipeline:  evolution.DefaultPipelineConfig(),
		Storage:   evolution.DefaultStoreConfig(),
		Blocklist: evolution.DefaultBlocklistConfig(),
		Runtime: RuntimeConfig{
			SkillsDir:   "./data/skills",
			FixturesDir: "./data/fixtures",
			CallTimeout: runtime.DefaultExecutorConfig().CallTimeout,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "skillforge",
		},
	}
}

// Validate checks the configuration for inconsistencies that would only
// surface at runtime.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	switch c.Storage.Type {
	case evolution.StoreTypeMemory, evolution.StoreTypeFile, evolution.StoreTypeRedis:
	default:
		return fmt.Errorf("storage.type must be memory, file or redis, got %q", c.Storage.Type)
	}
	if c.Storage.Type == evolution.StoreTypeRedis && c.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr must be set for the redis store")
	}
	if c.Observer.ErrorThreshold < 0 || c.Observer.ErrorThreshold > 1 {
		return fmt.Errorf("observer.error_threshold must be within [0, 1], got %v", c.Observer.ErrorThreshold)
	}
	if c.Tracker.Threshold < 1 {
		return fmt.Errorf("tracker.threshold must be at least 1, got %d", c.Tracker.Threshold)
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be at least 1, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Runtime.SkillsDir == "" {
		return fmt.Errorf("runtime.skills_dir must not be empty")
	}
	return nil
}
