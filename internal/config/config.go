// Package config handles configuration loading and management for
// dispatch. It supports XDG config paths, project-level overrides, and
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for dispatch.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Swarm     SwarmConfig     `mapstructure:"swarm"`
	Loop      LoopConfig      `mapstructure:"loop"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Paths     PathsConfig     `mapstructure:"paths"`
}

// AnthropicConfig holds execution backend settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// PoolConfig holds worker pool sizing and heartbeat settings.
type PoolConfig struct {
	MaxWorkers        int           `mapstructure:"max_workers"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatMisses   int           `mapstructure:"heartbeat_misses"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
}

// RetryConfig holds backoff and retry budget settings.
type RetryConfig struct {
	Floor       time.Duration `mapstructure:"floor"`
	Ceiling     time.Duration `mapstructure:"ceiling"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// SwarmConfig holds fan-out execution settings.
type SwarmConfig struct {
	FailureThreshold float64 `mapstructure:"failure_threshold"`
}

// LoopConfig holds iterative-refinement settings.
type LoopConfig struct {
	MaxIterations   int           `mapstructure:"max_iterations"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CheckpointEvery int           `mapstructure:"checkpoint_every"`
}

// MonitorConfig holds resource monitoring settings.
type MonitorConfig struct {
	SampleInterval  time.Duration `mapstructure:"sample_interval"`
	MemoryCeilingMB int           `mapstructure:"memory_ceiling_mb"`
	WarnFraction    float64       `mapstructure:"warn_fraction"`
}

// PathsConfig holds filesystem locations.
type PathsConfig struct {
	// DB overrides the default database path when set.
	DB string `mapstructure:"db"`
	// Templates is the task template directory.
	Templates string `mapstructure:"templates"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, DISPATCH_*)
// 2. Project config (.dispatch.yaml in current directory or parent)
// 3. User config (~/.config/dispatch/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("DISPATCH")
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("pool.max_workers", "DISPATCH_MAX_WORKERS")
	v.BindEnv("paths.db", "DISPATCH_DB")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("anthropic.aws_profile", cfg.Anthropic.AWSProfile)
	v.Set("pool.max_workers", cfg.Pool.MaxWorkers)
	v.Set("pool.heartbeat_interval", cfg.Pool.HeartbeatInterval.String())
	v.Set("pool.heartbeat_misses", cfg.Pool.HeartbeatMisses)
	v.Set("pool.idle_timeout", cfg.Pool.IdleTimeout.String())
	v.Set("retry.floor", cfg.Retry.Floor.String())
	v.Set("retry.ceiling", cfg.Retry.Ceiling.String())
	v.Set("retry.max_attempts", cfg.Retry.MaxAttempts)
	v.Set("swarm.failure_threshold", cfg.Swarm.FailureThreshold)
	v.Set("loop.max_iterations", cfg.Loop.MaxIterations)
	v.Set("loop.timeout", cfg.Loop.Timeout.String())
	v.Set("loop.checkpoint_every", cfg.Loop.CheckpointEvery)
	v.Set("monitor.sample_interval", cfg.Monitor.SampleInterval.String())
	v.Set("monitor.memory_ceiling_mb", cfg.Monitor.MemoryCeilingMB)
	v.Set("monitor.warn_fraction", cfg.Monitor.WarnFraction)
	v.Set("paths.db", cfg.Paths.DB)
	v.Set("paths.templates", cfg.Paths.Templates)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if
// it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.use_bedrock", false)

	v.SetDefault("pool.max_workers", 10)
	v.SetDefault("pool.heartbeat_interval", "30s")
	v.SetDefault("pool.heartbeat_misses", 3)
	v.SetDefault("pool.idle_timeout", "0s")

	v.SetDefault("retry.floor", "10s")
	v.SetDefault("retry.ceiling", "5m")
	v.SetDefault("retry.max_attempts", 3)

	v.SetDefault("swarm.failure_threshold", 0.30)

	v.SetDefault("loop.max_iterations", 10)
	v.SetDefault("loop.timeout", "1h")
	v.SetDefault("loop.checkpoint_every", 1)

	v.SetDefault("monitor.sample_interval", "10s")
	v.SetDefault("monitor.memory_ceiling_mb", 0)
	v.SetDefault("monitor.warn_fraction", 0.80)

	v.SetDefault("paths.db", "")
	v.SetDefault("paths.templates", "")
}

// getUserConfigDir returns the XDG config directory for dispatch.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dispatch")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "dispatch")
	}
	return filepath.Join(home, ".config", "dispatch")
}

// findProjectConfig searches for .dispatch.yaml in the current
// directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".dispatch.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxWorkers:        10,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatMisses:   3,
		},
		Retry: RetryConfig{
			Floor:       10 * time.Second,
			Ceiling:     5 * time.Minute,
			MaxAttempts: 3,
		},
		Swarm: SwarmConfig{
			FailureThreshold: 0.30,
		},
		Loop: LoopConfig{
			MaxIterations:   10,
			Timeout:         time.Hour,
			CheckpointEvery: 1,
		},
		Monitor: MonitorConfig{
			SampleInterval: 10 * time.Second,
			WarnFraction:   0.80,
		},
	}
}
