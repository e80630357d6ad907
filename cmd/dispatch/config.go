package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify dispatch configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/dispatch/config.yaml
Project-specific overrides can be placed in .dispatch.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	_, source, _ := config.ResolveAPIKey(cfg)
	fmt.Printf("anthropic.api_key: %s (%s)\n",
		config.MaskAPIKey(cfg.Anthropic.APIKey), source)
	fmt.Printf("anthropic.model: %s\n", cfg.Anthropic.Model)
	fmt.Printf("anthropic.use_bedrock: %t\n", cfg.Anthropic.UseBedrock)
	fmt.Printf("pool.max_workers: %d\n", cfg.Pool.MaxWorkers)
	fmt.Printf("pool.heartbeat_interval: %s\n", cfg.Pool.HeartbeatInterval)
	fmt.Printf("pool.heartbeat_misses: %d\n", cfg.Pool.HeartbeatMisses)
	fmt.Printf("retry.floor: %s\n", cfg.Retry.Floor)
	fmt.Printf("retry.ceiling: %s\n", cfg.Retry.Ceiling)
	fmt.Printf("retry.max_attempts: %d\n", cfg.Retry.MaxAttempts)
	fmt.Printf("swarm.failure_threshold: %g\n", cfg.Swarm.FailureThreshold)
	fmt.Printf("loop.max_iterations: %d\n", cfg.Loop.MaxIterations)
	fmt.Printf("loop.timeout: %s\n", cfg.Loop.Timeout)
	fmt.Printf("monitor.memory_ceiling_mb: %d\n", cfg.Monitor.MemoryCeilingMB)
	fmt.Printf("paths.db: %s\n", cfg.Paths.DB)
	fmt.Printf("paths.templates: %s\n", cfg.Paths.Templates)
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		return config.MaskAPIKey(cfg.Anthropic.APIKey), nil
	case "anthropic.model":
		return cfg.Anthropic.Model, nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseBedrock), nil
	case "pool.max_workers":
		return strconv.Itoa(cfg.Pool.MaxWorkers), nil
	case "pool.heartbeat_interval":
		return cfg.Pool.HeartbeatInterval.String(), nil
	case "pool.heartbeat_misses":
		return strconv.Itoa(cfg.Pool.HeartbeatMisses), nil
	case "retry.floor":
		return cfg.Retry.Floor.String(), nil
	case "retry.ceiling":
		return cfg.Retry.Ceiling.String(), nil
	case "retry.max_attempts":
		return strconv.Itoa(cfg.Retry.MaxAttempts), nil
	case "swarm.failure_threshold":
		return strconv.FormatFloat(cfg.Swarm.FailureThreshold, 'g', -1, 64), nil
	case "loop.max_iterations":
		return strconv.Itoa(cfg.Loop.MaxIterations), nil
	case "loop.timeout":
		return cfg.Loop.Timeout.String(), nil
	case "monitor.memory_ceiling_mb":
		return strconv.Itoa(cfg.Monitor.MemoryCeilingMB), nil
	case "paths.db":
		return cfg.Paths.DB, nil
	case "paths.templates":
		return cfg.Paths.Templates, nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "anthropic.use_bedrock":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid value for use_bedrock: %w", err)
		}
		cfg.Anthropic.UseBedrock = b
	case "pool.max_workers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_workers: %w", err)
		}
		cfg.Pool.MaxWorkers = n
	case "pool.heartbeat_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for heartbeat_interval: %w", err)
		}
		cfg.Pool.HeartbeatInterval = d
	case "pool.heartbeat_misses":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for heartbeat_misses: %w", err)
		}
		cfg.Pool.HeartbeatMisses = n
	case "retry.floor":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for floor: %w", err)
		}
		cfg.Retry.Floor = d
	case "retry.ceiling":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for ceiling: %w", err)
		}
		cfg.Retry.Ceiling = d
	case "retry.max_attempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_attempts: %w", err)
		}
		cfg.Retry.MaxAttempts = n
	case "swarm.failure_threshold":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for failure_threshold: %w", err)
		}
		cfg.Swarm.FailureThreshold = f
	case "loop.max_iterations":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_iterations: %w", err)
		}
		cfg.Loop.MaxIterations = n
	case "loop.timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for timeout: %w", err)
		}
		cfg.Loop.Timeout = d
	case "monitor.memory_ceiling_mb":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for memory_ceiling_mb: %w", err)
		}
		cfg.Monitor.MemoryCeilingMB = n
	case "paths.db":
		cfg.Paths.DB = value
	case "paths.templates":
		cfg.Paths.Templates = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
