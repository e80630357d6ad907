package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoAPIKey indicates no Anthropic credential could be resolved from
// the environment or the configuration.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// KeySource identifies where a resolved API key came from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// ResolveAPIKey returns the Anthropic API key and its source. The
// ANTHROPIC_API_KEY environment variable wins over the config file.
// Configured values may reference environment variables; a reference
// that does not expand counts as absent.
func ResolveAPIKey(cfg *Config) (string, KeySource, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, KeySourceEnv, nil
	}
	if cfg != nil {
		if key := expandedKey(cfg.Anthropic.APIKey); key != "" {
			return key, KeySourceConfig, nil
		}
	}
	return "", KeySourceNone, ErrNoAPIKey
}

func expandedKey(raw string) string {
	if raw == "" {
		return ""
	}
	key := os.ExpandEnv(raw)
	if strings.HasPrefix(key, "${") {
		return ""
	}
	return key
}

// ValidateAPIKey checks the shape of a key without calling the API.
func ValidateAPIKey(key string) error {
	switch {
	case key == "":
		return ErrNoAPIKey
	case !strings.HasPrefix(key, "sk-ant-"):
		return fmt.Errorf("invalid API key: expected sk-ant- prefix")
	case len(key) < 20:
		return fmt.Errorf("invalid API key: too short")
	}
	return nil
}

// MaskAPIKey renders a key for display, keeping the prefix and the
// last four characters.
func MaskAPIKey(key string) string {
	switch {
	case key == "":
		return "(not set)"
	case len(key) <= 15:
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
