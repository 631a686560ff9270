// Package config provides configuration management for the permfs daemon.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Mount   MountConfig   `yaml:"mount"`
	Logging LoggingConfig `yaml:"logging"`
}

// MountConfig holds FUSE mount options.
type MountConfig struct {
	// FSName is the filesystem source name shown in mount tables.
	FSName string `yaml:"fs_name"`
	// AllowOther permits access by users other than the mounting user.
	// Requires user_allow_other in /etc/fuse.conf for non-root mounts.
	AllowOther bool `yaml:"allow_other"`
	// Debug enables FUSE protocol tracing.
	Debug bool `yaml:"debug"`
	// AttrTimeout is how long the kernel may cache attributes,
	// e.g. "1s", "500ms".
	AttrTimeout string `yaml:"attr_timeout"`
}

// LoggingConfig holds logging options.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Mount: MountConfig{
			FSName:      "permfs",
			AllowOther:  false,
			Debug:       false,
			AttrTimeout: "1s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file. Values not present in the
// file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads configuration from a file if it exists,
// otherwise returns the default configuration.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// GetAttrTimeout returns the kernel attribute cache timeout as a
// time.Duration, falling back to one second on a malformed value.
func (c *MountConfig) GetAttrTimeout() time.Duration {
	d, err := time.ParseDuration(c.AttrTimeout)
	if err != nil {
		return time.Second
	}
	return d
}
