// Package config loads and validates the YAML configuration file,
// grounded on Ealireza-SuperProxy/config.go's LoadConfig shape (read,
// yaml.Unmarshal, validate) and on the field set and defaults of
// original_source/src/common/config.rs.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig controls the logging subsystem.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the top-level YAML configuration.
type Config struct {
	ListenAddress         string            `yaml:"listen_address"`
	Users                 map[string]string `yaml:"users"`
	BufferSize            int               `yaml:"buffer_size"`
	MaxConnections        int               `yaml:"max_connections"`
	ConnectTimeoutSeconds int               `yaml:"connect_timeout_seconds"`
	APIAddr               string            `yaml:"api_addr"`
	Log                   LogConfig         `yaml:"log"`
}

// Default values mirrored from the original's default_* functions.
const (
	DefaultListenAddress     = "127.0.0.1:1080"
	DefaultBufferSize        = 4096
	DefaultMaxConnections    = 1024
	DefaultConnectTimeoutSec = 10
	DefaultLogLevel          = "info"
)

// Defaults returns a Config populated with the package defaults.
func Defaults() Config {
	return Config{
		ListenAddress:         DefaultListenAddress,
		Users:                 map[string]string{},
		BufferSize:            DefaultBufferSize,
		MaxConnections:        DefaultMaxConnections,
		ConnectTimeoutSeconds: DefaultConnectTimeoutSec,
		Log:                   LogConfig{Level: DefaultLogLevel},
	}
}

// LoadFile reads and parses the YAML file at path, filling in defaults for
// anything left unset, then validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Users == nil {
		cfg.Users = map[string]string{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for consistency, per
// original_source/src/common/config.rs's validate().
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("config: listen_address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("config: invalid listen_address %q: %w", c.ListenAddress, err)
	}
	if c.BufferSize <= 0 || c.BufferSize > 65536 {
		return fmt.Errorf("config: invalid buffer_size %d: must be between 1 and 65536", c.BufferSize)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("config: connect_timeout_seconds must be positive, got %d", c.ConnectTimeoutSeconds)
	}
	return nil
}

// ConnectTimeout returns ConnectTimeoutSeconds as a time.Duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}
