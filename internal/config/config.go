// Package config provides configuration management for the workspace server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Shell     ShellConfig     `yaml:"shell"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// WorkspaceConfig holds workspace root and exclusion configuration.
type WorkspaceConfig struct {
	// Root is the directory every session and file operation is confined to.
	// When empty the server falls back to the current working directory.
	Root string `yaml:"root"`
	// Excluded lists root-level names hidden from listings and file serving.
	// Dot-prefixed root entries are always excluded.
	Excluded []string `yaml:"excluded"`
}

// ShellConfig holds shell session configuration.
type ShellConfig struct {
	Command        string   `yaml:"command"`
	DefaultTimeout string   `yaml:"default_timeout"`
	StreamLimit    int      `yaml:"stream_limit"`
	StderrFilters  []string `yaml:"stderr_filters"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: ":8000",
		},
		Workspace: WorkspaceConfig{
			Root: "/project/workspace",
			Excluded: []string{
				"workspaced.yaml",
				"__pycache__",
				".codesandbox",
				".devcontainer",
				"README",
				"README.md",
				"README.txt",
				"README.rst",
			},
		},
		Shell: ShellConfig{
			Command:        "/bin/bash",
			DefaultTimeout: "10s",
			StreamLimit:    3 * 1024 * 1024,
			StderrFilters: []string{
				"failed to connect to the bus",
				"failed to call method",
				"viz_main_impl",
				"object_proxy",
				"dbus",
				"setting up watches",
				"watches established",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
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

// LoadOrDefault loads configuration from a file, or returns default if file doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// GetDefaultTimeout returns the default command timeout as a time.Duration.
func (c *ShellConfig) GetDefaultTimeout() time.Duration {
	d, err := time.ParseDuration(c.DefaultTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetStreamLimit returns the per-stream residue buffer cap in bytes.
func (c *ShellConfig) GetStreamLimit() int {
	if c.StreamLimit <= 0 {
		return 3 * 1024 * 1024
	}
	return c.StreamLimit
}
