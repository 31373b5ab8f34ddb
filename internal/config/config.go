// Package config provides configuration management for matryoshka.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ivasilyev/matryoshka/internal/errors"
)

// EnvPrefix prefixes every environment variable read as configuration
const EnvPrefix = "MATRYOSHKA"

// Config represents the application configuration structure
type Config struct {
	Input          string        `mapstructure:"input"`           // Tab-delimited table file
	Output         string        `mapstructure:"output"`          // Output directory shared with every node
	Wait           bool          `mapstructure:"wait"`            // Wait for remote units to finish
	Threads        int           `mapstructure:"threads"`         // Worker slots per unit
	Nodes          string        `mapstructure:"nodes"`           // Node file or comma-separated node list
	Template       string        `mapstructure:"string"`          // Command template with $<index> placeholders
	Binary         string        `mapstructure:"binary"`          // Executable launched by units; own executable when empty
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"` // TCP connect and SSH handshake timeout
	LogLevel       string        `mapstructure:"log-level"`       // Log level (debug, info, error, critical)
	LogFormat      string        `mapstructure:"log-format"`      // Log format (json, text)
	OutputFormat   string        `mapstructure:"output-format"`   // Report format (text, json)
	ShowProgress   bool          `mapstructure:"progress"`        // Show dispatch progress bar
	NoColor        bool          `mapstructure:"no-color"`        // Disable colored report

	// ConfigFile is the config file that was read, empty when none was found
	ConfigFile string `mapstructure:"-"`
}

// Remote reports whether the run dispatches to SSH nodes
func (c *Config) Remote() bool {
	return c.Nodes != ""
}

// CheckRequired returns a usage error naming every missing required setting
func (c *Config) CheckRequired() error {
	var missing []string
	if c.Input == "" {
		missing = append(missing, "input")
	}
	if c.Output == "" {
		missing = append(missing, "output")
	}
	if c.Template == "" {
		missing = append(missing, "string")
	}
	if len(missing) > 0 {
		return errors.NewUsageError(fmt.Sprintf("missing required flags: %s", strings.Join(missing, ", ")), nil)
	}
	return nil
}

// Manager defines the interface for configuration management
type Manager interface {
	// Load reads configuration from all sources (files, env vars, CLI flags)
	Load() (*Config, error)

	// SetDefaults establishes default configuration values
	SetDefaults()

	// Validate ensures configuration values are valid and consistent
	Validate(config *Config) error

	// BindFlags makes explicitly set flags override every other source
	BindFlags(flags *pflag.FlagSet) error
}

// ViperManager implements the Manager interface using Viper
type ViperManager struct {
	v     *viper.Viper
	paths []string
}

// NewManager creates a configuration manager searching the current
// directory, ~/.config/matryoshka and /etc/matryoshka, in that order.
func NewManager() Manager {
	paths := []string{"."}
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".config", "matryoshka"))
	}
	paths = append(paths, "/etc/matryoshka/")

	return NewManagerWithFs(afero.NewOsFs(), paths...)
}

// NewManagerWithFs creates a manager reading config files from fs in paths
func NewManagerWithFs(fs afero.Fs, paths ...string) *ViperManager {
	v := viper.New()
	v.SetFs(fs)
	return &ViperManager{v: v, paths: paths}
}

// SetDefaults establishes default configuration values
func (m *ViperManager) SetDefaults() {
	m.v.SetDefault("input", "")
	m.v.SetDefault("output", "")
	m.v.SetDefault("wait", false)
	m.v.SetDefault("threads", 1)
	m.v.SetDefault("nodes", "")
	m.v.SetDefault("string", "")
	m.v.SetDefault("binary", "")
	m.v.SetDefault("connect-timeout", 30*time.Second)
	m.v.SetDefault("log-level", "info")
	m.v.SetDefault("log-format", "text")
	m.v.SetDefault("output-format", "text")
	m.v.SetDefault("progress", false)
	m.v.SetDefault("no-color", false)
}

// BindFlags binds CLI flags to configuration keys of the same name
func (m *ViperManager) BindFlags(flags *pflag.FlagSet) error {
	return m.v.BindPFlags(flags)
}

// Load reads configuration from all sources with proper precedence:
// flags, environment, config file, defaults.
func (m *ViperManager) Load() (*Config, error) {
	m.SetDefaults()

	m.v.SetConfigName("config")
	for _, path := range m.paths {
		m.v.AddConfigPath(path)
	}

	m.v.SetEnvPrefix(EnvPrefix)
	m.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	m.v.AutomaticEnv()

	if err := m.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := m.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	config.ConfigFile = m.v.ConfigFileUsed()

	if err := m.Validate(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Validate ensures configuration values are valid and consistent
func (m *ViperManager) Validate(config *Config) error {
	if config.Threads < 0 {
		return fmt.Errorf("threads must be non-negative, got %d", config.Threads)
	}

	if config.ConnectTimeout <= 0 {
		return fmt.Errorf("connect-timeout must be positive, got %v", config.ConnectTimeout)
	}

	validOutputs := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validOutputs[config.OutputFormat] {
		return fmt.Errorf("invalid output format '%s': must be one of 'text' or 'json'", config.OutputFormat)
	}

	validLogLevels := map[string]bool{
		"debug":    true,
		"info":     true,
		"error":    true,
		"critical": true,
	}
	if !validLogLevels[config.LogLevel] {
		return fmt.Errorf("invalid log level '%s': must be one of 'debug', 'info', 'error' or 'critical'", config.LogLevel)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[config.LogFormat] {
		return fmt.Errorf("invalid log format '%s': must be one of 'json' or 'text'", config.LogFormat)
	}

	return nil
}

// Keys lists every configuration key
var Keys = []string{
	"input", "output", "wait", "threads", "nodes", "string", "binary",
	"connect-timeout", "log-level", "log-format", "output-format", "progress", "no-color",
}

// EnvVarNames returns the environment variable name of every key
func EnvVarNames() []string {
	names := make([]string, len(Keys))
	for i, key := range Keys {
		names[i] = EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	}
	return names
}
