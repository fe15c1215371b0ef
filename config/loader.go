// Package config provides configuration loading and parsing functionality
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// FormatFromPath determines the configuration format from a file extension
func FormatFromPath(filename string) (ConfigFormat, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
}

// Loader handles configuration loading from various sources
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Environment variable prefix
	envPrefix string

	// Environment lookup, os.LookupEnv unless overridden
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	home, _ := os.UserHomeDir()
	return &Loader{
		searchPaths: []string{
			".",
			"./config",
			"/etc/hive",
			filepath.Join(home, ".hive"),
		},
		envPrefix: "HIVE",
		lookupEnv: os.LookupEnv,
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetLookupEnv replaces the environment lookup function
func (l *Loader) SetLookupEnv(lookup func(string) (string, bool)) *Loader {
	l.lookupEnv = lookup
	return l
}

// Load loads configuration from the specified file, or only defaults and
// environment overrides when filename is empty
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.finish(l.defaults())
	}

	format, err := FormatFromPath(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	return l.finish(config)
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}

	return l.finish(config)
}

// AutoLoad automatically discovers and loads configuration
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, err := l.findConfigFile()
	if errors.Is(err, ErrConfigFileNotFound) {
		return l.Load("")
	}
	if err != nil {
		return nil, err
	}

	return l.Load(configFile)
}

// defaults returns a fresh default configuration
func (l *Loader) defaults() *Config {
	return DefaultConfig()
}

// finish applies environment overrides and validates
func (l *Loader) finish(config *Config) (*Config, error) {
	err := l.loadFromEnv(config)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	err = config.Validate()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// findConfigFile searches for configuration files in search paths
func (l *Loader) findConfigFile() (string, error) {
	filenames := []string{
		"hive.yaml", "hive.yml", "hive.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if _, err := os.Stat(fullPath); err == nil {
				return fullPath, nil
			}
		}
	}

	return "", ErrConfigFileNotFound
}

// parseConfig decodes data on top of the defaults, so missing fields keep
// their default values
func (l *Loader) parseConfig(data []byte, format ConfigFormat) (*Config, error) {
	config := l.defaults()

	switch format {
	case FormatYAML:
		err := yaml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case FormatJSON:
		err := json.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	return config, nil
}

// loadFromEnv loads configuration overrides from environment variables
func (l *Loader) loadFromEnv(config *Config) error {
	env := func(key string) (string, bool) {
		val, ok := l.lookupEnv(l.envPrefix + "_" + key)
		return val, ok && val != ""
	}

	// App configuration
	if val, ok := env("APP_NAME"); ok {
		config.App.Name = val
	}
	if val, ok := env("APP_ENVIRONMENT"); ok {
		config.App.Environment = Environment(val)
	}
	if val, ok := env("APP_DEBUG"); ok {
		config.App.Debug = strings.ToLower(val) == "true"
	}

	// Log configuration
	if val, ok := env("LOG_LEVEL"); ok {
		config.Log.Level = LogLevel(val)
	}
	if val, ok := env("LOG_FORMAT"); ok {
		config.Log.Format = val
	}
	if val, ok := env("LOG_OUTPUT"); ok {
		config.Log.Output = val
	}
	if val, ok := env("LOG_COLOR"); ok {
		config.Log.Color = strings.ToLower(val) == "true"
	}

	// Entity configuration
	if val, ok := env("ENTITY_ROOT_DIR"); ok {
		config.Entity.RootDir = val
	}
	if val, ok := env("ENTITY_WATCH"); ok {
		watch, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%w: %s_ENTITY_WATCH: %v", ErrEnvironmentVarError, l.envPrefix, err)
		}
		config.Entity.Watch = watch
	}
	if val, ok := env("ENTITY_DEBOUNCE"); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%w: %s_ENTITY_DEBOUNCE: %v", ErrEnvironmentVarError, l.envPrefix, err)
		}
		config.Entity.Debounce = d
	}

	// Runtime configuration
	if val, ok := env("RUNTIME_SHUTDOWN_TIMEOUT"); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%w: %s_RUNTIME_SHUTDOWN_TIMEOUT: %v", ErrEnvironmentVarError, l.envPrefix, err)
		}
		config.Runtime.ShutdownTimeout = d
	}

	return nil
}
