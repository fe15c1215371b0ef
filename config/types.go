// Package config provides configuration management for hive
package config

import (
	"time"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal:
		return true
	default:
		return false
	}
}

// Config represents the complete hive configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Entity system configuration
	Entity EntityConfig `yaml:"entity" json:"entity"`

	// Runtime configuration
	Runtime RuntimeConfig `yaml:"runtime" json:"runtime"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name
	Name string `yaml:"name" json:"name"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment"`

	// Debug mode
	Debug bool `yaml:"debug" json:"debug"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, console)
	Format string `yaml:"format" json:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Enable colored levels (console format only)
	Color bool `yaml:"color" json:"color"`
}

// EntityConfig contains entity system configuration
type EntityConfig struct {
	// Directory holding every resource the entity system knows about
	RootDir string `yaml:"root_dir" json:"root_dir"`

	// Watch the root directory and reload changed resources
	Watch bool `yaml:"watch" json:"watch"`

	// Quiet period before a changed file is reloaded
	Debounce time.Duration `yaml:"debounce" json:"debounce"`
}

// RuntimeConfig contains runtime configuration
type RuntimeConfig struct {
	// Upper bound on waiting for every system to report its exit
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "hive",
			Environment: EnvDevelopment,
			Debug:       false,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "console",
			Output: "stderr",
			Color:  true,
		},
		Entity: EntityConfig{
			RootDir:  "assets",
			Watch:    false,
			Debounce: 200 * time.Millisecond,
		},
		Runtime: RuntimeConfig{
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate app config
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}

	// Validate log config
	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return ErrInvalidLogFormat
	}

	// Validate entity config
	if c.Entity.RootDir == "" {
		return ErrInvalidRootDir
	}
	if c.Entity.Debounce < 0 {
		return ErrInvalidDebounce
	}

	// Validate runtime config
	if c.Runtime.ShutdownTimeout <= 0 {
		return ErrInvalidShutdownTimeout
	}

	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsDebugEnabled returns true if debug mode is enabled. Debug mode logs at
// debug level whatever log.level says.
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug
}

// EffectiveLogLevel returns the level to log at, taking debug mode into
// account
func (c *Config) EffectiveLogLevel() LogLevel {
	if c.IsDebugEnabled() {
		return LogLevelDebug
	}
	return c.Log.Level
}
