// Package config provides error definitions for configuration management
package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName         = errors.New("invalid application name")
	ErrInvalidEnvironment     = errors.New("invalid environment")
	ErrInvalidLogLevel        = errors.New("invalid log level")
	ErrInvalidLogFormat       = errors.New("invalid log format")
	ErrInvalidRootDir         = errors.New("invalid entity root directory")
	ErrInvalidDebounce        = errors.New("invalid watch debounce")
	ErrInvalidShutdownTimeout = errors.New("invalid shutdown timeout")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrUnsupportedFormat   = errors.New("unsupported configuration format")
	ErrEnvironmentVarError = errors.New("environment variable error")
)
