// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/Sternrassler/offline-cache/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// FromConfig maps the agent's logging section onto a logger Config writing
// to out (nil = os.Stderr). An empty level means info.
func FromConfig(cfg config.LoggingConfig, out io.Writer) Config {
	if out == nil {
		out = os.Stderr
	}
	level := LogLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if level == "" {
		level = LevelInfo
	}
	return Config{
		Level:  level,
		Pretty: cfg.Pretty,
		Output: out,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	// Configure output
	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss, namespace, key)
//   - Strategy decisions and route matches
//   - Evictions and worker state changes
//
// Info: Normal operation events
//   - Worker installed, activated or redundant
//   - Outdated namespaces deleted
//   - Precache install results
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Storage errors (fallback to network)
//   - Network errors answered from cache
//   - Retry attempts
//   - Background task failures
//
// Error: Error conditions requiring attention
//   - Failed install or activation
//   - Requests answered with the offline response
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package
//   - version: worker version token
//   - namespace: cache namespace
//   - strategy: strategy name
//   - route: matched route name
//   - url: request URL
//   - status_code: HTTP status code
//   - error_class: Error classification (client, server, network, timeout)
