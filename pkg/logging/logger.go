// Package logging configures zerolog for the SOAP client, the query runner
// and the snquery command.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Component names used for the "component" field.
const (
	ComponentClient  = "soap-client"
	ComponentQuery   = "query"
	ComponentCLI     = "snquery"
	ComponentLimiter = "rate-limit"
)

// Environment variables read by FromEnv.
const (
	EnvLevel  = "LOG_LEVEL"
	EnvPretty = "LOG_PRETTY"
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

// FromEnv returns DefaultConfig overridden by LOG_LEVEL and LOG_PRETTY.
// Invalid LOG_PRETTY values are ignored.
func FromEnv() Config {
	cfg := DefaultConfig()
	if level := os.Getenv(EnvLevel); level != "" {
		cfg.Level = LogLevel(level)
	}
	if pretty, err := strconv.ParseBool(os.Getenv(EnvPretty)); err == nil {
		cfg.Pretty = pretty
	}
	return cfg
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
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

// ForTable returns a child of logger tagged with the queried table.
func ForTable(logger zerolog.Logger, table string) zerolog.Logger {
	return logger.With().Str("table", table).Logger()
}

// Log Level Guidelines:
//
// Debug: per-request detail
//   - SOAP request issued (table, operation)
//   - Page fetched (chunk, chunks, records)
//   - WSDL cache hit/miss, TTL
//   - Retry backoff scheduled
//
// Info: query lifecycle
//   - Session bound
//   - Keys resolved (filter, keys, chunks)
//   - Query complete (mode, sys_ids, records, pages, duration)
//   - Server startup/shutdown
//
// Warn: degraded but continuing
//   - SOAP faults and HTTP errors before retry
//   - Rate limit throttling
//   - Cache/Redis errors (fall back to the instance)
//   - Query failed
//
// Error: needs attention
//   - Transport failures
//   - Rate limit window exhausted
//   - Fatal CLI errors
//
// Context Fields:
//   - component: soap-client, query, snquery, rate-limit
//   - instance: ServiceNow instance name
//   - table: queried table
//   - operation: getKeys, getRecords, wsdl
//   - chunk: zero-based chunk index
//   - status: HTTP status code
//   - error_class: auth, client, server, rate_limit, network
//   - remaining: requests left in the rate limit window
