// Package logging configures the process-wide zerolog logger and hands out
// component loggers.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelTrace logs everything.
	LevelTrace LogLevel = "trace"

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

	// Service is added to every line as the "service" field when set.
	Service string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Pretty:  false,
		Output:  os.Stderr,
		Service: "shellcache",
	}
}

// FromSettings returns the default configuration with level and pretty applied.
func FromSettings(level string, pretty bool) Config {
	cfg := DefaultConfig()
	if level != "" {
		cfg.Level = LogLevel(level)
	}
	cfg.Pretty = pretty
	return cfg
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

// parseLevel converts LogLevel to zerolog.Level. Unknown levels fall back to info.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "trace":
		return zerolog.TraceLevel
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
//   - Routing decisions (route, destination)
//   - Cache hits and misses, evictions
//   - Fallbacks after network failures
//   - Retry attempts
//
// Info: Normal operation events
//   - Worker lifecycle transitions (installing, installed, activated)
//   - Stale partitions deleted, partitions cleared
//   - Control messages received
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - App shell paths that could not be precached
//   - Storage write failures (response still served)
//   - Failed pass-through and intercepted requests
//
// Error: Error conditions requiring attention
//   - Control messages that failed on storage
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package (worker, strategy, lifecycle, network, host)
//   - url: request URL
//   - request_id: id assigned by the host (also sent as X-Request-Id)
//   - path: app shell path
//   - partition: cache partition name
//   - key: partition key (METHOD:url)
//   - route: dispatcher route
//   - status: HTTP status code
//   - duration: request or install duration
//   - error_class: fetch error classification (network, timeout, canceled)
