// Package logger provides structured logging for indexedcollections
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with indexing-specific helpers
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// ParseLevel maps a config level name to a zerolog level, defaulting to info
func ParseLevel(name string) zerolog.Level {
	switch name {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "indexedcollections").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// GetZerolog returns the underlying zerolog logger
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// outcome starts an event at level, or at error level carrying err
func (l *Logger) outcome(level zerolog.Level, err error) *zerolog.Event {
	if err != nil {
		return l.zlog.Error().Err(err)
	}
	return l.zlog.WithLevel(level)
}

// StoreLogger returns a logger for a store backend
func (l *Logger) StoreLogger(backend string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "store").
			Str("backend", backend).
			Logger(),
	}
}

// IndexLogger returns a logger for index maintenance
func (l *Logger) IndexLogger(component string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", component).
			Logger(),
	}
}

// LogGrpcRequest logs a completed gRPC call; failures log at error level
func (l *Logger) LogGrpcRequest(method string, duration time.Duration, err error) {
	l.outcome(zerolog.InfoLevel, err).
		Str("component", "grpc").
		Str("method", method).
		Dur("duration_ms", duration).
		Msg("gRPC request completed")
}

// LogStoreOperation logs a store call. Successful calls are debug noise.
func (l *Logger) LogStoreOperation(operation, region string, duration time.Duration, count int, err error) {
	l.outcome(zerolog.DebugLevel, err).
		Str("operation", operation).
		Str("region", region).
		Dur("duration_ms", duration).
		Int("column_count", count).
		Msg("Store operation completed")
}

// LogInconsistentIndex reports an index entry that should exist but does not.
// This is a warning, never a failure: searches under-report until repaired.
func (l *Logger) LogInconsistentIndex(entity, attribute, scope, reason string) {
	l.zlog.Warn().
		Str("event", "inconsistent_index").
		Str("entity", entity).
		Str("attribute", attribute).
		Str("scope", scope).
		Str("reason", reason).
		Msg("Index entry missing for recorded attribute value")
}

// LogServerStart logs server startup
func (l *Logger) LogServerStart(port int, backend, dataDir string) {
	l.zlog.Info().
		Str("event", "server_start").
		Int("port", port).
		Str("backend", backend).
		Str("data_dir", dataDir).
		Msg("indexd server starting")
}

// LogServerReady logs when server is ready
func (l *Logger) LogServerReady(port int) {
	l.zlog.Info().
		Str("event", "server_ready").
		Int("port", port).
		Msg("indexd server ready to accept connections")
}

// LogServerShutdown logs server shutdown
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().
		Str("event", "server_shutdown").
		Msg("indexd server shutting down")
}

var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
