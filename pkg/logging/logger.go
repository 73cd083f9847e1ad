// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for altitude components.
//
// The daemon and the CLI share one logging layer with three destinations:
//
//   - stderr for interactive use (text by default, JSON when requested)
//   - a rotating log file under the configured directory
//   - an optional LogExporter for shipping entries to external systems
//
// # Architecture
//
// The package is built on Go's standard library slog, with extensions
// for multi-destination output, log rotation, and export:
//
//	┌─────────────────────────────────────────────────────────────┐
//	│                         Logger                              │
//	│  ┌─────────────┐  ┌──────────────┐  ┌─────────────────────┐ │
//	│  │   stderr    │  │ rotating file│  │   LogExporter       │ │
//	│  │  (default)  │  │  (optional)  │  │   (optional)        │ │
//	│  └─────────────┘  └──────────────┘  └─────────────────────┘ │
//	└─────────────────────────────────────────────────────────────┘
//
// # Basic Usage
//
// For simple CLI usage with stderr output:
//
//	logger := logging.Default()
//	logger.Info("session started", "session_id", sessionID)
//	logger.Error("checkpoint write failed", "error", err)
//
// # File Logging
//
// To enable file logging alongside stderr:
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.altitude/logs",  // Supports ~ expansion
//	    Service: "daemon",
//	})
//	defer logger.Close()  // Important: flushes exports, closes the file
//
// File logs are written to `{service}.log` in JSON format and rotated
// by size; rotated copies carry a timestamp suffix and are pruned by
// the MaxBackups and MaxAgeDays settings.
//
// # Live Level Changes
//
// The level filter is a slog.LevelVar shared by every destination.
// LevelVar() exposes it so a config watcher can retune verbosity on a
// running daemon without recreating the logger:
//
//	logger.LevelVar().Set(slog.LevelDebug)
//
// # Export
//
// Implement LogExporter to send entries to an external system (GCS,
// Loki, an aggregation endpoint):
//
//	logger := logging.New(logging.Config{
//	    Level:    logging.LevelInfo,
//	    Service:  "daemon",
//	    Exporter: exporter,
//	})
//
// The exporter receives LogEntry structs asynchronously and should
// buffer internally for efficiency.
//
// # Log Levels
//
// Four levels are supported, matching slog conventions:
//
//   - Debug: Development troubleshooting, per-tick detail
//   - Info: Normal operations (session start/end, phase transitions)
//   - Warn: Recoverable issues (retry attempts, degraded telemetry)
//   - Error: Operation failures (but the system continues)
//
// # Thread Safety
//
// Logger is safe for concurrent use. Internal state is protected by a
// mutex, and the underlying slog.Logger is thread-safe.
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers
// must ensure tokens and secrets are not logged:
//
//	// BAD: logs the credential
//	logger.Info("telemetry connect", "token", token)
//
//	// GOOD: log metadata only
//	logger.Info("telemetry connect", "token_present", token != "")
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents a log severity level.
//
// Levels are ordered: Debug < Info < Warn < Error. A logger configured
// at a given level emits that level and everything above it.
type Level int

const (
	// LevelDebug is for development troubleshooting and verbose output.
	LevelDebug Level = iota

	// LevelInfo is for normal operational events.
	LevelInfo

	// LevelWarn is for recoverable issues that deserve attention.
	LevelWarn

	// LevelError is for operation failures.
	LevelError
)

// String returns the level name in uppercase.
//
// Returns:
//   - string: "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN"
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name to a Level.
//
// Matching is case-insensitive in spirit but expects lowercase input,
// which is what the configuration layer validates and passes down.
// Unknown names fall back to Info.
//
// Parameters:
//   - name: "debug", "info", "warn", or "error"
//
// Returns:
//   - Level: The matching level, or LevelInfo for unknown names
func ParseLevel(name string) Level {
	switch name {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// toSlogLevel converts to the slog equivalent.
//
// Unknown levels default to Info rather than failing, so a
// misconfigured level degrades to normal verbosity.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// defaultMaxSizeMB bounds a log file when the caller leaves the
// rotation size unset.
const defaultMaxSizeMB = 20

// Config controls logger construction.
//
// The zero value produces a text logger writing to stderr at Debug
// level. Most callers set at least Level and Service.
type Config struct {
	// Level is the minimum severity to emit.
	Level Level

	// LogDir enables file logging when non-empty. The directory is
	// created if missing and supports ~ expansion. The active file is
	// named {Service}.log; rotated copies carry a timestamp suffix.
	LogDir string

	// Service identifies the component ("daemon", "cli"). It is
	// attached to every log line and names the log file.
	Service string

	// JSON switches the stderr handler from text to JSON. File output
	// is always JSON regardless of this setting.
	JSON bool

	// Quiet suppresses the stderr handler. File and exporter
	// destinations still receive entries. Useful when a TUI owns the
	// terminal.
	Quiet bool

	// MaxSizeMB is the size in megabytes at which the log file
	// rotates. Zero applies defaultMaxSizeMB.
	MaxSizeMB int

	// MaxBackups is how many rotated files to retain. Zero keeps all.
	MaxBackups int

	// MaxAgeDays prunes rotated files older than this. Zero keeps all.
	MaxAgeDays int

	// Exporter, when set, receives a copy of every emitted entry.
	Exporter LogExporter
}

// =============================================================================
// LogExporter Interface
// =============================================================================

// LogExporter ships log entries to an external destination.
//
// Implementations receive entries asynchronously from the logger and
// should buffer internally; a slow backend must not stall logging.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type LogExporter interface {
	// Export delivers one entry. Errors are dropped by the logger, so
	// implementations that care about delivery must retry internally.
	Export(ctx context.Context, entry LogEntry) error

	// Flush sends any buffered entries. Called on logger Close.
	Flush(ctx context.Context) error

	// Close releases exporter resources. Called after Flush.
	Close() error
}

// LogEntry is the exporter-facing representation of one log line.
//
// It carries everything a destination system needs to index the entry
// without re-parsing formatted output.
type LogEntry struct {
	// Timestamp when the log was generated (local time)
	Timestamp time.Time

	// Level of the log (Debug, Info, Warn, Error)
	Level Level

	// Message is the primary log message
	Message string

	// Service identifies the component (from Config.Service)
	Service string

	// Attrs contains all key-value attributes
	Attrs map[string]any
}

// =============================================================================
// Logger
// =============================================================================

// Logger provides structured logging with multi-destination output.
//
// Logger wraps slog.Logger with additional functionality:
//   - Multi-destination output (stderr + rotating file + export)
//   - Live level changes via a shared slog.LevelVar
//   - Proper cleanup via Close()
//
// # Thread Safety
//
// Logger is safe for concurrent use from multiple goroutines.
//
// # Resource Management
//
// Always call Close() when done with the logger so the file handle is
// released and the exporter is flushed:
//
//	logger := logging.New(config)
//	defer logger.Close()
//
// # Creating Child Loggers
//
// Use With() to create a logger with additional attributes:
//
//	sessionLogger := logger.With("session_id", id)
//	sessionLogger.Info("phase advanced")  // Includes session_id
type Logger struct {
	// slog is the underlying structured logger
	slog *slog.Logger

	// config stores the configuration for reference
	config Config

	// level is the live severity filter shared by all destinations
	level *slog.LevelVar

	// file is the rotating log sink (nil if file logging disabled)
	file *lumberjack.Logger

	// exporter is the optional log exporter
	exporter LogExporter

	// mu protects mutable state (file, exporter)
	mu sync.Mutex
}

// New creates a new Logger with the given configuration.
//
// This constructor sets up all logging destinations based on config:
//   - stderr handler (unless Quiet is true)
//   - rotating file handler (if LogDir is set)
//   - exporter (if Exporter is set)
//
// File logging is best-effort: if the directory cannot be created the
// logger still works with the remaining destinations.
//
// The returned Logger must be closed with Close() to release resources.
//
// Parameters:
//   - config: Logger configuration (see Config for options)
//
// Returns:
//   - *Logger: Configured logger ready for use
//
// Example:
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.altitude/logs",
//	    Service: "daemon",
//	})
//	defer logger.Close()
func New(config Config) *Logger {
	level := new(slog.LevelVar)
	level.Set(config.Level.toSlogLevel())

	opts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	if !config.Quiet {
		var stderrHandler slog.Handler
		if config.JSON {
			stderrHandler = slog.NewJSONHandler(os.Stderr, opts)
		} else {
			stderrHandler = slog.NewTextHandler(os.Stderr, opts)
		}
		handlers = append(handlers, stderrHandler)
	}

	logger := &Logger{
		config:   config,
		level:    level,
		exporter: config.Exporter,
	}

	if config.LogDir != "" {
		logDir := expandPath(config.LogDir)
		if err := os.MkdirAll(logDir, 0750); err == nil {
			serviceName := config.Service
			if serviceName == "" {
				serviceName = "altitude"
			}
			maxSize := config.MaxSizeMB
			if maxSize <= 0 {
				maxSize = defaultMaxSizeMB
			}
			logger.file = &lumberjack.Logger{
				Filename:   filepath.Join(logDir, serviceName+".log"),
				MaxSize:    maxSize,
				MaxBackups: config.MaxBackups,
				MaxAge:     config.MaxAgeDays,
			}
			// Always use JSON for file logs (machine-parseable)
			handlers = append(handlers, slog.NewJSONHandler(logger.file, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		// Fallback: at least write to stderr
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	// Add service attribute to all logs
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns a logger with default settings.
//
// The default configuration:
//   - Level: Info
//   - Output: stderr only
//   - Format: text (human-readable)
//   - Service: "altitude"
//
// This is suitable for one-shot CLI commands that don't need file
// logging or export.
//
// Returns:
//   - *Logger: Default-configured logger
func Default() *Logger {
	return New(Config{
		Level:   LevelInfo,
		Service: "altitude",
	})
}

// Debug logs a message at Debug level.
//
// Debug messages are for development troubleshooting and are
// typically filtered out in production (Level >= Info).
//
// Parameters:
//   - msg: The log message
//   - args: Key-value pairs of attributes (e.g., "cycle", 2)
func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, msg, args...)
}

// Info logs a message at Info level.
//
// Info messages indicate normal operational events that confirm the
// system is working correctly.
//
// Parameters:
//   - msg: The log message
//   - args: Key-value pairs of attributes
//
// Example:
//
//	logger.Info("phase advanced",
//	    "session_id", id,
//	    "phase", next,
//	    "cycle", cycle,
//	)
func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs a message at Warn level.
//
// Warn messages indicate potentially problematic situations that don't
// prevent the system from continuing.
//
// Parameters:
//   - msg: The log message
//   - args: Key-value pairs of attributes
func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, msg, args...)
}

// Error logs a message at Error level.
//
// Error messages indicate operation failures. The system continues but
// the specific operation did not succeed.
//
// Note: For fatal errors that should terminate the program, use
// Error() followed by os.Exit() or panic.
//
// Parameters:
//   - msg: The log message
//   - args: Key-value pairs of attributes
func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, msg, args...)
}

// With returns a new Logger with additional attributes.
//
// The returned logger includes all attributes from the parent plus the
// new ones, and shares the parent's level, file sink, and exporter.
// The parent logger is not modified.
//
// Parameters:
//   - args: Key-value pairs of attributes to add
//
// Returns:
//   - *Logger: New logger with additional attributes
//
// Example:
//
//	sessionLogger := logger.With("session_id", id)
//	sessionLogger.Info("paused")
//	sessionLogger.Info("resumed")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:     l.slog.With(args...),
		config:   l.config,
		level:    l.level,    // Share level filter
		file:     l.file,     // Share file sink
		exporter: l.exporter, // Share exporter
	}
}

// Slog returns the underlying slog.Logger.
//
// This is the bridge to packages that accept *slog.Logger directly,
// and provides access to slog features not exposed by this wrapper.
//
// Returns:
//   - *slog.Logger: The underlying structured logger
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// LevelVar returns the live severity filter.
//
// Setting it changes the threshold for every destination at once, so
// a configuration watcher can flip a running daemon to debug logging
// without restarting it.
//
// Returns:
//   - *slog.LevelVar: The shared level filter
func (l *Logger) LevelVar() *slog.LevelVar {
	return l.level
}

// Close flushes and closes the logger.
//
// This method:
//  1. Flushes the exporter (sends buffered entries)
//  2. Closes the exporter connection
//  3. Closes the rotating log file
//
// Always call Close when done with a logger that has file logging or
// an exporter configured.
//
// Returns:
//   - error: First error encountered during cleanup (others logged)
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error

	// Flush and close exporter
	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		if err := l.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
	}

	// Close the rotating file sink
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// log is the internal method that writes to all destinations.
func (l *Logger) log(level Level, msg string, args ...any) {
	// Write to slog (handles stderr and file)
	switch level {
	case LevelDebug:
		l.slog.Debug(msg, args...)
	case LevelInfo:
		l.slog.Info(msg, args...)
	case LevelWarn:
		l.slog.Warn(msg, args...)
	case LevelError:
		l.slog.Error(msg, args...)
	}

	// Export (if configured). The live level gates export too, so a
	// daemon flipped to debug starts exporting debug entries.
	if l.exporter != nil && level.toSlogLevel() >= l.level.Level() {
		entry := LogEntry{
			Timestamp: time.Now(),
			Level:     level,
			Message:   msg,
			Service:   l.config.Service,
			Attrs:     argsToMap(args),
		}
		// Async export to avoid blocking the log call
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = l.exporter.Export(ctx, entry) // Errors are silently dropped
		}()
	}
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans out log records to multiple slog handlers.
//
// This enables simultaneous output to stderr and file with different
// formats (text vs JSON).
type multiHandler struct {
	handlers []slog.Handler
}

// Enabled returns true if any handler is enabled for the level.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle sends the record to all enabled handlers.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// WithAttrs returns a new handler with additional attributes.
func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

// WithGroup returns a new handler with a group name.
func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// =============================================================================
// Helper Functions
// =============================================================================

// expandPath expands ~ to the user's home directory.
//
// Examples:
//   - "~/.altitude/logs" -> "/home/user/.altitude/logs"
//   - "/var/log" -> "/var/log" (unchanged)
//   - "relative/path" -> "relative/path" (unchanged)
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// argsToMap converts slog-style key-value args to a map.
//
// This is used for LogEntry.Attrs when exporting. Non-string keys and
// a trailing orphan value are dropped.
func argsToMap(args []any) map[string]any {
	result := make(map[string]any)
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			result[key] = args[i+1]
		}
	}
	return result
}

// =============================================================================
// Built-in Exporters
// =============================================================================

// NopExporter is a no-op exporter that discards all entries.
//
// Useful for testing or when export is disabled.
type NopExporter struct{}

// Export discards the entry (no-op).
func (e *NopExporter) Export(ctx context.Context, entry LogEntry) error { return nil }

// Flush is a no-op.
func (e *NopExporter) Flush(ctx context.Context) error { return nil }

// Close is a no-op.
func (e *NopExporter) Close() error { return nil }

// Ensure NopExporter implements LogExporter
var _ LogExporter = (*NopExporter)(nil)

// BufferedExporter collects log entries in memory.
//
// Useful for testing to verify log output:
//
//	exporter := logging.NewBufferedExporter()
//	logger := logging.New(logging.Config{Exporter: exporter})
//
//	logger.Info("test message", "key", "value")
//
//	entries := exporter.Entries()
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewBufferedExporter creates a new BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{
		entries: make([]LogEntry, 0, 100),
	}
}

// Export adds the entry to the buffer.
func (e *BufferedExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

// Flush is a no-op (entries are already in memory).
func (e *BufferedExporter) Flush(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (e *BufferedExporter) Close() error {
	return nil
}

// Entries returns a copy of all collected entries.
//
// The returned slice is a copy; modifications don't affect the
// exporter's internal buffer.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]LogEntry, len(e.entries))
	copy(result, e.entries)
	return result
}

// WriterExporter writes log entries to an io.Writer.
//
// Useful for testing or directing logs to a custom destination.
type WriterExporter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriterExporter creates a new WriterExporter.
func NewWriterExporter(w io.Writer) *WriterExporter {
	return &WriterExporter{w: w}
}

// Export writes the entry to the writer.
func (e *WriterExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := fmt.Fprintf(e.w, "[%s] %s: %s %v\n",
		entry.Timestamp.Format(time.RFC3339),
		entry.Level,
		entry.Message,
		entry.Attrs,
	)
	return err
}

// Flush is a no-op (writes are immediate).
func (e *WriterExporter) Flush(ctx context.Context) error { return nil }

// Close is a no-op (doesn't own the writer).
func (e *WriterExporter) Close() error { return nil }
