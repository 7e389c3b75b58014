// Package logger provides leveled logging for the Kumo engine, backed by
// zerolog with an optional file sink alongside the console.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger behind the small leveled API the rest of
// the engine uses.
type Logger struct {
	zl      zerolog.Logger
	debug   bool
	logFile *os.File
}

// New creates a Logger writing to stderr.
func New(debug bool) *Logger {
	return newLogger(debug, nil)
}

// NewWithFile creates a Logger that writes to both stderr and a file.
func NewWithFile(debug bool, logFilePath string) (*Logger, error) {
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	l := newLogger(debug, logFile)
	l.logFile = logFile
	return l, nil
}

func newLogger(debug bool, extra io.Writer) *Logger {
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	var out io.Writer = console
	if extra != nil {
		out = zerolog.MultiLevelWriter(console, extra)
	}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zl := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &Logger{zl: zl, debug: debug}
}

// Close closes the log file if one is open.
func (l *Logger) Close() error {
	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}

// With returns a child logger with a constant string field attached.
func (l *Logger) With(key, value string) *Logger {
	child := *l
	child.zl = l.zl.With().Str(key, value).Logger()
	return &child
}

// Info logs an informational message.
func (l *Logger) Info(msg string) { l.zl.Info().Msg(msg) }

// Infof logs a formatted informational message.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.zl.Info().Msgf(format, args...)
}

// Success logs a success message.
func (l *Logger) Success(msg string) { l.zl.Info().Str("status", "done").Msg(msg) }

// Successf logs a formatted success message.
func (l *Logger) Successf(format string, args ...interface{}) {
	l.zl.Info().Str("status", "done").Msgf(format, args...)
}

// Warning logs a warning message.
func (l *Logger) Warning(msg string) { l.zl.Warn().Msg(msg) }

// Warningf logs a formatted warning message.
func (l *Logger) Warningf(format string, args ...interface{}) {
	l.zl.Warn().Msgf(format, args...)
}

// Error logs an error message.
func (l *Logger) Error(msg string) { l.zl.Error().Msg(msg) }

// Errorf logs a formatted error message.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.zl.Error().Msgf(format, args...)
}

// Debug logs a debug message (only if debug mode is enabled).
func (l *Logger) Debug(msg string) { l.zl.Debug().Msg(msg) }

// Debugf logs a formatted debug message (only if debug mode is enabled).
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.zl.Debug().Msgf(format, args...)
}

// GetTimestamp returns a timestamp string in the format YYYYMMDD-HHMMSS.
func GetTimestamp() string {
	return time.Now().Format("20060102-150405")
}
