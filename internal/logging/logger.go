// Package logging provides the leveled logger used throughout the rebuild
// engine for observability. Nothing in this package influences control flow;
// it is purely for operators inspecting job behavior after the fact.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) toHclog() hclog.Level {
	switch l {
	case LevelDebug:
		return hclog.Debug
	case LevelWarn:
		return hclog.Warn
	case LevelError:
		return hclog.Error
	default:
		return hclog.Info
	}
}

// Config holds logging configuration.
type Config struct {
	Level LogLevel
	// Format is "text" (default) or "json".
	Format  string
	Output  io.Writer
	NoColor bool
	// Sync forces synchronous writes; hclog is synchronous by default, this
	// field exists so callers can build a Config literal without caring.
	Sync bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// Logger wraps an hclog.Logger with the level/convenience API the rest of
// the engine expects.
type Logger struct {
	hl hclog.Logger
}

// NewLogger creates a new logger from the given configuration.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	color := hclog.AutoColor
	if config.NoColor {
		color = hclog.ColorOff
	}

	hl := hclog.New(&hclog.LoggerOptions{
		Name:       "rebuild",
		Level:      config.Level.toHclog(),
		Output:     output,
		JSONFormat: config.Format == "json",
		Color:      color,
	})

	return &Logger{hl: hl}
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the process-wide default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// WithJob returns a derived logger that tags every line with the job ID.
func (l *Logger) WithJob(jobID string) *Logger {
	return &Logger{hl: l.hl.With("job_id", jobID)}
}

// WithTask returns a derived logger tagged with a copy-task slot index.
func (l *Logger) WithTask(slot int) *Logger {
	return &Logger{hl: l.hl.With("task_slot", slot)}
}

// WithError returns a derived logger that carries an error value.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{hl: l.hl.With("error", err)}
}

func (l *Logger) Debug(msg string, args ...any) { l.hl.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.hl.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.hl.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.hl.Error(msg, args...) }

// Printf-style logging, kept for callers that prefer fmt-style formatting.
func (l *Logger) Debugf(format string, args ...any) { l.hl.Debug(fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...any)  { l.hl.Info(fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...any)  { l.hl.Warn(fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...any) { l.hl.Error(fmt.Sprintf(format, args...)) }

// Printf logs at info level, matching the engine's Logger contract.
func (l *Logger) Printf(format string, args ...any) { l.Infof(format, args...) }

// Global convenience functions operating on the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
