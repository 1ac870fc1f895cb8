// Package logging provides the leveled, component-tagged logger used by the
// server channel layer. Subsystems obtain a named sub-logger via Component;
// the level is shared process-wide so one knob silences the whole layer.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level represents log severity levels
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

// ParseLevel maps a level name to a Level; unknown names fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// core is the shared sink behind a logger and all its components.
type core struct {
	mu     sync.RWMutex
	level  Level
	logger *log.Logger
}

func (c *core) threshold() Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level
}

// Logger emits leveled messages, optionally tagged with a component name.
// Component loggers share their parent's sink and level.
type Logger struct {
	core      *core
	component string
}

// New creates a logger writing to out at the given level.
func New(out io.Writer, level Level) *Logger {
	return &Logger{core: &core{
		level:  level,
		logger: log.New(out, "", log.LstdFlags|log.LUTC),
	}}
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the process-wide logger instance
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(os.Stderr, LevelInfo)
	})
	return defaultLogger
}

// Component returns a logger whose messages carry the given tag, e.g.
// "[WARN] drdynvc: dropping PDU". Nested components join with a slash.
func (l *Logger) Component(name string) *Logger {
	tag := name
	if l.component != "" {
		tag = l.component + "/" + name
	}
	return &Logger{core: l.core, component: tag}
}

// SetLevel sets the minimum log level shared by this logger and every
// logger derived from it.
func (l *Logger) SetLevel(level Level) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.level = level
}

// SetLevelFromString sets the log level from a level name
func (l *Logger) SetLevelFromString(levelStr string) {
	l.SetLevel(ParseLevel(levelStr))
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() Level {
	return l.core.threshold()
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level < l.core.threshold() {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if l.component != "" {
		l.core.logger.Printf("[%s] %s: %s", levelNames[level], l.component, msg)
		return
	}
	l.core.logger.Printf("[%s] %s", levelNames[level], msg)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Package-level convenience functions

// Component returns a tagged logger derived from the default logger
func Component(name string) *Logger {
	return Default().Component(name)
}

// SetLevel sets the default logger's level
func SetLevel(level Level) {
	Default().SetLevel(level)
}

// SetLevelFromString sets the default logger's level from a level name
func SetLevelFromString(levelStr string) {
	Default().SetLevelFromString(levelStr)
}

// Debug logs a debug message to the default logger
func Debug(format string, args ...interface{}) {
	Default().Debug(format, args...)
}

// Info logs an info message to the default logger
func Info(format string, args ...interface{}) {
	Default().Info(format, args...)
}

// Warn logs a warning message to the default logger
func Warn(format string, args ...interface{}) {
	Default().Warn(format, args...)
}

// Error logs an error message to the default logger
func Error(format string, args ...interface{}) {
	Default().Error(format, args...)
}
