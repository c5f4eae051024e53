// Package logger provides a simple leveled logging utility.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Level is a logging severity level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu           sync.RWMutex
	currentLevel = LevelInfo
	output       io.Writer = os.Stderr
)

// SetLevel sets the current log level.
func SetLevel(level Level) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// SetLevelFromString sets the log level from its string name.
func SetLevelFromString(level string) {
	switch strings.ToLower(level) {
	case "debug":
		SetLevel(LevelDebug)
	case "info":
		SetLevel(LevelInfo)
	case "warn", "warning":
		SetLevel(LevelWarn)
	case "error":
		SetLevel(LevelError)
	default:
		SetLevel(LevelInfo)
	}
}

// SetOutput redirects log output; used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

// IsDebugEnabled reports whether debug logging is enabled.
func IsDebugEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel <= LevelDebug
}

func logf(level Level, tag, format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	if currentLevel <= level {
		fmt.Fprintf(output, tag+format+"\n", args...)
	}
}

// Debug logs at debug level.
func Debug(format string, args ...any) {
	logf(LevelDebug, "[DEBUG] ", format, args...)
}

// Info logs at info level.
func Info(format string, args ...any) {
	logf(LevelInfo, "[INFO] ", format, args...)
}

// Warn logs at warning level.
func Warn(format string, args ...any) {
	logf(LevelWarn, "[WARN] ", format, args...)
}

// Error logs at error level.
func Error(format string, args ...any) {
	logf(LevelError, "[ERROR] ", format, args...)
}

// Log logs at the given level. Policy-driven callers pick the level at
// runtime.
func Log(level Level, format string, args ...any) {
	switch level {
	case LevelDebug:
		Debug(format, args...)
	case LevelInfo:
		Info(format, args...)
	case LevelWarn:
		Warn(format, args...)
	default:
		Error(format, args...)
	}
}
