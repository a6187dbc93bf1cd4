// Package logging provides global logging functions for ZeroClaw.
// Use dot import to access L_info, L_error, etc. directly.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// Log levels
const (
	LevelFatal = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var (
	logger *log.Logger
	once   sync.Once
)

// Config holds logging configuration
type Config struct {
	Level      int
	TimeFormat string
	ShowCaller bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		TimeFormat: "15:04:05",
		ShowCaller: true,
	}
}

// Init initializes the global logger. Safe to call multiple times.
func Init(cfg *Config) {
	once.Do(func() {
		if cfg == nil {
			cfg = DefaultConfig()
		}

		logger = log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			TimeFormat:      cfg.TimeFormat,
			ReportCaller:    cfg.ShowCaller,
			CallerOffset:    2, // Skip two frames (logMsg -> L_* -> caller)
		})

		// charmbracelet has no trace level; trace and debug both map to debug.
		switch cfg.Level {
		case LevelTrace, LevelDebug:
			logger.SetLevel(log.DebugLevel)
		case LevelInfo:
			logger.SetLevel(log.InfoLevel)
		case LevelWarn:
			logger.SetLevel(log.WarnLevel)
		case LevelError, LevelFatal:
			logger.SetLevel(log.ErrorLevel)
		}
	})
}

// ensureInit ensures logger is initialized with defaults if not already
func ensureInit() {
	if logger == nil {
		Init(nil)
	}
}

// hasFmtVerb checks if a string contains printf-style format verbs
func hasFmtVerb(s string) bool {
	for i := 0; i < len(s)-1; i++ {
		if s[i] == '%' {
			next := s[i+1]
			// Common format verbs: v, s, d, f, t, p, etc. Also %% is escape
			if next != '%' && strings.ContainsRune("vsdtfgeopqxXbcUT+#", rune(next)) {
				return true
			}
		}
	}
	return false
}

// logMsg handles the flexible logging format:
// - logMsg(level, "message") -> simple
// - logMsg(level, "value is %d", 42) -> printf
// - logMsg(level, "loaded", "key", val, ...) -> structured
func logMsg(level log.Level, msg string, args ...interface{}) {
	ensureInit()

	var finalMsg string
	var keyvals []interface{}

	if len(args) == 0 {
		// Simple message
		finalMsg = msg
	} else if hasFmtVerb(msg) {
		// Printf style
		finalMsg = fmt.Sprintf(msg, args...)
	} else {
		// Structured: msg is the message, args are key-value pairs
		finalMsg = msg
		keyvals = args
	}

	switch level {
	case log.DebugLevel:
		logger.Debug(finalMsg, keyvals...)
	case log.InfoLevel:
		logger.Info(finalMsg, keyvals...)
	case log.WarnLevel:
		logger.Warn(finalMsg, keyvals...)
	case log.ErrorLevel:
		logger.Error(finalMsg, keyvals...)
	}
}

// L_debug logs at debug level
func L_debug(msg string, args ...interface{}) {
	logMsg(log.DebugLevel, msg, args...)
}

// L_info logs at info level
func L_info(msg string, args ...interface{}) {
	logMsg(log.InfoLevel, msg, args...)
}

// L_warn logs at warn level
func L_warn(msg string, args ...interface{}) {
	logMsg(log.WarnLevel, msg, args...)
}

// L_error logs at error level
func L_error(msg string, args ...interface{}) {
	logMsg(log.ErrorLevel, msg, args...)
}
