package kmem

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"
)

// LogLevel represents the logging level
type LogLevel int32

const (
	// LogLevelNone disables all logging
	LogLevelNone LogLevel = iota

	// LogLevelFatal enables fatal logging
	LogLevelFatal

	// LogLevelError enables error logging
	LogLevelError
	// LogLevelInfo enables info and error logging
	LogLevelInfo
	// LogLevelDebug enables all logging
	LogLevelDebug
)

var currentLogLevel atomic.Int32

var logger atomic.Pointer[slog.Logger]

func init() {
	currentLogLevel.Store(int32(LogLevelInfo))
	SetLogOutput(os.Stderr)
}

// SetLogLevel changes the level for all allocator logging
func SetLogLevel(level LogLevel) {
	currentLogLevel.Store(int32(level))
}

// SetLogOutput redirects allocator logging to w
func SetLogOutput(w io.Writer) {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelDebug,
	})
	logger.Store(slog.New(h).With("component", "kmem"))
}

func enabled(level LogLevel) bool {
	return LogLevel(currentLogLevel.Load()) >= level
}

// output records the message with the caller's source position
func output(level slog.Level, format string, v ...interface{}) {
	l := logger.Load()
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, fmt.Sprintf(format, v...), pcs[0])
	_ = l.Handler().Handle(context.Background(), r)
}

// Debug logs debug information
func Debug(format string, v ...interface{}) {
	if enabled(LogLevelDebug) {
		output(slog.LevelDebug, format, v...)
	}
}

// Info logs informational messages
func Info(format string, v ...interface{}) {
	if enabled(LogLevelInfo) {
		output(slog.LevelInfo, format, v...)
	}
}

// Error logs error information
func Error(format string, v ...interface{}) {
	if enabled(LogLevelError) {
		output(slog.LevelError, format, v...)
	}
}

// exit is swapped out by tests
var exit = os.Exit

// Fatal logs fatal information and exits
func Fatal(format string, v ...interface{}) {
	if enabled(LogLevelFatal) {
		output(slog.LevelError+4, format, v...)
	}
	exit(1)
}
