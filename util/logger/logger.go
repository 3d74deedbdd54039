package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Level represents the logging level
type Level int32

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of the log level
func (lv Level) String() string {
	switch lv {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Logger writes leveled log lines tagged with a component name so output
// from different subsystems in the same process can be told apart.
type Logger struct {
	level     atomic.Int32
	component string
	out       *log.Logger
}

// NewLogger creates a Logger for the given component at the default INFO level.
func NewLogger(component string) *Logger {
	return NewLoggerWithWriter(component, os.Stdout)
}

// NewLoggerWithWriter creates a Logger that writes to w instead of stdout.
// Used by tests to capture output.
func NewLoggerWithWriter(component string, w io.Writer) *Logger {
	l := &Logger{
		component: component,
		out:       log.New(w, "", 0),
	}
	l.level.Store(int32(INFO))
	return l
}

// SetLevel sets the minimum level that will be written.
func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// GetLevel returns the current minimum level.
func (l *Logger) GetLevel() Level {
	return Level(l.level.Load())
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level < Level(l.level.Load()) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	l.out.Printf("[%s] [%s] [%s] %s", timestamp, level.String(), l.component, message)

	if level == FATAL {
		l.out.Print(string(debug.Stack()))
		os.Exit(1)
	}
}

// Debugf logs a debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Infof logs an info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warnf logs a warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Errorf logs an error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// Fatalf logs a fatal message with a stack trace and exits the program
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(FATAL, format, args...)
}
