// Package logging provides structured logging for the bus middleware.
// Backends log connection lifecycle and registration events through the
// Logger interface; applications inject their own implementation or use the
// leveled text logger provided here.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	buserr "github.com/rosbus/rosbus-go/pkg/errors"
)

// Level represents the severity of a log message
type Level int

const (
	// DebugLevel is for detailed information useful for debugging
	DebugLevel Level = iota - 1
	// InfoLevel is for general informational messages
	InfoLevel
	// WarnLevel is for warning messages
	WarnLevel
	// ErrorLevel is for error messages
	ErrorLevel
)

// String returns the string representation of a log level
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// String creates a string field
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int creates an integer field
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Bool creates a boolean field
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// ErrorField creates an error field
func ErrorField(err error) Field { return Field{Key: "error", Value: err} }

// Duration creates a duration field
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }

// Any creates a field with any value
func Any(key string, value interface{}) Field { return Field{Key: key, Value: value} }

// Logger is the interface for structured logging
type Logger interface {
	// Debug logs a debug message with fields
	Debug(msg string, fields ...Field)
	// Info logs an info message with fields
	Info(msg string, fields ...Field)
	// Warn logs a warning message with fields
	Warn(msg string, fields ...Field)
	// Error logs an error message with fields
	Error(msg string, fields ...Field)

	// WithFields returns a new logger with additional fields
	WithFields(fields ...Field) Logger
	// WithError returns a new logger carrying error context fields
	WithError(err error) Logger

	// SetLevel sets the minimum log level
	SetLevel(level Level)
}

// baseLogger is the standard text implementation of Logger
type baseLogger struct {
	mu     sync.RWMutex
	level  Level
	output io.Writer
	fields map[string]interface{}
}

// New creates a new leveled text logger writing to output.
func New(output io.Writer) Logger {
	if output == nil {
		output = os.Stderr
	}
	return &baseLogger{
		level:  InfoLevel,
		output: output,
		fields: make(map[string]interface{}),
	}
}

func (l *baseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields...) }
func (l *baseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields...) }
func (l *baseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields...) }
func (l *baseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields...) }

// WithFields returns a new logger with additional fields
func (l *baseLogger) WithFields(fields ...Field) Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	newFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for _, field := range fields {
		newFields[field.Key] = field.Value
	}

	return &baseLogger{
		level:  l.level,
		output: l.output,
		fields: newFields,
	}
}

// WithError returns a new logger carrying error context fields. Bus errors
// contribute their code, category and channel context.
func (l *baseLogger) WithError(err error) Logger {
	fields := []Field{ErrorField(err)}

	if busErr, ok := buserr.AsBusError(err); ok {
		fields = append(fields,
			Int("error_code", busErr.Code()),
			String("error_category", string(busErr.Category())),
		)
		if ctx := busErr.Context(); ctx != nil {
			if ctx.Topic != "" {
				fields = append(fields, String("topic", ctx.Topic))
			}
			if ctx.Service != "" {
				fields = append(fields, String("service", ctx.Service))
			}
			if ctx.Operation != "" {
				fields = append(fields, String("operation", ctx.Operation))
			}
		}
	}

	return l.WithFields(fields...)
}

// SetLevel sets the minimum log level
func (l *baseLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *baseLogger) log(level Level, msg string, fields ...Field) {
	l.mu.RLock()
	if level < l.level {
		l.mu.RUnlock()
		return
	}

	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	l.mu.RUnlock()

	for _, field := range fields {
		merged[field.Key] = field.Value
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", time.Now().Format(time.RFC3339), level, msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, merged[k])
	}
	b.WriteByte('\n')

	l.mu.RLock()
	defer l.mu.RUnlock()
	_, _ = io.WriteString(l.output, b.String())
}

// noopLogger discards everything
type noopLogger struct{}

// NewNoopLogger returns a logger that discards all messages. It is the
// default for backends constructed without an explicit logger.
func NewNoopLogger() Logger { return noopLogger{} }

func (noopLogger) Debug(string, ...Field)     {}
func (noopLogger) Info(string, ...Field)      {}
func (noopLogger) Warn(string, ...Field)      {}
func (noopLogger) Error(string, ...Field)     {}
func (noopLogger) WithFields(...Field) Logger { return noopLogger{} }
func (noopLogger) WithError(error) Logger     { return noopLogger{} }
func (noopLogger) SetLevel(Level)             {}
