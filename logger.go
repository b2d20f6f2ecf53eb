package s3orm

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Logger provides structured logging for s3orm operations.
// Fields are alternating key/value pairs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// NoOpLogger is a logger that does nothing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, fields ...interface{}) {}
func (l *NoOpLogger) Info(msg string, fields ...interface{})  {}
func (l *NoOpLogger) Warn(msg string, fields ...interface{})  {}
func (l *NoOpLogger) Error(msg string, fields ...interface{}) {}

// StdLogger writes key=value lines to an io.Writer (stderr by default).
// Meant for development; use ZapLogger in production.
type StdLogger struct {
	prefix string
	out    io.Writer
	mu     sync.Mutex
}

func NewStdLogger(prefix string) *StdLogger {
	return &StdLogger{prefix: prefix, out: os.Stderr}
}

// NewStdLoggerTo creates a StdLogger writing to w
func NewStdLoggerTo(prefix string, w io.Writer) *StdLogger {
	return &StdLogger{prefix: prefix, out: w}
}

func (l *StdLogger) Debug(msg string, fields ...interface{}) {
	l.log("DEBUG", msg, fields...)
}

func (l *StdLogger) Info(msg string, fields ...interface{}) {
	l.log("INFO", msg, fields...)
}

func (l *StdLogger) Warn(msg string, fields ...interface{}) {
	l.log("WARN", msg, fields...)
}

func (l *StdLogger) Error(msg string, fields ...interface{}) {
	l.log("ERROR", msg, fields...)
}

func (l *StdLogger) log(level string, msg string, fields ...interface{}) {
	var sb strings.Builder
	if l.prefix != "" {
		sb.WriteString(l.prefix)
		sb.WriteString(" ")
	}
	sb.WriteString("[" + level + "] " + msg)
	for i := 0; i+1 < len(fields); i += 2 {
		sb.WriteString(" " + toString(fields[i]) + "=" + toString(fields[i+1]))
	}
	sb.WriteString("\n")

	out := l.out
	if out == nil {
		out = os.Stderr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(out, sb.String())
}

func toString(v interface{}) string {
	if v == nil {
		return "<nil>"
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
