// Package logrus adapts logrus to the domain Logger interface.
package logrus

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/ochairo/treefmt-mirror/internal/domain/interfaces"
)

// Logger implements interfaces.Logger on a logrus logger
type Logger struct {
	entry *logrus.Entry
}

// New wraps a logrus logger
func New(logger *logrus.Logger) *Logger {
	return &Logger{entry: logrus.NewEntry(logger)}
}

// NewStandard returns the process-wide logrus logger, configured by the CLI
func NewStandard() *Logger {
	return New(logrus.StandardLogger())
}

// NewText creates a logger writing timestamped text to w at the given level
func NewText(w io.Writer, level logrus.Level) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return New(l)
}

// With returns a logger that adds fields to every entry
func (l *Logger) With(fields ...interfaces.Field) *Logger {
	return &Logger{entry: l.entry.WithFields(toFields(fields))}
}

// Debug logs debug-level messages
func (l *Logger) Debug(msg string, fields ...interfaces.Field) {
	l.entry.WithFields(toFields(fields)).Debug(msg)
}

// Info logs informational messages
func (l *Logger) Info(msg string, fields ...interfaces.Field) {
	l.entry.WithFields(toFields(fields)).Info(msg)
}

// Warn logs warning messages
func (l *Logger) Warn(msg string, fields ...interfaces.Field) {
	l.entry.WithFields(toFields(fields)).Warn(msg)
}

// Error logs error messages
func (l *Logger) Error(msg string, fields ...interfaces.Field) {
	l.entry.WithFields(toFields(fields)).Error(msg)
}

func toFields(fields []interfaces.Field) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for _, f := range fields {
		out[f.Key] = f.Value
	}
	return out
}
