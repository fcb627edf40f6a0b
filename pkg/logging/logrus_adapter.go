package logging

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/modelcore/runtime/pkg/internal/utils"
)

// LogrusAdapter wraps a logrus logger to implement our Logger interface.
// Every field value and log argument that is a string passes through
// SanitizeForLog before reaching logrus, so call sites never need to
// remember to scrub a model name, path, or job ID themselves.
type LogrusAdapter struct {
	logger *logrus.Logger
	entry  *logrus.Entry
}

// NewLogrusAdapter creates a new adapter from a logrus.Logger
func NewLogrusAdapter(logger *logrus.Logger) Logger {
	return &LogrusAdapter{
		logger: logger,
		entry:  logrus.NewEntry(logger),
	}
}

// NewLogrusAdapterFromEntry creates a new adapter from a logrus.Entry
func NewLogrusAdapterFromEntry(entry *logrus.Entry) Logger {
	return &LogrusAdapter{
		logger: entry.Logger,
		entry:  entry,
	}
}

func sanitizeValue(v interface{}) interface{} {
	if s, ok := v.(string); ok {
		return utils.SanitizeForLog(s)
	}
	return v
}

func sanitizeArgs(args []interface{}) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = sanitizeValue(a)
	}
	return out
}

// WithField creates a new logger with an additional field
func (l *LogrusAdapter) WithField(key string, value interface{}) Logger {
	return &LogrusAdapter{
		logger: l.logger,
		entry:  l.entry.WithField(key, sanitizeValue(value)),
	}
}

// WithFields creates a new logger with additional fields
func (l *LogrusAdapter) WithFields(fields map[string]interface{}) Logger {
	sanitized := make(logrus.Fields, len(fields))
	for k, v := range fields {
		sanitized[k] = sanitizeValue(v)
	}
	return &LogrusAdapter{
		logger: l.logger,
		entry:  l.entry.WithFields(sanitized),
	}
}

// WithError creates a new logger with an error field
func (l *LogrusAdapter) WithError(err error) Logger {
	return &LogrusAdapter{
		logger: l.logger,
		entry:  l.entry.WithError(err),
	}
}

// Debug logs a message at Debug level
func (l *LogrusAdapter) Debug(args ...interface{}) {
	l.entry.Debug(sanitizeArgs(args)...)
}

// Info logs a message at Info level
func (l *LogrusAdapter) Info(args ...interface{}) {
	l.entry.Info(sanitizeArgs(args)...)
}

// Warn logs a message at Warn level
func (l *LogrusAdapter) Warn(args ...interface{}) {
	l.entry.Warn(sanitizeArgs(args)...)
}

// Error logs a message at Error level
func (l *LogrusAdapter) Error(args ...interface{}) {
	l.entry.Error(sanitizeArgs(args)...)
}

// Fatal logs a message at Fatal level and exits
func (l *LogrusAdapter) Fatal(args ...interface{}) {
	l.entry.Fatal(sanitizeArgs(args)...)
}

// Panic logs a message at Panic level and panics
func (l *LogrusAdapter) Panic(args ...interface{}) {
	l.entry.Panic(sanitizeArgs(args)...)
}

// Writer returns a PipeWriter that writes to the logger at Info level
func (l *LogrusAdapter) Writer() *io.PipeWriter {
	return l.logger.Writer()
}
