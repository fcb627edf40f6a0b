// Package logging defines the Logger interface every component takes at
// construction time instead of reaching for a package-global logger.
package logging

import (
	"io"
)

// Logger is the structured-logging surface this module actually exercises:
// field-scoped loggers plus the six level methods components call. Trimmed
// from the teacher's broader interface (no Printf/ln-family methods, no
// Warning alias) since nothing here calls those.
type Logger interface {
	// WithField creates a new logger with an additional field
	WithField(key string, value interface{}) Logger
	// WithFields creates a new logger with additional fields
	WithFields(fields map[string]interface{}) Logger
	// WithError creates a new logger with an error field
	WithError(err error) Logger

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
	Panic(args ...interface{})

	// Writer returns a PipeWriter that writes to the logger
	Writer() *io.PipeWriter
}
