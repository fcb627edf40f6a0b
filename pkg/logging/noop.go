package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NewNoopLogger returns a Logger backed by logrus with output discarded,
// for use in tests and embedders that don't want log output.
func NewNoopLogger() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewLogrusAdapter(l)
}
