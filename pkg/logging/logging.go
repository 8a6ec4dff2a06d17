// Package logging defines the logging surface shared by all engine
// components.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is a bridging interface between logrus and embedding applications'
// logging types.
type Logger interface {
	logrus.FieldLogger
	Writer() *io.PipeWriter
}

// NewLogger returns a logrus-backed Logger writing to w. Components derive
// their own loggers with WithField("component", ...).
func NewLogger(w io.Writer) Logger {
	log := logrus.New()
	log.SetOutput(w)
	return log
}

// Discard returns a Logger that drops all output. Used as the default when
// callers do not provide one.
func Discard() Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
