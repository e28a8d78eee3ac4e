// Package vlog provides the shared logging seam used by the server's
// packages. It generalizes the teacher's per-package Logger interface
// (doip.Logger, uds.Logger in the reference library) into one implementation
// backed by logrus.
package vlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is implemented by anything that can emit leveled, formatted
// messages. uds, session, acceptor and ecuapp all depend on this interface
// rather than a concrete logging library, matching the reference's
// per-package Logger seam.
type Logger interface {
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New returns a Logger writing formatted text to w at the given level name
// ("debug", "info", "warn", "error"). An unrecognized level falls back to
// info.
func New(w io.Writer, level string) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// Discard returns a Logger that drops everything, used by tests that don't
// care about log output.
func Discard() Logger {
	return New(io.Discard, "error")
}

// Default returns a Logger writing to stderr at info level.
func Default() Logger {
	return New(os.Stderr, "info")
}

func (l *logrusLogger) Debug(v ...interface{})                 { l.entry.Debug(v...) }
func (l *logrusLogger) Debugf(format string, v ...interface{}) { l.entry.Debugf(format, v...) }
func (l *logrusLogger) Info(v ...interface{})                  { l.entry.Info(v...) }
func (l *logrusLogger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *logrusLogger) Error(v ...interface{})                 { l.entry.Error(v...) }
func (l *logrusLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }

// With returns a derived Logger that annotates every message with the given
// field, used by cmd/vecud to tag each subsystem's log lines with its
// component name.
func With(l Logger, key string, value interface{}) Logger {
	ll, ok := l.(*logrusLogger)
	if !ok {
		return l
	}
	return &logrusLogger{entry: ll.entry.WithField(key, value)}
}
