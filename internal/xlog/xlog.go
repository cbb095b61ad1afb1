// Package xlog wraps github.com/sirupsen/logrus behind a small interface so
// internal packages depend on a logging contract rather than a concrete
// logger. Components log through this interface: tracker announces, dial
// failures and session closes, piece verified/failed, peer bans,
// preallocation, and closing the output files.
package xlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Fields is a set of structured log fields, e.g. {"piece": 5, "peer": addr}.
type Fields map[string]any

// Logger is the logging contract the rest of the module depends on.
type Logger interface {
	WithFields(Fields) Logger
	Debug(args ...any)
	Info(args ...any)
	Warn(args ...any)
	Error(args ...any)
}

// logrusLogger adapts *logrus.Entry to Logger.
type logrusLogger struct {
	entry *logrus.Entry
}

// New builds a Logger backed by logrus, writing to w at the given level.
// level is one of logrus's level names ("debug", "info", "warn", "error");
// an unrecognised value falls back to "info".
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

// Discard returns a Logger that drops everything, for tests that don't care
// about log output.
func Discard() Logger {
	return New(io.Discard, "error")
}

// Default returns a Logger writing to stderr at info level. cmd/reaper does
// not use it; it calls New with the level from its -log-level flag.
func Default() Logger {
	return New(os.Stderr, "info")
}

func (l *logrusLogger) WithFields(f Fields) Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(f))}
}

func (l *logrusLogger) Debug(args ...any) { l.entry.Debug(args...) }
func (l *logrusLogger) Info(args ...any)  { l.entry.Info(args...) }
func (l *logrusLogger) Warn(args ...any)  { l.entry.Warn(args...) }
func (l *logrusLogger) Error(args ...any) { l.entry.Error(args...) }
