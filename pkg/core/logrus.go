package core

import (
	"io"

	"github.com/sirupsen/logrus"
)

// LogrusLogger adapts a logrus entry to Logger. The binary uses it so
// source failures carry structured fields.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger builds a text-formatted logrus logger writing to w.
func NewLogrusLogger(w io.Writer, level LogLevel) *LogrusLogger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(toLogrusLevel(level))
	if level == LogLevelSilent {
		l.SetOutput(io.Discard)
	}
	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

// WrapLogrus adapts an existing entry.
func WrapLogrus(entry *logrus.Entry) *LogrusLogger {
	return &LogrusLogger{entry: entry}
}

// WithField returns a child logger carrying key=value on every line.
func (l *LogrusLogger) WithField(key string, value interface{}) *LogrusLogger {
	return &LogrusLogger{entry: l.entry.WithField(key, value)}
}

func (l *LogrusLogger) Debug(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *LogrusLogger) Info(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *LogrusLogger) Warn(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *LogrusLogger) Error(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func toLogrusLevel(level LogLevel) logrus.Level {
	switch level {
	case LogLevelDebug:
		return logrus.DebugLevel
	case LogLevelWarn:
		return logrus.WarnLevel
	case LogLevelError, LogLevelSilent:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
