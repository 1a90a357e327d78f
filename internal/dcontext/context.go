// Package dcontext provides helpers for carrying request-scoped loggers and
// values through a context.Context.
package dcontext

import (
	"context"

	"github.com/sirupsen/logrus"
)

type loggerKey struct{}

// Logger provides a leveled-logging interface backed by logrus.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	WithField(key string, value interface{}) *logrus.Entry
	WithFields(fields logrus.Fields) *logrus.Entry
	WithError(err error) *logrus.Entry
}

// Background returns the default background context for process startup.
func Background() context.Context {
	return context.Background()
}

// WithLogger returns a new context with the provided logger attached. Calls
// to GetLogger on the returned context resolve to this logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger returns the logger from the current context, if present, falling
// back to the standard logrus logger.
func GetLogger(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// GetLoggerWithField returns a logger with the field set, without modifying
// the context.
func GetLoggerWithField(ctx context.Context, key string, value interface{}) Logger {
	return GetLogger(ctx).WithField(key, value)
}

// GetLoggerWithFields returns a logger with the fields set, without modifying
// the context.
func GetLoggerWithFields(ctx context.Context, fields logrus.Fields) Logger {
	return GetLogger(ctx).WithFields(fields)
}
