// Package log provides a thin package-level wrapper around logrus so
// callers never import logrus directly.
package log

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
)

type Fields = logrus.Fields

var global = newDefault()

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	if os.Getenv("LOG_FORMAT") == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l
}

// Init (re)configures the global logger from config-derived settings.
func Init(level string, textFormat bool) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	global.SetLevel(lvl)
	if textFormat {
		global.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		global.SetFormatter(&logrus.JSONFormatter{})
	}
}

// ctxKey correlates a VIN/session/cycle with every log line emitted
// through WithContext without each call site threading the fields by hand.
type ctxKey struct{}

// WithVIN returns a context carrying vin for later log correlation.
func WithVIN(ctx context.Context, vin string) context.Context {
	return withFields(ctx, Fields{"vin": vin})
}

// WithSession returns a context carrying a session_id for correlation.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return withFields(ctx, Fields{"session_id": sessionID})
}

// WithCycle returns a context carrying a cycle_id for correlation.
func WithCycle(ctx context.Context, cycleID string) context.Context {
	return withFields(ctx, Fields{"cycle_id": cycleID})
}

func withFields(ctx context.Context, f Fields) context.Context {
	merged := Fields{}
	if existing, ok := ctx.Value(ctxKey{}).(Fields); ok {
		for k, v := range existing {
			merged[k] = v
		}
	}
	for k, v := range f {
		merged[k] = v
	}
	return context.WithValue(ctx, ctxKey{}, merged)
}

func entryFor(ctx context.Context) *logrus.Entry {
	if f, ok := ctx.Value(ctxKey{}).(Fields); ok {
		return global.WithFields(f)
	}
	return logrus.NewEntry(global)
}

func Info(args ...interface{})                  { global.Info(args...) }
func Infof(format string, args ...interface{})  { global.Infof(format, args...) }
func Warn(args ...interface{})                  { global.Warn(args...) }
func Warnf(format string, args ...interface{})  { global.Warnf(format, args...) }
func Error(args ...interface{})                 { global.Error(args...) }
func Errorf(format string, args ...interface{}) { global.Errorf(format, args...) }
func Debug(args ...interface{})                 { global.Debug(args...) }
func Debugf(format string, args ...interface{}) { global.Debugf(format, args...) }

func InfoCtx(ctx context.Context, args ...interface{})  { entryFor(ctx).Info(args...) }
func WarnCtx(ctx context.Context, args ...interface{})  { entryFor(ctx).Warn(args...) }
func ErrorCtx(ctx context.Context, args ...interface{}) { entryFor(ctx).Error(args...) }

func InfofCtx(ctx context.Context, format string, args ...interface{}) {
	entryFor(ctx).Infof(format, args...)
}
func WarnfCtx(ctx context.Context, format string, args ...interface{}) {
	entryFor(ctx).Warnf(format, args...)
}
func ErrorfCtx(ctx context.Context, format string, args ...interface{}) {
	entryFor(ctx).Errorf(format, args...)
}

// WithFields returns a *logrus.Entry for call sites that want to attach
// one-off structured fields without going through a context.
func WithFields(f Fields) *logrus.Entry {
	return global.WithFields(f)
}
