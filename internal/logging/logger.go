// Package logging provides structured logging for the secure index core.
package logging

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried by this package.
type ContextKey string

// TraceIDKey is the context key used to correlate a chain of operations.
const TraceIDKey ContextKey = "trace_id"

// Logger wraps logrus.Logger with secure-index specific structured helpers.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the given component. level and format are passed
// in explicitly by the caller; this package never reads the environment
// itself (configuration loading is an external collaborator, per spec §1).
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	return &Logger{Logger: logger, component: component}
}

// WithContext attaches the trace ID carried in ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	return entry
}

// WithTraceID returns ctx annotated with a trace ID for downstream logging.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// LogCryptoOperation logs a sealer/index-engine cryptographic operation.
func (l *Logger) LogCryptoOperation(ctx context.Context, operation string, err error) {
	entry := l.WithContext(ctx).WithField("operation", operation)
	if err != nil {
		entry.WithError(err).Error("cryptographic operation failed")
		return
	}
	entry.Debug("cryptographic operation completed")
}

// LogDatabaseQuery logs a record-store SQL round-trip.
func (l *Logger) LogDatabaseQuery(ctx context.Context, query string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"query":       query,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("database query failed")
		return
	}
	entry.Debug("database query executed")
}

// LogCacheEvent logs an LRU cache hit, miss, or invalidation.
func (l *Logger) LogCacheEvent(ctx context.Context, cache, event string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"cache": cache,
		"event": event,
	}).Debug("cache event")
}

// LogKeyLifecycle logs a key-vault operation (generate, rotate, backup, restore).
func (l *Logger) LogKeyLifecycle(ctx context.Context, operation string, err error) {
	entry := l.WithContext(ctx).WithField("operation", operation)
	if err != nil {
		entry.WithError(err).Warn("key lifecycle operation failed")
		return
	}
	entry.Info("key lifecycle operation completed")
}
