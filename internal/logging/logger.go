package logging

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger wraps structured logging with OpenTelemetry integration.
// Provides a consistent logging interface across components and
// automatically correlates log entries with active spans.
type Logger struct {
	slogger *slog.Logger // structured logger implementation
	tracer  trace.Tracer // tracer for span creation and correlation
}

// NewLogger creates a structured JSON logger for the named service.
func NewLogger(service string) *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			return a
		},
	})

	return &Logger{
		slogger: slog.New(handler).With(slog.String("service", service)),
		tracer:  otel.Tracer(service),
	}
}

// Debug logs a debug-level message with trace correlation.
func (l *Logger) Debug(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.logWithTrace(ctx, slog.LevelDebug, msg, attrs...)
}

// Info logs an informational message with trace correlation.
func (l *Logger) Info(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.logWithTrace(ctx, slog.LevelInfo, msg, attrs...)
}

// Warn logs a warning message with trace correlation.
func (l *Logger) Warn(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.logWithTrace(ctx, slog.LevelWarn, msg, attrs...)
}

// Error logs an error with trace correlation and marks the active span
// as failed when one is recording.
func (l *Logger) Error(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))

		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
	}

	l.logWithTrace(ctx, slog.LevelError, msg, attrs...)
}

// Fatal logs an unrecoverable error and terminates the process.
func (l *Logger) Fatal(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	l.logWithTrace(ctx, slog.LevelError, msg, attrs...)
	os.Exit(1)
}

// logWithTrace attaches the active trace and span IDs so log entries
// can be joined against exported traces.
func (l *Logger) logWithTrace(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("span_id", span.SpanContext().SpanID().String()),
		)
	}

	l.slogger.LogAttrs(ctx, level, msg, attrs...)
}

// StartSpan creates a new span under the logger's tracer.
func (l *Logger) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
}

// WithFields returns a logger carrying pre-configured attributes,
// useful for tagging every entry of one connection with its peer.
func (l *Logger) WithFields(attrs ...slog.Attr) *Logger {
	anyAttrs := make([]any, len(attrs))
	for i, a := range attrs {
		anyAttrs[i] = a
	}
	return &Logger{
		slogger: l.slogger.With(anyAttrs...),
		tracer:  l.tracer,
	}
}
