package main

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// spanLogger exports finished spans as debug log lines.
type spanLogger struct {
	logger *zap.Logger
}

func newSpanLogger(logger *zap.Logger) *spanLogger {
	return &spanLogger{logger: logger}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *spanLogger) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		fields := []zap.Field{
			zap.String("trace_id", s.SpanContext().TraceID().String()),
			zap.Duration("duration", s.EndTime().Sub(s.StartTime())),
			zap.String("status", s.Status().Code.String()),
		}
		for _, kv := range s.Attributes() {
			fields = append(fields, zap.String(string(kv.Key), kv.Value.Emit()))
		}
		e.logger.Debug("span "+s.Name(), fields...)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *spanLogger) Shutdown(context.Context) error {
	_ = e.logger.Sync()
	return nil
}
