package bootstrap

import (
	"context"

	"watchpost/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// InitTracing installs the global tracer provider. When tracing is disabled
// it returns a no-op provider and a no-op shutdown.
func InitTracing(cfg *config.Config, sugar *zap.SugaredLogger) (trace.TracerProvider, func(context.Context) error) {
	if !cfg.Tracing.Enabled {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Tracing.SampleRatio))),
		sdktrace.WithBatcher(newLogExporter(sugar.Named("trace"))),
	)
	otel.SetTracerProvider(tp)

	sugar.Infow("Tracing enabled", "sample_ratio", cfg.Tracing.SampleRatio)
	return tp, tp.Shutdown
}

// logExporter writes finished spans to the debug log.
type logExporter struct {
	logger *zap.SugaredLogger
}

func newLogExporter(logger *zap.SugaredLogger) *logExporter {
	return &logExporter{logger: logger}
}

func (e *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		events := make([]string, 0, len(span.Events()))
		for _, ev := range span.Events() {
			events = append(events, ev.Name)
		}

		fields := []interface{}{
			"trace_id", span.SpanContext().TraceID().String(),
			"span_id", span.SpanContext().SpanID().String(),
			"duration", span.EndTime().Sub(span.StartTime()),
			"events", events,
		}
		for _, attr := range span.Attributes() {
			fields = append(fields, string(attr.Key), attr.Value.Emit())
		}

		if span.Status().Code == codes.Error {
			e.logger.Warnw("Span "+span.Name(), append(fields, "error", span.Status().Description)...)
			continue
		}
		e.logger.Debugw("Span "+span.Name(), fields...)
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error { return nil }
