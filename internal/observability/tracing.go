package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "shardline"

// tracer uses the global OTel tracer provider.
var tracer = otel.Tracer(tracerName)

// StartRequestSpan starts a client span for one REST request attempt.
func StartRequestSpan(ctx context.Context, method, route string, attempt int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "rest.request",
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("ratelimit.route", route),
			attribute.Int("rest.attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartConnectSpan starts a span for one gateway connection attempt.
func StartConnectSpan(ctx context.Context, shard int, resume bool) (context.Context, trace.Span) {
	return tracer.Start(ctx, "gateway.connect",
		trace.WithAttributes(
			attribute.Int("gateway.shard", shard),
			attribute.Bool("gateway.resume", resume),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// InitTracing installs a tracer provider that writes finished spans to
// logger at debug level. The returned function flushes and shuts it down.
func InitTracing(logger Logger) func(context.Context) error {
	if logger == nil {
		logger = NopLogger()
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&logSpanExporter{logger: logger}),
	)
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(tracerName)
	return tp.Shutdown
}

// logSpanExporter is a span exporter backed by the application logger.
type logSpanExporter struct {
	logger Logger
}

func (e *logSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		fields := []zap.Field{
			zap.String("span", span.Name()),
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.String("span_id", span.SpanContext().SpanID().String()),
			zap.Duration("duration", span.EndTime().Sub(span.StartTime())),
			zap.String("status", span.Status().Code.String()),
		}
		for _, attr := range span.Attributes() {
			fields = append(fields, zap.String(string(attr.Key), attr.Value.Emit()))
		}
		e.logger.Debug("Span finished", fields...)
	}
	return nil
}

func (e *logSpanExporter) Shutdown(context.Context) error {
	return nil
}

// StartServerSpan starts a server span for an inbound status API request.
func StartServerSpan(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "http.server "+method,
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("url.path", path),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
