package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := tracer
	tracer = tp.Tracer(tracerName)
	t.Cleanup(func() {
		tracer = prev
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func attr(span sdktrace.ReadOnlySpan, key string) attribute.Value {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

func TestRequestAndConnectSpans(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartRequestSpan(context.Background(), "POST", "POST /channels/:id/messages", 2)
	EndSpanWithError(span, nil)
	ctx, span := StartConnectSpan(context.Background(), 3, true)
	AddSpanEvent(ctx, "hello", attribute.Int("heartbeat_ms", 41250))
	EndSpanWithError(span, errors.New("closed 4000"))

	spans := rec.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "rest.request", spans[0].Name())
	assert.Equal(t, "POST /channels/:id/messages", attr(spans[0], "ratelimit.route").AsString())
	assert.Equal(t, int64(2), attr(spans[0], "rest.attempt").AsInt64())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	assert.Equal(t, "gateway.connect", spans[1].Name())
	assert.True(t, attr(spans[1], "gateway.resume").AsBool())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	require.Len(t, spans[1].Events(), 2, "span event plus recorded error")
	assert.Equal(t, "hello", spans[1].Events()[0].Name)
}

func TestServerSpan(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartServerSpan(context.Background(), "GET", "/shards/1")
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "http.server GET", spans[0].Name())
	assert.Equal(t, "/shards/1", attr(spans[0], "url.path").AsString())
}

func TestEndSpanWithNilSpan(t *testing.T) {
	assert.NotPanics(t, func() { EndSpanWithError(nil, errors.New("x")) })
	assert.NotPanics(t, func() { AddSpanEvent(context.Background(), "no span") })
}

func TestLogSpanExporter(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	rec := recordSpans(t)

	_, span := StartRequestSpan(context.Background(), "GET", "GET /gateway/bot", 1)
	EndSpanWithError(span, nil)

	exporter := &logSpanExporter{logger: zap.New(core)}
	require.NoError(t, exporter.ExportSpans(context.Background(), rec.Ended()))

	entries := logs.FilterMessage("Span finished").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "rest.request", fields["span"])
	assert.Equal(t, "GET /gateway/bot", fields["ratelimit.route"])
}
