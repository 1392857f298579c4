package redpanda

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceHeaders_RoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Headers: []kgo.RecordHeader{{Key: "source", Value: []byte("outbox")}}}
	injectTraceHeaders(ctx, record)
	injectTraceHeaders(ctx, record)

	assert.Len(t, record.Headers, 2, "traceparent is set once")
	assert.Equal(t, "outbox", headerCarrier{record: record}.Get("source"))

	got := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
	assert.True(t, got.IsRemote())
}

func TestTraceHeaders_MissingContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	ctx := extractTraceContext(context.Background(), &kgo.Record{})
	assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
}
