package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "castdeck", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_DisabledIsNoop(t *testing.T) {
	tp, err := Init(Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceHelpers_RecordSpans(t *testing.T) {
	rec := installRecorder(t)
	ctx := context.Background()

	_, s1 := TraceGuest(ctx, "admit", "g1")
	s1.End()
	_, s2 := TracePublish(ctx, "connect", "twitch")
	s2.End()
	_, s3 := TraceSession(ctx, "start", "sess-1")
	s3.End()
	_, s4 := TraceSignal(ctx, "offer", "g1")
	s4.End()

	ended := rec.Ended()
	require.Len(t, ended, 4)
	assert.Equal(t, "guest.admit", ended[0].Name())
	assert.Equal(t, "publish.connect", ended[1].Name())
	assert.Equal(t, "session.start", ended[2].Name())
	assert.Equal(t, "signal.offer", ended[3].Name())
	assert.Contains(t, ended[1].Attributes(), PlatformIDKey.String("twitch"))
}

func TestRecordError_SetsStatus(t *testing.T) {
	rec := installRecorder(t)

	ctx, span := StartSpan(context.Background(), "test")
	RecordError(ctx, errors.New("boom"))
	RecordError(ctx, nil)
	AddSpanAttributes(ctx, attribute.Int("frames", 3))
	assert.NotEmpty(t, TraceID(ctx))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Contains(t, ended[0].Attributes(), attribute.Int("frames", 3))
}

func TestTraceID_EmptyWithoutSpan(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
}
