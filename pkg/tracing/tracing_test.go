package tracing

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return l
}

func TestDefaultTracingConfig_Shape(t *testing.T) {
	cfg := DefaultTracingConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "logpipe", cfg.ServiceName)
	assert.Equal(t, "otlp", cfg.Exporter)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestNewTracingManager_DisabledReturnsNoopTracer(t *testing.T) {
	tm, err := NewTracingManager(TracingConfig{Enabled: false}, testLogger())
	require.NoError(t, err)
	require.NotNil(t, tm.GetTracer())
	require.NoError(t, tm.Shutdown(context.Background()))
}

func TestNewTraceableContext_SetAttributeVariants(t *testing.T) {
	tracer := otel.Tracer("test")
	tc := NewTraceableContext(context.Background(), tracer, "op")
	defer tc.End()

	assert.NotPanics(t, func() {
		tc.SetAttribute("s", "v")
		tc.SetAttribute("i", 1)
		tc.SetAttribute("i64", int64(2))
		tc.SetAttribute("f", 1.5)
		tc.SetAttribute("b", true)
		tc.SetAttribute("other", []int{1, 2})
	})
}

func TestTraceableContext_SetErrorRecordsError(t *testing.T) {
	tracer := otel.Tracer("test")
	tc := NewTraceableContext(context.Background(), tracer, "op")
	defer tc.End()
	assert.NotPanics(t, func() { tc.SetError(errors.New("boom")) })
}

func TestTraceableContext_ChildInheritsTracer(t *testing.T) {
	tracer := otel.Tracer("test")
	tc := NewTraceableContext(context.Background(), tracer, "parent")
	defer tc.End()
	child := tc.Child("child")
	defer child.End()
	assert.NotNil(t, child.Context())
}

func TestTraceableContext_CorrelationAndSpanIDFallbackToUnknown(t *testing.T) {
	tracer := otel.Tracer("test")
	tc := NewTraceableContext(context.Background(), tracer, "op")
	defer tc.End()
	assert.Equal(t, "unknown", tc.CorrelationID())
	assert.Equal(t, "unknown", tc.SpanID())
}

func TestInstrumentedFunction_ExecuteSuccessAndFailure(t *testing.T) {
	tracer := otel.Tracer("test")
	fn := NewInstrumentedFunction(tracer, "job")

	err := fn.Execute(context.Background(), func(tc *TraceableContext) error {
		tc.AddEvent("started")
		return nil
	})
	assert.NoError(t, err)

	boom := errors.New("boom")
	err = fn.Execute(context.Background(), func(tc *TraceableContext) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestExtractTraceInfo_EmptyWithoutSpan(t *testing.T) {
	traceID, spanID := ExtractTraceInfo(context.Background())
	assert.Empty(t, traceID)
	assert.Empty(t, spanID)
}

func TestInjectTraceToLogEntry_NoopWithoutSpan(t *testing.T) {
	entry := map[string]interface{}{"message": "hi"}
	InjectTraceToLogEntry(context.Background(), entry)
	_, hasTrace := entry["trace_id"]
	assert.False(t, hasTrace)
}
