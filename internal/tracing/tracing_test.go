package tracing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/gxo-labs/jsonl/internal/logger"
	"github.com/gxo-labs/jsonl/internal/secrets"
	"github.com/gxo-labs/jsonl/internal/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestProviderFromEnv_DefaultsToNoOp(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "")
	p := tracing.NewProviderFromEnv(context.Background(), logger.NewDiscardLogger())
	assert.True(t, p.IsEffectivelyNoOp())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestProviderFromEnv_Disabled(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "TRUE")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	p := tracing.NewProviderFromEnv(context.Background(), nil)
	assert.True(t, p.IsEffectivelyNoOp())
}

func TestProviderFromEnv_UnsupportedProtocolFallsBack(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "carrier-pigeon")
	p := tracing.NewProviderFromEnv(context.Background(), logger.NewDiscardLogger())
	assert.True(t, p.IsEffectivelyNoOp())
	assert.NotNil(t, p.GetTracer(tracing.TracerName))
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *tracing.OtelTracerProvider
	assert.NotNil(t, p.GetTracer("x"))
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.True(t, p.IsEffectivelyNoOp())
}

func TestStartEmitSpanAndRecordError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := tp.Tracer(tracing.TracerName)

	tracker := secrets.NewSecretTracker()
	tracker.Add("hunter2")

	_, span := tracing.StartEmitSpan(context.Background(), tracer, "task", "login", tracing.AttrHost.String("web1"))
	tracing.RecordError(span, errors.New("login failed with hunter2"), tracker)
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	got := ended[0]
	assert.Equal(t, "jsonl.emit", got.Name())
	assert.Equal(t, codes.Error, got.Status().Code)
	assert.Equal(t, "[REDACTED_SECRET]", got.Status().Description)

	attrs := map[attribute.Key]string{}
	for _, kv := range got.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, "task", attrs[tracing.AttrEventType])
	assert.Equal(t, "login", attrs[tracing.AttrEventName])
	assert.Equal(t, "web1", attrs[tracing.AttrHost])
}

func TestRecordError_PlainMessage(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	_, span := tp.Tracer("t").Start(context.Background(), "op")
	tracing.RecordError(span, errors.New("buffer full"), nil)
	tracing.RecordError(span, nil, nil)
	span.End()

	require.Len(t, rec.Ended(), 1)
	assert.Equal(t, "buffer full", rec.Ended()[0].Status().Description)
}

func TestRedactAttributes(t *testing.T) {
	in := []attribute.KeyValue{
		attribute.String("db_password", "s3cret"),
		attribute.String("host", "web1"),
		attribute.String("Api_Key", "abc"),
	}
	out := tracing.RedactAttributes(in, []string{"password", "api_key"})
	require.Len(t, out, 3)
	assert.Equal(t, "[REDACTED]", out[0].Value.AsString())
	assert.Equal(t, "web1", out[1].Value.AsString())
	assert.Equal(t, "[REDACTED]", out[2].Value.AsString())
	assert.Equal(t, "s3cret", in[0].Value.AsString(), "input is not modified")

	assert.Equal(t, in, tracing.RedactAttributes(in, nil))
}
