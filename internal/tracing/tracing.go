package tracing

import (
	"context"
	"errors"
	"strings"

	"github.com/gxo-labs/jsonl/internal/secrets"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every emitter span.
const TracerName = "github.com/gxo-labs/jsonl"

// Span attribute keys.
const (
	AttrEventType = attribute.Key("jsonl.event.type")
	AttrEventName = attribute.Key("jsonl.event.name")
	AttrHost      = attribute.Key("jsonl.host")
	AttrState     = attribute.Key("jsonl.state")
	AttrProducer  = attribute.Key("jsonl.producer")
	AttrSequence  = attribute.Key("jsonl.sequence")
	AttrDropped   = attribute.Key("jsonl.dropped")
	AttrRedacted  = attribute.Key("jsonl.redacted")
)

// StartEmitSpan starts the span wrapping one emit call.
func StartEmitSpan(ctx context.Context, tracer oteltrace.Tracer, eventType, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	all := make([]attribute.KeyValue, 0, len(attrs)+2)
	all = append(all, AttrEventType.String(eventType), AttrEventName.String(name))
	all = append(all, attrs...)
	return tracer.Start(ctx, "jsonl.emit",
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
		oteltrace.WithAttributes(all...))
}

// RedactAttributes returns attrs with the value of every attribute whose key
// contains one of keywords (lowercase) replaced by the redaction marker.
func RedactAttributes(attrs []attribute.KeyValue, keywords []string) []attribute.KeyValue {
	if len(keywords) == 0 || len(attrs) == 0 {
		return attrs
	}
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		key := strings.ToLower(string(kv.Key))
		masked := false
		for _, kw := range keywords {
			if kw != "" && strings.Contains(key, kw) {
				masked = true
				break
			}
		}
		if masked {
			out = append(out, attribute.String(string(kv.Key), "[REDACTED]"))
		} else {
			out = append(out, kv)
		}
	}
	return out
}

// RecordError marks span as failed. Tracked secret values are masked in the
// recorded message.
func RecordError(span oteltrace.Span, err error, tracker *secrets.SecretTracker) {
	if err == nil || span == nil || !span.IsRecording() {
		return
	}
	msg := err.Error()
	if tracker.ContainsTrackedSecret(msg) {
		msg = "[REDACTED_SECRET]"
	}
	span.RecordError(errors.New(msg))
	span.SetStatus(codes.Error, msg)
}
