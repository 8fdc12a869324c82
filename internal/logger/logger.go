package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
	jsonllog "github.com/gxo-labs/jsonl/pkg/jsonl/v1/log"
	"go.opentelemetry.io/otel/trace"
)

// Default log level if not specified or invalid.
const defaultLevel = slog.LevelInfo

// ParseLevel converts common log level strings (case-insensitive) to slog levels.
// Unknown strings fall back to INFO.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return defaultLevel
	}
}

// IsValidLevel reports whether ParseLevel recognizes levelStr.
func IsValidLevel(levelStr string) bool {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
		return true
	}
	return false
}

// defaultLogger implements jsonllog.Logger on top of slog.
type defaultLogger struct {
	*slog.Logger
}

var _ jsonllog.Logger = (*defaultLogger)(nil)

// NewLogger creates a Logger with the given level, format ("text" or "json")
// and writer. A nil writer means os.Stderr; the record stream usually owns stdout.
func NewLogger(levelStr string, formatStr string, writer io.Writer) jsonllog.Logger {
	if writer == nil {
		writer = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:       ParseLevel(levelStr),
		ReplaceAttr: replaceLevelAttribute,
	}

	var baseHandler slog.Handler
	switch strings.ToLower(formatStr) {
	case "json":
		baseHandler = slog.NewJSONHandler(writer, opts)
	default:
		baseHandler = slog.NewTextHandler(writer, opts)
	}

	return &defaultLogger{
		Logger: slog.New(NewOtelHandler(baseHandler)),
	}
}

// NewDiscardLogger returns a Logger that drops everything. Handy in tests and
// for embedding hosts that bring no logger.
func NewDiscardLogger() jsonllog.Logger {
	return NewLogger("error", "text", io.Discard)
}

var levelStringMap = map[slog.Level]string{
	slog.LevelDebug: "DEBUG",
	slog.LevelInfo:  "INFO",
	slog.LevelWarn:  "WARN",
	slog.LevelError: "ERROR",
}

// replaceLevelAttribute prints levels as uppercase words.
func replaceLevelAttribute(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if !ok {
			return a
		}
		levelStr, exists := levelStringMap[level]
		if !exists {
			levelStr = level.String()
		}
		a.Value = slog.StringValue(levelStr)
	}
	return a
}

func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	if l.Logger.Enabled(context.Background(), slog.LevelDebug) {
		l.Logger.Log(context.Background(), slog.LevelDebug, fmt.Sprintf(format, args...))
	}
}

func (l *defaultLogger) Infof(format string, args ...interface{}) {
	if l.Logger.Enabled(context.Background(), slog.LevelInfo) {
		l.Logger.Log(context.Background(), slog.LevelInfo, fmt.Sprintf(format, args...))
	}
}

func (l *defaultLogger) Warnf(format string, args ...interface{}) {
	if l.Logger.Enabled(context.Background(), slog.LevelWarn) {
		l.logHelper(context.Background(), slog.LevelWarn, fmt.Sprintf(format, args...), args...)
	}
}

// Errorf logs at ERROR and adds structured attributes when the last argument
// is one of the jsonl error types.
func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	if l.Logger.Enabled(context.Background(), slog.LevelError) {
		l.logHelper(context.Background(), slog.LevelError, fmt.Sprintf(format, args...), args...)
	}
}

// logHelper turns a trailing error argument into error_type/error attributes.
func (l *defaultLogger) logHelper(ctx context.Context, level slog.Level, msg string, args ...interface{}) {
	if len(args) == 0 {
		l.Logger.Log(ctx, level, msg)
		return
	}
	err, ok := args[len(args)-1].(error)
	if !ok {
		l.Logger.Log(ctx, level, msg)
		return
	}
	l.Logger.Log(ctx, level, msg, ErrorAttrs(err)...)
}

// ErrorAttrs describes err as slog attributes, unpacking known jsonl error types.
func ErrorAttrs(err error) []any {
	var (
		serErr    *jsonlerrors.SerializationError
		sinkErr   *jsonlerrors.SinkWriteError
		invalid   *jsonlerrors.InvalidEventError
		policyErr *jsonlerrors.PolicyViolationError
	)
	switch {
	case errors.As(err, &serErr):
		attrs := []any{slog.String("error_type", "SerializationError")}
		if serErr.Path != "" {
			attrs = append(attrs, slog.String("path", serErr.Path))
		}
		return append(attrs, slog.String("error", err.Error()))
	case errors.As(err, &sinkErr):
		return []any{slog.String("error_type", "SinkWriteError"), slog.String("error", err.Error())}
	case errors.As(err, &invalid):
		return []any{
			slog.String("error_type", "InvalidEventError"),
			slog.String("event_kind", invalid.Kind),
			slog.String("field", invalid.Field),
			slog.String("error", err.Error()),
		}
	case errors.As(err, &policyErr):
		return []any{
			slog.String("error_type", "PolicyViolationError"),
			slog.String("policy", policyErr.PolicyType),
			slog.String("error", err.Error()),
		}
	default:
		return []any{slog.String("error", err.Error())}
	}
}

func (l *defaultLogger) Log(level slog.Level, msg string, args ...interface{}) {
	l.Logger.Log(context.Background(), level, msg, args...)
}

func (l *defaultLogger) LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{}) {
	l.Logger.Log(ctx, level, msg, args...)
}

func (l *defaultLogger) With(args ...interface{}) jsonllog.Logger {
	return &defaultLogger{Logger: l.Logger.With(args...)}
}

func (l *defaultLogger) IsEnabled(level slog.Level) bool {
	return l.Logger.Enabled(context.Background(), level)
}

// --- OtelHandler for Trace/Span ID Injection ---

// OtelHandler is slog middleware that adds trace_id and span_id when the
// logging context carries a valid span.
type OtelHandler struct {
	next slog.Handler
}

// NewOtelHandler creates a new OtelHandler wrapping the provided handler.
func NewOtelHandler(next slog.Handler) *OtelHandler {
	return &OtelHandler{next: next}
}

func (h *OtelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *OtelHandler) Handle(ctx context.Context, record slog.Record) error {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		record.AddAttrs(
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("span_id", span.SpanContext().SpanID().String()),
		)
	}
	return h.next.Handle(ctx, record)
}

func (h *OtelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewOtelHandler(h.next.WithAttrs(attrs))
}

func (h *OtelHandler) WithGroup(name string) slog.Handler {
	return NewOtelHandler(h.next.WithGroup(name))
}
