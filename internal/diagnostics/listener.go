package diagnostics

import (
	"context"
	"log/slog"

	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/events"
	jsonllog "github.com/gxo-labs/jsonl/pkg/jsonl/v1/log"
)

// LogListener drains a ChannelRouter into the operational log, the way the
// engine prints [WARNING] and [DEPRECATION WARNING] lines on stderr.
type LogListener struct {
	router *ChannelRouter
	log    jsonllog.Logger
	done   chan struct{}
}

// NewLogListener creates a listener. Panics if router or log is nil.
func NewLogListener(router *ChannelRouter, log jsonllog.Logger) *LogListener {
	if router == nil || log == nil {
		panic("LogListener requires a non-nil ChannelRouter and Logger")
	}
	return &LogListener{
		router: router,
		log:    log.With("component", "LogListener"),
		done:   make(chan struct{}),
	}
}

// Start consumes diagnostics until the router is closed and drained, or ctx
// is cancelled. It blocks; run it in its own goroutine.
func (l *LogListener) Start(ctx context.Context) {
	defer close(l.done)
	l.log.Debugf("Starting diagnostic log listener...")
	for {
		select {
		case d, ok := <-l.router.C():
			if !ok {
				l.log.Debugf("Diagnostic channel closed, stopping listener.")
				return
			}
			l.handle(ctx, d)
		case <-ctx.Done():
			l.log.Debugf("Context cancelled, stopping diagnostic log listener.")
			return
		}
	}
}

// Done is closed when Start returns.
func (l *LogListener) Done() <-chan struct{} {
	return l.done
}

func (l *LogListener) handle(ctx context.Context, d events.Diagnostic) {
	attrs := []any{slog.String("severity", string(d.Severity))}
	if d.Task != "" {
		attrs = append(attrs, slog.String("task", d.Task))
	}
	if d.Host != "" {
		attrs = append(attrs, slog.String("host", d.Host))
	}
	if d.Producer != "" {
		attrs = append(attrs, slog.String("producer", d.Producer))
	}

	switch d.Severity {
	case events.SeverityDeprecated:
		if d.Version != "" {
			attrs = append(attrs, slog.String("version", d.Version))
		}
		if d.Date != "" {
			attrs = append(attrs, slog.String("date", d.Date))
		}
		if d.CollectionName != "" {
			attrs = append(attrs, slog.String("collection_name", d.CollectionName))
		}
		l.log.LogCtx(ctx, slog.LevelWarn, "[DEPRECATION WARNING]: "+d.Message, attrs...)
	case events.SeverityError:
		l.log.LogCtx(ctx, slog.LevelError, d.Message, attrs...)
	default:
		l.log.LogCtx(ctx, slog.LevelWarn, "[WARNING]: "+d.Message, attrs...)
	}
}
