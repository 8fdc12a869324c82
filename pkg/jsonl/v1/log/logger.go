// Package log defines the logging interface used across jsonl packages for
// operational messages. Operational logs never share a stream with records.
package log

import (
	"context"
	"log/slog"
)

// Logger mirrors the slog-style API the emitter, sink and CLI log through.
type Logger interface {
	// Debugf, Infof, Warnf and Errorf format their arguments like fmt.Sprintf.
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	// Errorf logs at ERROR. Implementations inspect a trailing error argument
	// and log known jsonl error types structurally.
	Errorf(format string, args ...interface{})

	// Log logs a message at level with key-value attributes.
	Log(level slog.Level, msg string, args ...interface{})
	// LogCtx is Log with a context, so trace and span IDs can be attached.
	LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{})

	// With returns a Logger that adds the given attributes to every entry.
	With(args ...interface{}) Logger
	// IsEnabled reports whether entries at level would be written.
	IsEnabled(level slog.Level) bool
}
