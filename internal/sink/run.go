package sink

import (
	"context"
	"io"

	jsonllog "github.com/gxo-labs/jsonl/pkg/jsonl/v1/log"
)

// Run creates and starts a sink, hands it to fn and closes it afterwards on
// every exit path. If fn panics the sink is drained first and the panic is
// re-raised. Cancelling ctx does not skip the drain; DrainTimeout bounds it.
func Run(ctx context.Context, w io.Writer, cfg Config, log jsonllog.Logger, fn func(ctx context.Context, s *Sink) error, opts ...Option) (report DrainReport, err error) {
	s, err := New(w, cfg, log, opts...)
	if err != nil {
		return DrainReport{}, err
	}
	drainCtx := context.WithoutCancel(ctx)
	s.Start(drainCtx)

	defer func() {
		if r := recover(); r != nil {
			s.Close(drainCtx)
			panic(r)
		}
	}()
	err = fn(ctx, s)
	return s.Close(drainCtx), err
}
