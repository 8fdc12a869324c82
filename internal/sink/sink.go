// Package sink serializes access to the record output stream. Any number of
// producers enqueue encoded lines; a single writer goroutine empties a bounded
// FIFO buffer onto the stream.
//
// The sink is the only component that touches the output. Producers never
// write directly, and after Close or Abort has returned the writer goroutine
// has either stopped or been detached, with every record accounted for as
// written, dropped or discarded.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gxo-labs/jsonl/internal/logger"
	"github.com/gxo-labs/jsonl/internal/metrics"
	"github.com/gxo-labs/jsonl/internal/retry"
	"github.com/gxo-labs/jsonl/internal/secrets"
	"github.com/gxo-labs/jsonl/internal/serializer"
	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
	jsonllog "github.com/gxo-labs/jsonl/pkg/jsonl/v1/log"
)

// Record is one encoded line plus the identity used in drop reports.
// Kind, Producer and Sequence are never written; they only label the record
// in errors and metrics.
type Record struct {
	Line     serializer.Line
	Kind     string
	Producer string
	Sequence int64
}

func (r Record) describe() string {
	return fmt.Sprintf("%s record from producer '%s' (sequence %d)", r.Kind, r.Producer, r.Sequence)
}

// StyledWriter is implemented by outputs that want the style hint of each
// line, e.g. a terminal renderer. Other writers only see the bytes. When the
// sink output implements StyledWriter, WriteStyled is called instead of Write.
type StyledWriter interface {
	WriteStyled(p []byte, style serializer.Style) (int, error)
}

// flusher matches buffered outputs such as *bufio.Writer.
type flusher interface {
	Flush() error
}

// Stats is a point-in-time snapshot of the sink counters. Buffered is the
// queue length at the time of the call; the other counters only grow.
type Stats struct {
	Buffered  int
	Written   int64
	Dropped   int64
	Discarded int64
	Degraded  bool
	Aborted   bool
}

// DrainReport is what Close and Abort return. Every record offered to the
// sink is counted exactly once: Written, Dropped at Enqueue, or Discarded.
type DrainReport struct {
	Written   int64
	Dropped   int64
	Discarded int64
	// TimedOut is set when the drain deadline expired before the buffer was empty.
	TimedOut bool
	Aborted  bool
	// Detached is set when the writer was still blocked in the output after
	// StopGrace. The record it was writing is counted as discarded, and the
	// caller must not use the output, since the writer may still touch it.
	Detached bool
}

// In-flight states of the record the writer is handling.
const (
	idle int32 = iota
	writing
	abandoned
)

// Option configures a Sink. Options are applied by New in order.
type Option func(*Sink)

// WithErrorObserver receives every drop and write failure. The observer runs
// on producer and writer goroutines and must not call back into the sink.
func WithErrorObserver(obs jsonlerrors.ErrorObserver) Option {
	return func(s *Sink) {
		if obs != nil {
			s.observer = obs
		}
	}
}

// WithCollectors records sink metrics: accepted records per kind, drops per
// reason, write latency, buffer depth and write failures. A nil collector set
// disables them.
func WithCollectors(c *metrics.Collectors) Option {
	return func(s *Sink) { s.metrics = c }
}

// WithSecretTracker masks tracked secrets in write errors logged by the retry
// helper.
func WithSecretTracker(t *secrets.SecretTracker) Option {
	return func(s *Sink) { s.retry.SetSecretTracker(t) }
}

// Sink buffers encoded records and writes them from one goroutine, in the
// order they were accepted. It is safe for concurrent use: any number of
// goroutines may call Enqueue while another calls Close or Abort.
type Sink struct {
	cfg      Config
	out      io.Writer
	styled   StyledWriter
	log      jsonllog.Logger
	observer jsonlerrors.ErrorObserver
	metrics  *metrics.Collectors
	retry    *retry.Helper

	queue chan Record

	// intakeMu guards closed. Enqueue holds it for reading while it sends,
	// so closing the queue can never race a send.
	intakeMu sync.RWMutex
	closed   bool
	// dropMu serializes drop_oldest enqueues, which receive from the queue.
	dropMu sync.Mutex

	startOnce  sync.Once
	started    atomic.Bool
	writerDone chan struct{}
	// abortCtx is cancelled by abortWriter. It stops retry delays of the
	// record in flight as well as the writer loop.
	abortCtx    context.Context
	cancelAbort context.CancelFunc
	aborted     atomic.Bool
	degraded    atomic.Bool
	inFlight    atomic.Int32

	written   atomic.Int64
	dropped   atomic.Int64
	discarded atomic.Int64

	closeMu sync.Mutex
	final   *DrainReport
}

// New creates a Sink writing to w. The writer goroutine starts with Start or,
// at the latest, with Close; records enqueued before are buffered.
func New(w io.Writer, cfg Config, log jsonllog.Logger, opts ...Option) (*Sink, error) {
	if w == nil {
		return nil, jsonlerrors.NewConfigError("sink writer must not be nil", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	log = log.With("component", "Sink")

	s := &Sink{
		cfg:        cfg,
		out:        w,
		log:        log,
		retry:      retry.NewHelper(log),
		queue:      make(chan Record, cfg.Capacity),
		writerDone: make(chan struct{}),
	}
	s.abortCtx, s.cancelAbort = context.WithCancel(context.Background())
	if sw, ok := w.(StyledWriter); ok {
		s.styled = sw
	}
	s.observer = s.logError
	for _, opt := range opts {
		opt(s)
	}
	s.log.Debugf("Sink initialized (capacity=%d, policy=%s, block_timeout=%v, drain_timeout=%v, stop_grace=%v)",
		cfg.Capacity, cfg.Policy, cfg.BlockTimeout, cfg.DrainTimeout, cfg.StopGrace)
	return s, nil
}

// Config returns the effective configuration, defaults included.
func (s *Sink) Config() Config { return s.cfg }

// logError is the observer used when none is configured.
func (s *Sink) logError(err error) {
	if jsonlerrors.IsSinkWrite(err) {
		s.log.Errorf("Sink error: %v", err)
		return
	}
	s.log.Warnf("Record dropped: %v", err)
}

// report hands err to the observer. A panicking observer is logged and never
// takes the calling goroutine down.
func (s *Sink) report(err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("Recovered panic in error observer: %v", r)
		}
	}()
	s.observer(err)
}

// Start launches the writer goroutine. Calling it again has no effect.
// Cancelling ctx is a forced shutdown: the writer stops and whatever is still
// buffered is discarded when the sink is closed.
func (s *Sink) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.run(ctx)
	})
}

// Enqueue offers a record. It returns nil when the record was buffered, the
// drop error otherwise. Drops are also reported to the error observer, so
// callers need not report the returned error again.
func (s *Sink) Enqueue(rec Record) error {
	s.intakeMu.RLock()
	defer s.intakeMu.RUnlock()

	if s.closed {
		return s.drop(rec, metrics.ReasonSinkClosed, fmt.Errorf("%w: dropped %s", jsonlerrors.ErrSinkClosed, rec.describe()))
	}
	if s.cfg.Policy == DropOldest {
		s.enqueueDropOldest(rec)
		return nil
	}
	return s.enqueueBlock(rec)
}

func (s *Sink) enqueueBlock(rec Record) error {
	select {
	case s.queue <- rec:
		s.accepted(rec)
		return nil
	default:
	}

	timer := time.NewTimer(s.cfg.BlockTimeout)
	defer timer.Stop()
	select {
	case s.queue <- rec:
		s.accepted(rec)
		return nil
	case <-timer.C:
		return s.drop(rec, metrics.ReasonBlockTimeout, jsonlerrors.NewPolicyViolationError("BackpressurePolicy",
			fmt.Sprintf("buffer full for %v, dropped new %s", s.cfg.BlockTimeout, rec.describe()), nil))
	case <-s.abortCtx.Done():
		return s.drop(rec, metrics.ReasonSinkClosed, fmt.Errorf("%w: sink aborted, dropped %s", jsonlerrors.ErrSinkClosed, rec.describe()))
	}
}

// enqueueDropOldest always buffers rec, evicting from the head of the queue
// until it fits. Only the writer and this method receive from the queue, and
// dropMu keeps this method single-threaded, so the loop terminates.
func (s *Sink) enqueueDropOldest(rec Record) {
	s.dropMu.Lock()
	defer s.dropMu.Unlock()
	for {
		select {
		case s.queue <- rec:
			s.accepted(rec)
			return
		default:
		}
		select {
		case old := <-s.queue:
			_ = s.drop(old, metrics.ReasonDropOldest, jsonlerrors.NewPolicyViolationError("BackpressurePolicy",
				fmt.Sprintf("buffer full, dropped oldest %s", old.describe()), nil))
		default:
		}
	}
}

// accepted updates metrics for a record that made it into the queue.
func (s *Sink) accepted(rec Record) {
	s.metrics.Emitted(rec.Kind)
	s.metrics.SetBuffered(len(s.queue))
}

// drop counts a record rejected at intake and reports err.
func (s *Sink) drop(rec Record, reason string, err error) error {
	s.dropped.Add(1)
	s.metrics.Dropped(reason)
	s.report(err)
	return err
}

// run is the writer goroutine. It exits when the queue is closed and empty,
// when the sink is aborted or when parent is cancelled.
func (s *Sink) run(parent context.Context) {
	defer close(s.writerDone)
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	stop := context.AfterFunc(s.abortCtx, cancel)
	defer stop()

	s.log.Debugf("Sink writer started.")
	for {
		select {
		case <-s.abortCtx.Done():
			s.log.Debugf("Sink writer aborted.")
			return
		case <-parent.Done():
			s.log.Warnf("Sink context cancelled, abandoning buffered records: %v", parent.Err())
			s.abortWriter()
			return
		case rec, ok := <-s.queue:
			if !ok {
				s.flush(ctx)
				s.log.Debugf("Sink queue drained, writer stopped.")
				return
			}
			s.write(ctx, rec)
			if len(s.queue) == 0 {
				s.flush(ctx)
			}
			s.metrics.SetBuffered(len(s.queue))
		}
	}
}

// write emits one line. A short write is retried from where it stopped so the
// line is never split between records. The outcome is counted only while the
// record is still in flight; once a shutdown has abandoned it, it already
// counts as discarded.
func (s *Sink) write(ctx context.Context, rec Record) {
	if s.aborted.Load() || s.degraded.Load() {
		s.discarded.Add(1)
		return
	}
	s.inFlight.Store(writing)
	start := time.Now()
	remaining := rec.Line.Data
	err := s.retry.Do(ctx, retry.Config{
		Attempts: s.cfg.WriteAttempts,
		Delay:    s.cfg.WriteRetryDelay,
		Label:    "sink write",
	}, func(context.Context) error {
		// Nothing of this line is out yet, so an abort can still skip it whole.
		if s.aborted.Load() && len(remaining) == len(rec.Line.Data) {
			return errAborted
		}
		for len(remaining) > 0 {
			n, err := s.writeOnce(remaining, rec.Line.Style)
			if n > 0 && n <= len(remaining) {
				remaining = remaining[n:]
			}
			if err != nil {
				return err
			}
			if n == 0 {
				return io.ErrShortWrite
			}
		}
		return nil
	})
	if !s.inFlight.CompareAndSwap(writing, idle) {
		return
	}
	if err != nil {
		s.discarded.Add(1)
		if !s.aborted.Load() {
			s.degrade(err)
		}
		return
	}
	s.written.Add(1)
	s.metrics.ObserveWrite(time.Since(start))
}

var errAborted = errors.New("sink aborted")

// writeOnce performs a single output call, styled when the output supports it.
func (s *Sink) writeOnce(p []byte, style serializer.Style) (int, error) {
	if s.styled != nil {
		return s.styled.WriteStyled(p, style)
	}
	return s.out.Write(p)
}

// flush pushes buffered bytes of outputs such as *bufio.Writer through. It is
// called whenever the queue runs empty, so lines never sit in a buffer while
// the sink is idle.
func (s *Sink) flush(ctx context.Context) {
	f, ok := s.out.(flusher)
	if !ok || s.degraded.Load() || s.aborted.Load() {
		return
	}
	err := s.retry.Do(ctx, retry.Config{
		Attempts: s.cfg.WriteAttempts,
		Delay:    s.cfg.WriteRetryDelay,
		Label:    "sink flush",
	}, func(context.Context) error { return f.Flush() })
	if err != nil {
		s.degrade(err)
	}
}

// degrade switches to no-op writes. Only the first failure is reported.
func (s *Sink) degrade(err error) {
	if !s.degraded.CompareAndSwap(false, true) {
		return
	}
	s.metrics.SinkWriteError()
	s.report(jsonlerrors.NewSinkWriteError(err))
}

// abortWriter makes the writer stop at its next step and discard whatever it
// dequeues. It is idempotent.
func (s *Sink) abortWriter() {
	s.aborted.Store(true)
	s.cancelAbort()
}

// stopIntake closes the queue. Enqueue calls after it fail with ErrSinkClosed.
func (s *Sink) stopIntake() {
	s.intakeMu.Lock()
	defer s.intakeMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

// discardBuffered empties a closed queue, counting what it throws away.
func (s *Sink) discardBuffered() int64 {
	var n int64
	for range s.queue {
		n++
	}
	s.discarded.Add(n)
	s.metrics.SetBuffered(0)
	return n
}

// awaitWriter waits up to StopGrace for an aborted writer goroutine to exit.
// If the writer is still blocked in the output, the record it holds is
// claimed as discarded and false is returned.
func (s *Sink) awaitWriter() bool {
	if !s.started.Load() {
		return true
	}
	timer := time.NewTimer(s.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-s.writerDone:
		return true
	case <-timer.C:
	}
	if s.inFlight.CompareAndSwap(writing, abandoned) {
		s.discarded.Add(1)
	}
	s.log.Warnf("Sink writer still blocked in the output after %v; detaching it.", s.cfg.StopGrace)
	return false
}

// Close stops intake, writes every buffered record and flushes the output.
// It waits at most DrainTimeout, or until ctx is done; records still buffered
// then are discarded and counted. After a timeout the writer is aborted and
// given StopGrace to finish the record it holds. Close is idempotent and
// returns the same report every time.
func (s *Sink) Close(ctx context.Context) DrainReport {
	s.Start(context.Background())
	s.stopIntake()

	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.final != nil {
		return *s.final
	}

	var report DrainReport
	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-s.writerDone:
	case <-timer.C:
		report.TimedOut = true
	case <-ctx.Done():
		report.TimedOut = true
	case <-s.abortCtx.Done():
	}
	if report.TimedOut {
		s.abortWriter()
	}
	report.Aborted = s.aborted.Load() && !report.TimedOut
	report.Detached = !s.awaitWriter()
	// Empty unless the writer stopped early.
	s.discardBuffered()
	return s.finish(report)
}

// Abort stops intake and the writer immediately. Buffered records are
// discarded and counted, and the writer gets StopGrace to leave the output.
// It is idempotent, and safe to call while Close waits.
func (s *Sink) Abort() DrainReport {
	s.abortWriter()
	s.stopIntake()

	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.final != nil {
		return *s.final
	}
	report := DrainReport{Aborted: true}
	report.Detached = !s.awaitWriter()
	s.discardBuffered()
	return s.finish(report)
}

// finish freezes the counters into the final report and reports discards.
func (s *Sink) finish(report DrainReport) DrainReport {
	report.Written = s.written.Load()
	report.Dropped = s.dropped.Load()
	report.Discarded = s.discarded.Load()
	s.final = &report

	if report.Discarded > 0 {
		cause := errors.New("records discarded at shutdown")
		if s.degraded.Load() {
			cause = errors.New("records discarded after the output failed")
		}
		s.report(jsonlerrors.NewPolicyViolationError("ShutdownPolicy",
			fmt.Sprintf("%d record(s) were not written", report.Discarded), cause))
	}
	s.log.Debugf("Sink closed: written=%d dropped=%d discarded=%d timed_out=%t aborted=%t detached=%t",
		report.Written, report.Dropped, report.Discarded, report.TimedOut, report.Aborted, report.Detached)
	return report
}

// Stats returns a snapshot of the counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Buffered:  len(s.queue),
		Written:   s.written.Load(),
		Dropped:   s.dropped.Load(),
		Discarded: s.discarded.Load(),
		Degraded:  s.degraded.Load(),
		Aborted:   s.aborted.Load(),
	}
}
