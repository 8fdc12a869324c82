package sink_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gxo-labs/jsonl/internal/logger"
	"github.com/gxo-labs/jsonl/internal/serializer"
	"github.com/gxo-labs/jsonl/internal/sink"
	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type observed struct {
	mu   sync.Mutex
	errs []error
}

func (o *observed) observe(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *observed) all() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errs...)
}

func (o *observed) count(match func(error) bool) int {
	n := 0
	for _, err := range o.all() {
		if match(err) {
			n++
		}
	}
	return n
}

func record(producer string, seq int64) sink.Record {
	line := fmt.Sprintf(`{"type":"handler","name":"%s-%d"}`+"\n", producer, seq)
	return sink.Record{Line: serializer.Line{Data: []byte(line)}, Kind: "handler", Producer: producer, Sequence: seq}
}

func newSink(t *testing.T, w io.Writer, cfg sink.Config, obs *observed) *sink.Sink {
	t.Helper()
	opts := []sink.Option{}
	if obs != nil {
		opts = append(opts, sink.WithErrorObserver(obs.observe))
	}
	s, err := sink.New(w, cfg, logger.NewDiscardLogger(), opts...)
	require.NoError(t, err)
	return s
}

func TestSink_PerProducerOrder(t *testing.T) {
	const producers, perProducer = 8, 200
	var out bytes.Buffer
	s := newSink(t, &out, sink.Config{Capacity: 16}, nil)
	s.Start(context.Background())

	var g errgroup.Group
	for p := 0; p < producers; p++ {
		name := fmt.Sprintf("p%d", p)
		g.Go(func() error {
			for i := 0; i < perProducer; i++ {
				if err := s.Enqueue(record(name, int64(i))); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	report := s.Close(context.Background())

	assert.Equal(t, int64(producers*perProducer), report.Written)
	assert.Zero(t, report.Dropped)
	assert.Zero(t, report.Discarded)

	next := make(map[string]int)
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, producers*perProducer)
	for _, line := range lines {
		m, err := serializer.Decode([]byte(line))
		require.NoError(t, err, "every line must be one complete object: %q", line)
		name, ok := m["name"].(value.String)
		require.True(t, ok)
		producer, rest, _ := strings.Cut(string(name), "-")
		seq, err := strconv.Atoi(rest)
		require.NoError(t, err)
		assert.Equal(t, next[producer], seq, "producer %s out of order", producer)
		next[producer] = seq + 1
	}
}

func TestSink_DropOldest(t *testing.T) {
	var out bytes.Buffer
	obs := &observed{}
	s := newSink(t, &out, sink.Config{Capacity: 1, Policy: sink.DropOldest}, obs)

	for i := int64(0); i < 3; i++ {
		require.NoError(t, s.Enqueue(record("p", i)))
	}
	stats := s.Stats()
	assert.Equal(t, 1, stats.Buffered)
	assert.Equal(t, int64(2), stats.Dropped)
	assert.Equal(t, 2, obs.count(jsonlerrors.IsPolicyViolation))

	report := s.Close(context.Background())
	assert.Equal(t, int64(1), report.Written)
	assert.Equal(t, int64(2), report.Dropped)
	assert.Equal(t, `{"type":"handler","name":"p-2"}`+"\n", out.String(), "the newest record survives")
}

func TestSink_BlockTimesOut(t *testing.T) {
	obs := &observed{}
	s := newSink(t, io.Discard, sink.Config{Capacity: 1, BlockTimeout: 20 * time.Millisecond}, obs)

	require.NoError(t, s.Enqueue(record("p", 0)))
	start := time.Now()
	err := s.Enqueue(record("p", 1))
	require.Error(t, err)
	assert.True(t, jsonlerrors.IsPolicyViolation(err))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, int64(1), s.Stats().Dropped)
	assert.Equal(t, 1, obs.count(jsonlerrors.IsPolicyViolation))

	report := s.Close(context.Background())
	assert.Equal(t, int64(1), report.Written)
}

type failingWriter struct {
	calls    atomic.Int64
	failures int64
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.calls.Add(1) <= w.failures {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}

func TestSink_DegradedModeKeepsAccepting(t *testing.T) {
	w := &failingWriter{failures: 1 << 30}
	obs := &observed{}
	s := newSink(t, w, sink.Config{WriteAttempts: 2, WriteRetryDelay: time.Millisecond}, obs)
	s.Start(context.Background())

	for i := int64(0); i < 5; i++ {
		assert.NoError(t, s.Enqueue(record("p", i)))
	}
	report := s.Close(context.Background())

	assert.Equal(t, 1, obs.count(jsonlerrors.IsSinkWrite), "the write failure is reported once")
	assert.Zero(t, report.Written)
	assert.Equal(t, int64(5), report.Discarded)
	assert.True(t, s.Stats().Degraded)
	assert.Equal(t, int64(2), w.calls.Load(), "no writes after degrading")
}

func TestSink_PanickingObserverOnWriterGoroutine(t *testing.T) {
	w := &failingWriter{failures: 1 << 30}
	var calls atomic.Int64
	s, err := sink.New(w, sink.Config{}, logger.NewDiscardLogger(), sink.WithErrorObserver(func(error) {
		calls.Add(1)
		panic("observer bug")
	}))
	require.NoError(t, err)
	s.Start(context.Background())
	require.NoError(t, s.Enqueue(record("p", 0)))
	require.NoError(t, s.Enqueue(record("p", 1)))

	report := s.Close(context.Background())
	assert.Equal(t, int64(2), report.Discarded)
	assert.Equal(t, int64(2), calls.Load(), "write failure and shutdown discard")
}

func TestSink_RetryRecovers(t *testing.T) {
	w := &failingWriter{failures: 2}
	obs := &observed{}
	s := newSink(t, w, sink.Config{WriteAttempts: 3, WriteRetryDelay: time.Millisecond}, obs)
	s.Start(context.Background())
	require.NoError(t, s.Enqueue(record("p", 0)))

	report := s.Close(context.Background())
	assert.Equal(t, int64(1), report.Written)
	assert.Empty(t, obs.all())
	assert.False(t, s.Stats().Degraded)
}

type chunkWriter struct{ bytes.Buffer }

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(p) > 3 {
		p = p[:3]
	}
	return w.Buffer.Write(p)
}

func TestSink_ShortWritesComplete(t *testing.T) {
	w := &chunkWriter{}
	s := newSink(t, w, sink.Config{}, nil)
	require.NoError(t, s.Enqueue(record("p", 0)))
	require.NoError(t, s.Enqueue(record("p", 1)))

	report := s.Close(context.Background())
	assert.Equal(t, int64(2), report.Written)
	assert.Equal(t, `{"type":"handler","name":"p-0"}`+"\n"+`{"type":"handler","name":"p-1"}`+"\n", w.String())
}

func TestSink_AbortDiscardsAndReports(t *testing.T) {
	var out bytes.Buffer
	obs := &observed{}
	s := newSink(t, &out, sink.Config{Capacity: 10}, obs)
	for i := int64(0); i < 5; i++ {
		require.NoError(t, s.Enqueue(record("p", i)))
	}

	report := s.Abort()
	assert.True(t, report.Aborted)
	assert.Equal(t, int64(5), report.Discarded)
	assert.Zero(t, report.Written)
	assert.Empty(t, out.String())
	assert.Equal(t, 1, obs.count(jsonlerrors.IsPolicyViolation), "discarded records are reported")

	assert.Equal(t, report, s.Abort(), "Abort is idempotent")
	assert.Equal(t, report, s.Close(context.Background()))

	err := s.Enqueue(record("p", 9))
	assert.ErrorIs(t, err, jsonlerrors.ErrSinkClosed)
}

func TestSink_EnqueueAfterClose(t *testing.T) {
	obs := &observed{}
	s := newSink(t, io.Discard, sink.Config{}, obs)
	first := s.Close(context.Background())

	err := s.Enqueue(record("p", 0))
	assert.ErrorIs(t, err, jsonlerrors.ErrSinkClosed)
	assert.Equal(t, 1, obs.count(func(err error) bool { return errors.Is(err, jsonlerrors.ErrSinkClosed) }))
	assert.Equal(t, int64(1), s.Stats().Dropped)
	assert.Equal(t, first, s.Close(context.Background()))
}

func TestSink_DrainTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()
	obs := &observed{}
	s := newSink(t, pw, sink.Config{Capacity: 10, DrainTimeout: 30 * time.Millisecond, StopGrace: 20 * time.Millisecond}, obs)
	s.Start(context.Background())
	for i := int64(0); i < 4; i++ {
		require.NoError(t, s.Enqueue(record("p", i)))
	}

	report := s.Close(context.Background())
	assert.True(t, report.TimedOut)
	assert.True(t, report.Detached, "the writer is stuck on the first record")
	assert.Equal(t, int64(4), report.Discarded, "the record in flight counts as discarded")
	assert.Zero(t, report.Written)

	// Unblock the writer goroutine.
	_ = pr.CloseWithError(errors.New("reader gone"))
}

// slowWriter counts complete lines and takes delay per Write.
type slowWriter struct {
	delay time.Duration
	lines atomic.Int64
}

func (w *slowWriter) Write(p []byte) (int, error) {
	time.Sleep(w.delay)
	w.lines.Add(int64(bytes.Count(p, []byte("\n"))))
	return len(p), nil
}

func TestSink_DrainTimeoutWaitsForRecordInFlight(t *testing.T) {
	w := &slowWriter{delay: 100 * time.Millisecond}
	s := newSink(t, w, sink.Config{Capacity: 10, DrainTimeout: 30 * time.Millisecond}, nil)
	s.Start(context.Background())
	for i := int64(0); i < 4; i++ {
		require.NoError(t, s.Enqueue(record("p", i)))
	}

	report := s.Close(context.Background())
	linesAtClose := w.lines.Load()

	assert.True(t, report.TimedOut)
	assert.False(t, report.Detached)
	assert.Equal(t, int64(4), report.Written+report.Dropped+report.Discarded, "every record is accounted for")
	assert.Equal(t, report.Written, linesAtClose)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, linesAtClose, w.lines.Load(), "nothing is written after Close returns")
	assert.Equal(t, report.Written, s.Stats().Written)
}

// gateWriter blocks every Write until release is closed.
type gateWriter struct {
	release  chan struct{}
	returned chan struct{}
}

func (w *gateWriter) Write(p []byte) (int, error) {
	<-w.release
	defer close(w.returned)
	return len(p), nil
}

func TestSink_DetachedWriterIsNotCountedTwice(t *testing.T) {
	w := &gateWriter{release: make(chan struct{}), returned: make(chan struct{})}
	s := newSink(t, w, sink.Config{Capacity: 10, DrainTimeout: 20 * time.Millisecond, StopGrace: 20 * time.Millisecond}, nil)
	s.Start(context.Background())
	for i := int64(0); i < 3; i++ {
		require.NoError(t, s.Enqueue(record("p", i)))
	}

	report := s.Close(context.Background())
	assert.True(t, report.Detached)
	assert.Equal(t, int64(3), report.Discarded)
	assert.Zero(t, report.Written)

	close(w.release)
	select {
	case <-w.returned:
	case <-time.After(time.Second):
		t.Fatal("writer never returned")
	}
	time.Sleep(20 * time.Millisecond)
	st := s.Stats()
	assert.Zero(t, st.Written, "a record abandoned at shutdown never turns into a write")
	assert.Equal(t, int64(3), st.Discarded)
	assert.False(t, st.Degraded)
}

func TestSink_AbortWaitsForWriter(t *testing.T) {
	w := &slowWriter{delay: 50 * time.Millisecond}
	s := newSink(t, w, sink.Config{Capacity: 10}, nil)
	s.Start(context.Background())
	for i := int64(0); i < 3; i++ {
		require.NoError(t, s.Enqueue(record("p", i)))
	}
	// Let the writer pick up the first record.
	time.Sleep(10 * time.Millisecond)

	report := s.Abort()
	assert.True(t, report.Aborted)
	assert.False(t, report.Detached)
	assert.Equal(t, int64(3), report.Written+report.Discarded)
	assert.Equal(t, report.Written, w.lines.Load())
}

func TestSink_FlushesWhenQueueDrains(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()
	defer pw.Close()

	bw := bufio.NewWriterSize(pw, 64*1024)
	s := newSink(t, bw, sink.Config{}, nil)
	s.Start(context.Background())

	lineCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(pr).ReadString('\n')
		if err != nil {
			errCh <- err
			return
		}
		lineCh <- line
	}()

	require.NoError(t, s.Enqueue(record("p", 0)))

	select {
	case line := <-lineCh:
		assert.Equal(t, `{"type":"handler","name":"p-0"}`+"\n", line)
	case err := <-errCh:
		t.Fatalf("read error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the line; sink is not flushing")
	}
	s.Abort()
}

type styleRecorder struct {
	mu     sync.Mutex
	styles []serializer.Style
}

func (w *styleRecorder) Write(p []byte) (int, error) { return len(p), nil }

func (w *styleRecorder) WriteStyled(p []byte, style serializer.Style) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.styles = append(w.styles, style)
	return len(p), nil
}

func TestSink_PassesStyleHints(t *testing.T) {
	w := &styleRecorder{}
	s := newSink(t, w, sink.Config{}, nil)
	rec := record("p", 0)
	rec.Line.Style = serializer.StyleYellow
	require.NoError(t, s.Enqueue(rec))
	s.Close(context.Background())

	assert.Equal(t, []serializer.Style{serializer.StyleYellow}, w.styles)
}

func TestSink_CancelledContextAborts(t *testing.T) {
	s := newSink(t, io.Discard, sink.Config{Capacity: 10}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool { return s.Stats().Aborted }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Close(context.Background()).Aborted)
}

func TestRun_ClosesOnErrorAndPanic(t *testing.T) {
	var out bytes.Buffer
	boom := errors.New("engine failed")
	report, err := sink.Run(context.Background(), &out, sink.Config{}, logger.NewDiscardLogger(), func(_ context.Context, s *sink.Sink) error {
		_ = s.Enqueue(record("p", 0))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), report.Written)
	assert.Contains(t, out.String(), "p-0")

	out.Reset()
	assert.PanicsWithValue(t, "kaboom", func() {
		_, _ = sink.Run(context.Background(), &out, sink.Config{}, logger.NewDiscardLogger(), func(_ context.Context, s *sink.Sink) error {
			_ = s.Enqueue(record("p", 1))
			panic("kaboom")
		})
	})
	assert.Contains(t, out.String(), "p-1", "buffered lines are flushed before the panic propagates")
}

func TestConfig(t *testing.T) {
	def := sink.DefaultConfig()
	assert.Equal(t, sink.DefaultCapacity, def.Capacity)
	assert.Equal(t, sink.Block, def.Policy)
	assert.Equal(t, 5*time.Second, def.BlockTimeout)
	assert.Equal(t, 10*time.Second, def.DrainTimeout)
	assert.Equal(t, time.Second, def.StopGrace)

	err := sink.Config{Capacity: -1, Policy: "random", DrainTimeout: -time.Second}.Validate()
	require.Error(t, err)
	var cfgErr *jsonlerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "capacity")
	assert.Contains(t, err.Error(), "random")
	assert.Contains(t, err.Error(), "drain timeout")

	p, err := sink.ParseBackpressure(" DROP_OLDEST ")
	require.NoError(t, err)
	assert.Equal(t, sink.DropOldest, p)

	_, err = sink.New(nil, sink.Config{}, nil)
	assert.Error(t, err)
}
