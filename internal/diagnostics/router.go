package diagnostics

import (
	"sync"
	"sync/atomic"

	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/events"
	jsonllog "github.com/gxo-labs/jsonl/pkg/jsonl/v1/log"
)

// Router delivers extracted diagnostics to the diagnostic channel. Route is
// called once per message, possibly from many producers at once, and must not
// block for long. Diagnostics never reach the record stream; the Router is
// their only way out of the emitter.
type Router interface {
	Route(d events.Diagnostic)
}

// FuncRouter adapts a plain handler function to the Router interface. The
// handler is called synchronously on the producer's goroutine, so it must be
// safe for concurrent use.
type FuncRouter events.DiagnosticHandler

// Route implements Router. A nil handler drops the message.
func (f FuncRouter) Route(d events.Diagnostic) {
	if f != nil {
		f(d)
	}
}

// NoOpRouter discards every diagnostic. It is the default when no handler
// is configured.
type NoOpRouter struct{}

// NewNoOpRouter creates a new NoOpRouter.
func NewNoOpRouter() Router {
	return &NoOpRouter{}
}

// Route implements Router and does nothing.
func (n *NoOpRouter) Route(events.Diagnostic) {}

// ChannelRouter implements Router using a buffered Go channel. It gives an
// in-process consumer, such as LogListener, a decoupled feed of diagnostics.
// Route never blocks: when the buffer is full the message is dropped, counted
// and a warning is logged.
type ChannelRouter struct {
	// mu guards closed. Route holds it for reading while it sends, so Close
	// never closes the channel under a sender.
	mu     sync.RWMutex
	closed bool
	// channel holds diagnostics pending delivery.
	channel chan events.Diagnostic
	// dropped counts messages lost to a full buffer or a closed router.
	dropped atomic.Int64
	log     jsonllog.Logger
}

// NewChannelRouter creates a ChannelRouter with the given buffer size.
// A non-positive bufferSize selects a default of 100.
// Panics if log is nil.
func NewChannelRouter(bufferSize int, log jsonllog.Logger) *ChannelRouter {
	const defaultBufferSize = 100
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	// A router that cannot report its drops is a setup error.
	if log == nil {
		panic("ChannelRouter requires a non-nil logger")
	}
	r := &ChannelRouter{
		channel: make(chan events.Diagnostic, bufferSize),
		log:     log.With("component", "ChannelRouter"),
	}
	r.log.Debugf("ChannelRouter initialized with buffer size %d", bufferSize)
	return r
}

// Route implements Router. The send is non-blocking: a full buffer drops the
// message with a warning. Messages routed after Close are counted as dropped
// without a warning.
func (c *ChannelRouter) Route(d events.Diagnostic) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.dropped.Add(1)
		return
	}
	select {
	case c.channel <- d:
	default:
		// The buffer is full and the send would block.
		c.dropped.Add(1)
		c.log.Warnf("Diagnostic channel buffer full, dropping %s message", d.Severity)
	}
}

// C returns the channel consumers read from. It is not part of the Router
// interface. The channel is closed by Close, so a consumer ranging over it
// stops once the remaining messages are drained.
func (c *ChannelRouter) C() <-chan events.Diagnostic {
	return c.channel
}

// Dropped returns how many messages were lost to a full buffer or a closed router.
func (c *ChannelRouter) Dropped() int64 {
	return c.dropped.Load()
}

// Close closes the underlying channel, signalling consumers that no more
// diagnostics will arrive. Call it only after the emitter feeding the router
// has been closed. It is safe to call more than once.
func (c *ChannelRouter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.log.Debugf("Closing ChannelRouter channel.")
	close(c.channel)
}

var (
	_ Router = FuncRouter(nil)
	_ Router = (*NoOpRouter)(nil)
	_ Router = (*ChannelRouter)(nil)
)
