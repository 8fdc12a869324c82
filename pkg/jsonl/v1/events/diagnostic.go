package events

import (
	"sync"
	"sync/atomic"
)

// Severity classifies a diagnostic message.
type Severity string

const (
	SeverityWarning    Severity = "warning"
	SeverityDeprecated Severity = "deprecated"
	// SeverityError carries exception summaries from failed or unreachable results.
	SeverityError Severity = "error"
)

// Diagnostic is a warning, deprecation or exception summary pulled out of a
// result payload. Once extracted it travels only on the diagnostic channel.
type Diagnostic struct {
	Severity Severity
	Message  string
	// Version, Date and CollectionName are set for structured deprecations.
	Version        string
	Date           string
	CollectionName string
	// Context of the result the message came from.
	Producer string
	Task     string
	Host     string
}

// DiagnosticHandler is the on_diagnostic callback. It is invoked once per
// extracted message.
type DiagnosticHandler func(d Diagnostic)

// Sequencer hands out per-producer sequence numbers starting at 0. It is safe
// for concurrent use.
type Sequencer struct {
	mu       sync.Mutex
	counters map[string]*atomic.Int64
}

// NewSequencer creates an empty Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{counters: make(map[string]*atomic.Int64)}
}

// Next returns the next sequence number for producer.
func (s *Sequencer) Next(producer string) int64 {
	s.mu.Lock()
	counter, ok := s.counters[producer]
	if !ok {
		counter = new(atomic.Int64)
		s.counters[producer] = counter
	}
	s.mu.Unlock()
	return counter.Add(1) - 1
}
