package emitter

import (
	"context"
	"fmt"

	"github.com/gxo-labs/jsonl/internal/diagnostics"
	"github.com/gxo-labs/jsonl/internal/metrics"
	"github.com/gxo-labs/jsonl/internal/sink"
	"github.com/gxo-labs/jsonl/internal/tracing"
	"github.com/gxo-labs/jsonl/internal/verbosity"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/events"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/value"
)

// NoHostsMatchedReason is the reason of the skip_play record emitted by
// NoHostsMatched.
const NoHostsMatchedReason = "no hosts matched"

// ignoreErrorsKey is the engine bookkeeping flag marking an ignored failure.
const ignoreErrorsKey = "_ansible_ignore_errors"

// PlayStart emits a play record.
func (e *Emitter) PlayStart(ev events.PlayStart, level verbosity.Level) { e.emit(nil, ev, level) }

// HandlerStart emits a handler record.
func (e *Emitter) HandlerStart(ev events.HandlerStart, level verbosity.Level) {
	e.emit(nil, ev, level)
}

// TaskResult emits a task record.
func (e *Emitter) TaskResult(ev events.TaskResult, level verbosity.Level) { e.emit(nil, ev, level) }

// SkipPlay emits a skip_play record.
func (e *Emitter) SkipPlay(ev events.SkipPlay, level verbosity.Level) { e.emit(nil, ev, level) }

// RunRecap emits a play_recap record.
func (e *Emitter) RunRecap(ev events.RunRecap, level verbosity.Level) { e.emit(nil, ev, level) }

// NoHostsMatched emits a skip_play record naming the most recent play.
func (e *Emitter) NoHostsMatched(level verbosity.Level) { e.emit(nil, e.noHostsMatched(), level) }

// EmitTalliedRecap emits a play_recap from the task results seen so far.
func (e *Emitter) EmitTalliedRecap(level verbosity.Level) {
	e.emit(nil, events.RunRecap{Hosts: e.tally.snapshot()}, level)
}

func (e *Emitter) noHostsMatched() events.SkipPlay {
	e.playMu.RLock()
	defer e.playMu.RUnlock()
	return events.SkipPlay{Reason: NoHostsMatchedReason, PlayName: e.lastPlay}
}

func (e *Emitter) level(level verbosity.Level) verbosity.Level {
	if level < 0 {
		return e.defaultLevel
	}
	return level
}

// emit runs one event through the pipeline up to the sink. Every failure is
// handed to the error observer; nothing escapes to the caller, not even a
// panic from a user-supplied router or observer.
func (e *Emitter) emit(p *producer, ev events.Event, level verbosity.Level) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("Recovered panic while emitting event: %v", r)
			e.safeObserve(fmt.Errorf("event dropped after a panic in the emit pipeline: %v", r))
		}
	}()

	ev, err := events.Normalize(ev)
	if err != nil {
		e.invalidEvents.Add(1)
		e.metrics.InvalidEvent()
		e.metrics.Dropped(metrics.ReasonInvalidEvent)
		e.observe(err)
		return
	}
	ev = e.stamp(p, ev)
	level = e.level(level)
	h := ev.Meta()

	_, span := tracing.StartEmitSpan(context.Background(), e.tracer, string(ev.Kind()), eventName(ev),
		tracing.AttrProducer.String(h.Producer),
		tracing.AttrSequence.Int64(h.Sequence),
	)
	defer span.End()

	// The ignore flag is read before cleaning may strip it.
	tallied, isTask := taskOutcome(ev)

	ev = e.transform(ev, level)
	ev = verbosity.Select(ev, level)

	line, err := e.serializer.Serialize(ev)
	if err != nil {
		e.serialErrors.Add(1)
		e.metrics.SerializationError()
		e.metrics.Dropped(metrics.ReasonSerialization)
		err = fmt.Errorf("dropped %s event from producer '%s' (sequence %d): %w", ev.Kind(), h.Producer, h.Sequence, err)
		tracing.RecordError(span, err, e.tracker)
		e.observe(err)
		return
	}

	// The sink reports its own drops.
	if err := e.sink.Enqueue(sink.Record{Line: line, Kind: string(ev.Kind()), Producer: h.Producer, Sequence: h.Sequence}); err != nil {
		span.SetAttributes(tracing.AttrDropped.Bool(true))
		tracing.RecordError(span, err, e.tracker)
		return
	}
	e.emitted.Add(1)
	if isTask {
		e.tally.record(tallied.host, tallied.state, tallied.ignored)
	}
}

// outcome is what the recap tally needs from a task result.
type outcome struct {
	host    string
	state   events.State
	ignored bool
}

func taskOutcome(ev events.Event) (outcome, bool) {
	t, ok := ev.(events.TaskResult)
	if !ok {
		return outcome{}, false
	}
	return outcome{
		host:    t.Host,
		state:   t.State,
		ignored: t.IgnoreErrors || value.Truthy(t.Result[ignoreErrorsKey]),
	}, true
}

// safeObserve reports err from the recovery path without risking a second panic.
func (e *Emitter) safeObserve(err error) {
	defer func() { _ = recover() }()
	e.observe(err)
}

// stamp assigns producer identity and sequence. Events emitted through a
// producer handle always get the handle's identity; direct calls keep a
// caller-supplied producer and sequence and otherwise use the emitter's own.
func (e *Emitter) stamp(p *producer, ev events.Event) events.Event {
	h := ev.Meta()
	id := e.producerID
	if p != nil {
		id = p.id
	} else if h.Producer != "" {
		return ev
	}
	h.Producer = id
	h.Sequence = e.sequencer.Next(id)
	return events.WithHeader(ev, h)
}

// transform applies the per-kind payload stages: cleaning and diagnostic
// extraction for task results, masking for play vars.
func (e *Emitter) transform(ev events.Event, level verbosity.Level) events.Event {
	switch t := ev.(type) {
	case events.TaskResult:
		result, rep := e.cleaner.CleanWithReport(t.Result, t.Action)
		e.metrics.SecretsRedacted(rep.Redacted)

		var diags []events.Diagnostic
		if t.State == events.StateFailed || t.State == events.StateUnreachable {
			var exc []events.Diagnostic
			result, exc = diagnostics.ExtractException(result, level)
			diags = append(diags, exc...)
		}
		if e.actionWarnings && (t.State == events.StateOK || t.State == events.StateChanged || t.State == events.StateFailed) {
			var warn []events.Diagnostic
			result, warn = diagnostics.Extract(result)
			diags = append(diags, warn...)
		}
		e.route(diagnostics.Stamp(diags, t.Producer, t.TaskName, t.Host))
		t.Result = result
		return t

	case events.PlayStart:
		e.playMu.Lock()
		e.lastPlay = t.Name
		e.playMu.Unlock()
		if t.Vars != nil {
			var n int
			t.Vars, n = e.cleaner.Mask(t.Vars)
			e.metrics.SecretsRedacted(n)
		}
		return t

	default:
		return ev
	}
}

func (e *Emitter) route(diags []events.Diagnostic) {
	for _, d := range diags {
		e.diagnostics.Add(1)
		e.metrics.Diagnostic(string(d.Severity))
		e.router.Route(d)
	}
}

func eventName(ev events.Event) string {
	switch t := ev.(type) {
	case events.PlayStart:
		return t.Name
	case events.HandlerStart:
		return t.Name
	case events.TaskResult:
		return t.TaskName
	case events.SkipPlay:
		return t.PlayName
	default:
		return ""
	}
}
