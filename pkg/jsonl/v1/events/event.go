// Package events defines the typed lifecycle events a task-execution engine
// hands to the emission core, and the diagnostic records extracted from them.
package events

import (
	"strings"
	"time"

	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/value"
)

// Kind represents the type of a lifecycle event. Its string value is the
// `type` field of the emitted record.
type Kind string

// Standard event kinds.
const (
	KindTask      Kind = "task"
	KindPlay      Kind = "play"
	KindSkipPlay  Kind = "skip_play"
	KindHandler   Kind = "handler"
	KindPlayRecap Kind = "play_recap"
)

// Kinds lists every event kind in a stable order.
var Kinds = []Kind{KindTask, KindPlay, KindSkipPlay, KindHandler, KindPlayRecap}

// State is the final outcome of a task on one host.
type State string

const (
	StateOK          State = "ok"
	StateChanged     State = "changed"
	StateSkipped     State = "skipped"
	StateUnreachable State = "unreachable"
	StateFailed      State = "failed"
)

// ParseState validates a raw state string.
func ParseState(s string) (State, error) {
	switch st := State(strings.ToLower(strings.TrimSpace(s))); st {
	case StateOK, StateChanged, StateSkipped, StateUnreachable, StateFailed:
		return st, nil
	default:
		return "", jsonlerrors.NewInvalidEventError(string(KindTask), "state", "unknown state '"+s+"'")
	}
}

// Header carries the attributes common to every event.
type Header struct {
	// Timestamp marks when the engine observed the event.
	Timestamp time.Time
	// Sequence increases monotonically per producer and orders its events.
	Sequence int64
	// Producer identifies the engine worker that emitted the event.
	Producer string
}

// Event is implemented by the five lifecycle variants. The set is closed.
type Event interface {
	Kind() Kind
	Meta() Header
	isEvent()
}

// PlayStart announces a play.
type PlayStart struct {
	Header
	Name string
	// Vars is optional; nil means absent.
	Vars value.Mapping
}

// HandlerStart announces a handler task.
type HandlerStart struct {
	Header
	Name string
}

// TaskResult reports the outcome of one task on one host.
type TaskResult struct {
	Header
	TaskName string
	Host     string
	State    State
	// CheckMode is optional; nil means absent.
	CheckMode *bool
	// Action names the module that produced Result. It selects the cleaner
	// denylist and is never serialized.
	Action string
	// IgnoreErrors marks a failure the engine was told to ignore. Used for the
	// recap tally only.
	IgnoreErrors bool
	Result       value.Mapping
}

// SkipPlay reports a play that did not run.
type SkipPlay struct {
	Header
	Reason   string
	PlayName string
}

// HostSummary holds the per-host counters of a run recap.
type HostSummary struct {
	OK          int `json:"ok"`
	Changed     int `json:"changed"`
	Unreachable int `json:"unreachable"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	Rescued     int `json:"rescued"`
	Ignored     int `json:"ignored"`
}

// RunRecap closes a run with per-host summaries.
type RunRecap struct {
	Header
	Hosts map[string]HostSummary
}

func (PlayStart) Kind() Kind    { return KindPlay }
func (HandlerStart) Kind() Kind { return KindHandler }
func (TaskResult) Kind() Kind   { return KindTask }
func (SkipPlay) Kind() Kind     { return KindSkipPlay }
func (RunRecap) Kind() Kind     { return KindPlayRecap }

func (e PlayStart) Meta() Header    { return e.Header }
func (e HandlerStart) Meta() Header { return e.Header }
func (e TaskResult) Meta() Header   { return e.Header }
func (e SkipPlay) Meta() Header     { return e.Header }
func (e RunRecap) Meta() Header     { return e.Header }

func (PlayStart) isEvent()    {}
func (HandlerStart) isEvent() {}
func (TaskResult) isEvent()   {}
func (SkipPlay) isEvent()     {}
func (RunRecap) isEvent()     {}

// WithHeader returns a copy of ev carrying h. It is how the emitter stamps
// producer and sequence onto events built without them.
func WithHeader(ev Event, h Header) Event {
	switch e := ev.(type) {
	case PlayStart:
		e.Header = h
		return e
	case HandlerStart:
		e.Header = h
		return e
	case TaskResult:
		e.Header = h
		return e
	case SkipPlay:
		e.Header = h
		return e
	case RunRecap:
		e.Header = h
		return e
	default:
		return ev
	}
}

// Bool is a helper for the optional CheckMode field.
func Bool(b bool) *bool { return &b }
