package events

import (
	"fmt"
	"strings"
	"time"

	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/value"
)

// Constructors validate once so that every Event reaching the pipeline is
// well formed. They trim names the way the engine displays them.

func checkHeader(kind Kind, h Header) (Header, error) {
	if h.Sequence < 0 {
		return h, jsonlerrors.NewInvalidEventError(string(kind), "sequence", fmt.Sprintf("must not be negative, got %d", h.Sequence))
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now()
	}
	return h, nil
}

func requireName(kind Kind, field, name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", jsonlerrors.NewInvalidEventError(string(kind), field, "must not be empty")
	}
	return trimmed, nil
}

// NewPlayStart validates and builds a PlayStart. vars may be nil.
func NewPlayStart(h Header, name string, vars value.Mapping) (PlayStart, error) {
	h, err := checkHeader(KindPlay, h)
	if err != nil {
		return PlayStart{}, err
	}
	name, err = requireName(KindPlay, "name", name)
	if err != nil {
		return PlayStart{}, err
	}
	return PlayStart{Header: h, Name: name, Vars: vars}, nil
}

// NewHandlerStart validates and builds a HandlerStart.
func NewHandlerStart(h Header, name string) (HandlerStart, error) {
	h, err := checkHeader(KindHandler, h)
	if err != nil {
		return HandlerStart{}, err
	}
	name, err = requireName(KindHandler, "name", name)
	if err != nil {
		return HandlerStart{}, err
	}
	return HandlerStart{Header: h, Name: name}, nil
}

// TaskResultInput gathers the fields of a task result before validation.
type TaskResultInput struct {
	TaskName     string
	Host         string
	State        string
	CheckMode    *bool
	Action       string
	IgnoreErrors bool
	Result       value.Mapping
}

// NewTaskResult validates and builds a TaskResult. A nil Result becomes an
// empty mapping so the record always carries a `result` object.
func NewTaskResult(h Header, in TaskResultInput) (TaskResult, error) {
	h, err := checkHeader(KindTask, h)
	if err != nil {
		return TaskResult{}, err
	}
	taskName, err := requireName(KindTask, "task_name", in.TaskName)
	if err != nil {
		return TaskResult{}, err
	}
	host, err := requireName(KindTask, "host", in.Host)
	if err != nil {
		return TaskResult{}, err
	}
	state, err := ParseState(in.State)
	if err != nil {
		return TaskResult{}, err
	}
	result := in.Result
	if result == nil {
		result = value.Mapping{}
	}
	return TaskResult{
		Header:       h,
		TaskName:     taskName,
		Host:         host,
		State:        state,
		CheckMode:    in.CheckMode,
		Action:       strings.TrimSpace(in.Action),
		IgnoreErrors: in.IgnoreErrors,
		Result:       result,
	}, nil
}

// NewSkipPlay validates and builds a SkipPlay.
func NewSkipPlay(h Header, reason, playName string) (SkipPlay, error) {
	h, err := checkHeader(KindSkipPlay, h)
	if err != nil {
		return SkipPlay{}, err
	}
	reason, err = requireName(KindSkipPlay, "reason", reason)
	if err != nil {
		return SkipPlay{}, err
	}
	// The play name may legitimately be unknown, e.g. when no play started yet.
	return SkipPlay{Header: h, Reason: reason, PlayName: strings.TrimSpace(playName)}, nil
}

// NewRunRecap validates and builds a RunRecap. The hosts map is copied.
func NewRunRecap(h Header, hosts map[string]HostSummary) (RunRecap, error) {
	h, err := checkHeader(KindPlayRecap, h)
	if err != nil {
		return RunRecap{}, err
	}
	cpy := make(map[string]HostSummary, len(hosts))
	for name, summary := range hosts {
		if strings.TrimSpace(name) == "" {
			return RunRecap{}, jsonlerrors.NewInvalidEventError(string(KindPlayRecap), "hosts", "host name must not be empty")
		}
		if err := summary.validate(name); err != nil {
			return RunRecap{}, err
		}
		cpy[name] = summary
	}
	return RunRecap{Header: h, Hosts: cpy}, nil
}

func (s HostSummary) validate(host string) error {
	counts := []struct {
		name string
		n    int
	}{
		{"ok", s.OK}, {"changed", s.Changed}, {"unreachable", s.Unreachable},
		{"failed", s.Failed}, {"skipped", s.Skipped}, {"rescued", s.Rescued}, {"ignored", s.Ignored},
	}
	for _, c := range counts {
		if c.n < 0 {
			return jsonlerrors.NewInvalidEventError(string(KindPlayRecap), "hosts."+host+"."+c.name, fmt.Sprintf("count must not be negative, got %d", c.n))
		}
	}
	return nil
}

// Validate re-checks an event built as a struct literal rather than through
// a constructor.
func Validate(ev Event) error {
	_, err := Normalize(ev)
	return err
}

// Normalize validates ev and returns it the way its constructor would have
// built it: names trimmed, a nil result replaced by an empty mapping and a
// missing timestamp filled in.
func Normalize(ev Event) (Event, error) {
	if ev == nil {
		return nil, jsonlerrors.NewInvalidEventError("", "event", "must not be nil")
	}
	switch e := ev.(type) {
	case PlayStart:
		return NewPlayStart(e.Header, e.Name, e.Vars)
	case HandlerStart:
		return NewHandlerStart(e.Header, e.Name)
	case TaskResult:
		return NewTaskResult(e.Header, TaskResultInput{
			TaskName: e.TaskName, Host: e.Host, State: string(e.State),
			CheckMode: e.CheckMode, Action: e.Action, IgnoreErrors: e.IgnoreErrors, Result: e.Result,
		})
	case SkipPlay:
		return NewSkipPlay(e.Header, e.Reason, e.PlayName)
	case RunRecap:
		return NewRunRecap(e.Header, e.Hosts)
	default:
		return nil, jsonlerrors.NewInvalidEventError("", "event", fmt.Sprintf("unsupported event type %T", ev))
	}
}
