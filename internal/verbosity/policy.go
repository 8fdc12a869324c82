// Package verbosity decides which optional event fields are emitted at a
// given verbosity level. Everything here is a pure function of (kind, level).
package verbosity

import (
	"fmt"
	"sort"

	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/events"
)

// Level is a verbosity level, 0 being the quietest. -v on the engine's
// command line is level 1, -vv level 2 and so on.
type Level int

// Common levels.
const (
	Default Level = 0
	// Detail reveals check_mode and play vars.
	Detail Level = 2
	// Traceback switches exception diagnostics from a summary to the full text.
	Traceback Level = 3
)

// ParseLevel validates a raw level.
func ParseLevel(n int) (Level, error) {
	if n < 0 {
		return 0, jsonlerrors.NewValidationError(fmt.Sprintf("verbosity must be >= 0, got %d", n), nil)
	}
	return Level(n), nil
}

// Rule makes an optional Field of Kind visible from MinLevel upwards.
type Rule struct {
	Kind     events.Kind
	Field    string
	MinLevel Level
}

// rules is the visibility table for optional fields. Fields not listed here
// are mandatory and always present. It is fixed at compile time.
var rules = []Rule{
	{Kind: events.KindTask, Field: "check_mode", MinLevel: Detail},
	{Kind: events.KindPlay, Field: "vars", MinLevel: Detail},
}

// Rules returns a copy of the visibility table for optional fields.
// Changing the copy has no effect on Visible, Fields or Select.
func Rules() []Rule {
	return append([]Rule(nil), rules...)
}

var mandatory = map[events.Kind][]string{
	events.KindTask:      {"type", "name", "host", "state", "result"},
	events.KindPlay:      {"type", "name"},
	events.KindSkipPlay:  {"type", "reason", "play_name"},
	events.KindHandler:   {"type", "name"},
	events.KindPlayRecap: {"type", "hosts"},
}

// Visible reports whether field of kind is emitted at level. Mandatory fields
// are visible at every level, unknown fields at none.
func Visible(kind events.Kind, field string, level Level) bool {
	for _, f := range mandatory[kind] {
		if f == field {
			return true
		}
	}
	for _, r := range rules {
		if r.Kind == kind && r.Field == field {
			return level >= r.MinLevel
		}
	}
	return false
}

// Fields returns the sorted set of record fields a kind carries at level.
// Negative levels are treated as 0 so the function stays total.
func Fields(kind events.Kind, level Level) []string {
	if level < 0 {
		level = 0
	}
	fields := append([]string(nil), mandatory[kind]...)
	for _, r := range rules {
		if r.Kind == kind && level >= r.MinLevel {
			fields = append(fields, r.Field)
		}
	}
	sort.Strings(fields)
	return fields
}

// Select returns a copy of ev with the optional fields that are not visible
// at level cleared. ev itself is not modified.
func Select(ev events.Event, level Level) events.Event {
	switch e := ev.(type) {
	case events.TaskResult:
		if !Visible(events.KindTask, "check_mode", level) {
			e.CheckMode = nil
		}
		return e
	case events.PlayStart:
		if !Visible(events.KindPlay, "vars", level) {
			e.Vars = nil
		}
		return e
	default:
		return ev
	}
}
