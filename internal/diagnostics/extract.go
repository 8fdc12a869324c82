// Package diagnostics pulls warnings, deprecations and exception summaries out
// of task results and routes them away from the record stream.
package diagnostics

import (
	"strings"

	"github.com/gxo-labs/jsonl/internal/serializer"
	"github.com/gxo-labs/jsonl/internal/verbosity"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/events"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/value"
)

// Result keys consumed here.
const (
	WarningsKey     = "warnings"
	DeprecationsKey = "deprecations"
	ExceptionKey    = "exception"
)

// Extract removes the warnings and deprecations lists from result and returns
// their messages, warnings first, each list in input order. A key that is
// absent or holds an empty list is left untouched. result is not modified.
func Extract(result value.Mapping) (value.Mapping, []events.Diagnostic) {
	var (
		diags  []events.Diagnostic
		remove []string
	)
	if items, ok := listAt(result, WarningsKey); ok {
		for _, item := range items {
			diags = append(diags, warning(item))
		}
		remove = append(remove, WarningsKey)
	}
	if items, ok := listAt(result, DeprecationsKey); ok {
		for _, item := range items {
			diags = append(diags, deprecation(item))
		}
		remove = append(remove, DeprecationsKey)
	}
	if len(remove) == 0 {
		return result, []events.Diagnostic{}
	}
	return result.Without(remove...), diags
}

// listAt returns the items stored under key when it holds something truthy.
// A lone scalar or mapping counts as a one-item list.
func listAt(result value.Mapping, key string) (value.Sequence, bool) {
	raw, ok := result[key]
	if !ok || !value.Truthy(raw) {
		return nil, false
	}
	if seq, isSeq := raw.(value.Sequence); isSeq {
		return seq, true
	}
	return value.Sequence{raw}, true
}

func warning(item value.Value) events.Diagnostic {
	return events.Diagnostic{Severity: events.SeverityWarning, Message: render(item)}
}

// deprecation reads the structured form {msg, version, date, collection_name}.
func deprecation(item value.Value) events.Diagnostic {
	d := events.Diagnostic{Severity: events.SeverityDeprecated}
	m, ok := item.(value.Mapping)
	if !ok {
		d.Message = render(item)
		return d
	}
	msg, hasMsg := m["msg"]
	if !hasMsg {
		d.Message = render(item)
		return d
	}
	d.Message = render(msg)
	d.Version = scalar(m["version"])
	d.Date = scalar(m["date"])
	d.CollectionName = scalar(m["collection_name"])
	return d
}

// render turns an item into message text: strings as-is, anything else as
// compact JSON.
func render(v value.Value) string {
	if s, ok := v.(value.String); ok {
		return string(s)
	}
	data, err := serializer.EncodeValue(v)
	if err != nil {
		return "<unrenderable: " + err.Error() + ">"
	}
	return string(data)
}

func scalar(v value.Value) string {
	switch t := v.(type) {
	case nil, value.Null:
		return ""
	case value.String:
		return string(t)
	default:
		return render(v)
	}
}

// Exception summary texts.
const (
	exceptionPrefix = "An exception occurred during task execution. "
	exceptionHint   = "To see the full traceback, use -vvv. The error was: "
	tracebackPrefix = "The full traceback is:\n"
)

// ExtractException turns a string `exception` entry into an error diagnostic.
// Below verbosity.Traceback the message is a one-line summary ending in the
// last traceback line and the key stays in the payload; at Traceback and
// above the diagnostic carries the full text and the key is removed.
func ExtractException(result value.Mapping, level verbosity.Level) (value.Mapping, []events.Diagnostic) {
	raw, ok := result[ExceptionKey].(value.String)
	if !ok {
		return result, []events.Diagnostic{}
	}
	text := string(raw)

	if level < verbosity.Traceback {
		lines := strings.Split(strings.TrimSpace(text), "\n")
		msg := exceptionPrefix + exceptionHint + lines[len(lines)-1]
		return result, []events.Diagnostic{{Severity: events.SeverityError, Message: msg}}
	}
	return result.Without(ExceptionKey), []events.Diagnostic{
		{Severity: events.SeverityError, Message: tracebackPrefix + text},
	}
}

// Stamp fills in the task context of each diagnostic in place and returns diags.
func Stamp(diags []events.Diagnostic, producer, task, host string) []events.Diagnostic {
	for i := range diags {
		diags[i].Producer = producer
		diags[i].Task = task
		diags[i].Host = host
	}
	return diags
}
