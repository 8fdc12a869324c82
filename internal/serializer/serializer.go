// Package serializer encodes lifecycle events as JSON Lines records.
//
// Record keys come out in a fixed order per event kind and nested mapping
// keys are sorted, so identical events always produce identical bytes. Lines
// are written by encoding/json with HTML escaping turned off.
package serializer

import (
	"fmt"

	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/events"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/value"
)

// Line is one encoded record plus its style hint. Data holds a single JSON
// object followed by exactly one '\n'.
type Line struct {
	Data  []byte
	Style Style
}

// Serializer is safe for concurrent use; it keeps no state between calls.
type Serializer struct {
	palette  Palette
	maxDepth int
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithPalette sets the palette used for style hints.
func WithPalette(p Palette) Option {
	return func(s *Serializer) { s.palette = p.Merge(DefaultPalette()) }
}

// WithMaxDepth overrides the nesting bound for payloads.
func WithMaxDepth(depth int) Option {
	return func(s *Serializer) {
		if depth > 0 {
			s.maxDepth = depth
		}
	}
}

// New creates a Serializer using the default palette and value.MaxDepth.
func New(opts ...Option) *Serializer {
	s := &Serializer{palette: DefaultPalette(), maxDepth: value.MaxDepth}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var defaultSerializer = New()

// Serialize encodes ev with the default serializer.
func Serialize(ev events.Event) (Line, error) {
	return defaultSerializer.Serialize(ev)
}

// Serialize encodes ev exactly as given; verbosity selection happens before.
// Payloads are checked for cycles and depth first; the record itself is
// written by encoding/json.
func (s *Serializer) Serialize(ev events.Event) (Line, error) {
	rec, err := s.record(ev)
	if err != nil {
		return Line{}, err
	}
	data, err := encodeLine(rec)
	if err != nil {
		return Line{}, err
	}
	return Line{Data: data, Style: s.palette.For(ev)}, nil
}

// Palette returns the palette in use.
func (s *Serializer) Palette() Palette { return s.palette }

// Record shapes, one per event kind. Field order is the key order of the line.
type (
	taskRecord struct {
		Type      string        `json:"type"`
		Name      string        `json:"name"`
		Host      string        `json:"host"`
		State     string        `json:"state"`
		CheckMode *bool         `json:"check_mode,omitempty"`
		Result    value.Mapping `json:"result"`
	}
	playRecord struct {
		Type string         `json:"type"`
		Name string         `json:"name"`
		Vars *value.Mapping `json:"vars,omitempty"`
	}
	skipPlayRecord struct {
		Type     string `json:"type"`
		Reason   string `json:"reason"`
		PlayName string `json:"play_name"`
	}
	handlerRecord struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	recapRecord struct {
		Type  string                        `json:"type"`
		Hosts map[string]events.HostSummary `json:"hosts"`
	}
)

// record builds the record shape for ev after checking its payloads.
func (s *Serializer) record(ev events.Event) (interface{}, error) {
	if ev == nil {
		return nil, jsonlerrors.NewSerializationError("", "nil event", nil)
	}
	kind := string(ev.Kind())

	switch t := ev.(type) {
	case events.TaskResult:
		result := t.Result
		if result == nil {
			result = value.Mapping{}
		}
		if err := newChecker(s.maxDepth).check(result, "result", 0); err != nil {
			return nil, err
		}
		return taskRecord{
			Type:      kind,
			Name:      t.TaskName,
			Host:      t.Host,
			State:     string(t.State),
			CheckMode: t.CheckMode,
			Result:    result,
		}, nil
	case events.PlayStart:
		rec := playRecord{Type: kind, Name: t.Name}
		if t.Vars != nil {
			if err := newChecker(s.maxDepth).check(t.Vars, "vars", 0); err != nil {
				return nil, err
			}
			vars := t.Vars
			rec.Vars = &vars
		}
		return rec, nil
	case events.SkipPlay:
		return skipPlayRecord{Type: kind, Reason: t.Reason, PlayName: t.PlayName}, nil
	case events.HandlerStart:
		return handlerRecord{Type: kind, Name: t.Name}, nil
	case events.RunRecap:
		hosts := t.Hosts
		if hosts == nil {
			hosts = map[string]events.HostSummary{}
		}
		return recapRecord{Type: kind, Hosts: hosts}, nil
	default:
		return nil, jsonlerrors.NewSerializationError("", fmt.Sprintf("unsupported event type %T", ev), nil)
	}
}

// View returns the record ev serializes to, as a Mapping. Decoding a
// serialized line yields a Mapping equal to the View of its event.
func View(ev events.Event) value.Mapping {
	m := value.Mapping{"type": value.String(string(ev.Kind()))}
	switch t := ev.(type) {
	case events.TaskResult:
		m["name"] = value.String(t.TaskName)
		m["host"] = value.String(t.Host)
		m["state"] = value.String(string(t.State))
		if t.CheckMode != nil {
			m["check_mode"] = value.Bool(*t.CheckMode)
		}
		if t.Result != nil {
			m["result"] = t.Result
		} else {
			m["result"] = value.Mapping{}
		}
	case events.PlayStart:
		m["name"] = value.String(t.Name)
		if t.Vars != nil {
			m["vars"] = t.Vars
		}
	case events.SkipPlay:
		m["reason"] = value.String(t.Reason)
		m["play_name"] = value.String(t.PlayName)
	case events.HandlerStart:
		m["name"] = value.String(t.Name)
	case events.RunRecap:
		hosts := make(value.Mapping, len(t.Hosts))
		for h, s := range t.Hosts {
			hosts[h] = value.Mapping{
				"ok":          value.Int(int64(s.OK)),
				"changed":     value.Int(int64(s.Changed)),
				"unreachable": value.Int(int64(s.Unreachable)),
				"failed":      value.Int(int64(s.Failed)),
				"skipped":     value.Int(int64(s.Skipped)),
				"rescued":     value.Int(int64(s.Rescued)),
				"ignored":     value.Int(int64(s.Ignored)),
			}
		}
		m["hosts"] = hosts
	}
	return m
}
