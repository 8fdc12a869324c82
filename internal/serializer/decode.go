package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/events"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/value"
)

// Decode parses one record line back into a Mapping. The line must hold
// exactly one JSON object, optionally followed by a single '\n'.
func Decode(line []byte) (value.Mapping, error) {
	trimmed := bytes.TrimSuffix(line, []byte("\n"))
	if bytes.IndexByte(trimmed, '\n') >= 0 {
		return nil, jsonlerrors.NewSerializationError("", "record spans more than one line", nil)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, jsonlerrors.NewSerializationError("", "decode record", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, jsonlerrors.NewSerializationError("", "trailing data after record", nil)
	}
	if raw == nil {
		return nil, jsonlerrors.NewSerializationError("", "record is not an object", nil)
	}
	return value.MappingFromAny(raw)
}

// Parse decodes a record line into the event it was serialized from. Header
// fields and the task action are not part of the record and come back zero.
func Parse(line []byte) (events.Event, error) {
	m, err := Decode(line)
	if err != nil {
		return nil, err
	}
	return FromRecord(m)
}

// FromRecord rebuilds an event from a decoded record.
func FromRecord(m value.Mapping) (events.Event, error) {
	r := recordReader{m: m}
	kind := events.Kind(r.str("type"))
	var ev events.Event
	switch kind {
	case events.KindTask:
		t := events.TaskResult{
			TaskName: r.str("name"),
			Host:     r.str("host"),
			State:    events.State(r.str("state")),
			Result:   r.mapping("result"),
		}
		if raw, ok := m["check_mode"]; ok {
			b, isBool := raw.(value.Bool)
			if !isBool {
				r.fail("check_mode", "must be a boolean")
			}
			t.CheckMode = events.Bool(bool(b))
		}
		ev = t
	case events.KindPlay:
		p := events.PlayStart{Name: r.str("name")}
		if _, ok := m["vars"]; ok {
			p.Vars = r.mapping("vars")
		}
		ev = p
	case events.KindSkipPlay:
		ev = events.SkipPlay{Reason: r.str("reason"), PlayName: r.str("play_name")}
	case events.KindHandler:
		ev = events.HandlerStart{Name: r.str("name")}
	case events.KindPlayRecap:
		hosts := r.mapping("hosts")
		recap := events.RunRecap{Hosts: make(map[string]events.HostSummary, len(hosts))}
		for _, h := range hosts.Keys() {
			counts, ok := hosts[h].(value.Mapping)
			if !ok {
				r.fail("hosts."+h, "must be an object")
				continue
			}
			c := recordReader{m: counts, prefix: "hosts." + h + "."}
			recap.Hosts[h] = events.HostSummary{
				OK:          c.count("ok"),
				Changed:     c.count("changed"),
				Unreachable: c.count("unreachable"),
				Failed:      c.count("failed"),
				Skipped:     c.count("skipped"),
				Rescued:     c.count("rescued"),
				Ignored:     c.count("ignored"),
			}
			if c.err != nil && r.err == nil {
				r.err = c.err
			}
		}
		ev = recap
	default:
		return nil, jsonlerrors.NewSerializationError("type", fmt.Sprintf("unknown record type '%s'", kind), nil)
	}
	if r.err != nil {
		return nil, r.err
	}
	return ev, nil
}

// recordReader extracts typed fields and keeps the first error.
type recordReader struct {
	m      value.Mapping
	prefix string
	err    error
}

func (r *recordReader) fail(field, reason string) {
	if r.err == nil {
		r.err = jsonlerrors.NewSerializationError(r.prefix+field, reason, nil)
	}
}

func (r *recordReader) str(field string) string {
	s, ok := r.m[field].(value.String)
	if !ok {
		r.fail(field, "must be a string")
	}
	return string(s)
}

func (r *recordReader) mapping(field string) value.Mapping {
	m, ok := r.m[field].(value.Mapping)
	if !ok {
		r.fail(field, "must be an object")
		return nil
	}
	return m
}

func (r *recordReader) count(field string) int {
	n, ok := r.m[field].(value.Number)
	if !ok {
		r.fail(field, "must be a number")
		return 0
	}
	i, ok := n.Int64()
	if !ok {
		r.fail(field, "must be an integer")
	}
	return int(i)
}
