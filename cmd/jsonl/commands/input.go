package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/gxo-labs/jsonl/internal/emitter"
	"github.com/gxo-labs/jsonl/internal/verbosity"
	jsonl "github.com/gxo-labs/jsonl/pkg/jsonl/v1"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/events"
	jsonllog "github.com/gxo-labs/jsonl/pkg/jsonl/v1/log"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/value"
)

// maxLineSize bounds one recorded event.
const maxLineSize = 16 * 1024 * 1024

// Raw event names accepted in replay input.
const (
	rawTask           = "task"
	rawPlay           = "play"
	rawHandler        = "handler"
	rawSkipPlay       = "skip_play"
	rawNoHostsMatched = "no_hosts_matched"
	rawRecap          = "recap"
)

// rawEvent is one recorded engine callback.
type rawEvent struct {
	Event    string `json:"event"`
	Producer string `json:"producer,omitempty"`

	Task         string                 `json:"task,omitempty"`
	Host         string                 `json:"host,omitempty"`
	State        string                 `json:"state,omitempty"`
	Action       string                 `json:"action,omitempty"`
	CheckMode    *bool                  `json:"check_mode,omitempty"`
	IgnoreErrors bool                   `json:"ignore_errors,omitempty"`
	Result       map[string]interface{} `json:"result,omitempty"`

	Name string                 `json:"name,omitempty"`
	Vars map[string]interface{} `json:"vars,omitempty"`

	Reason   string `json:"reason,omitempty"`
	PlayName string `json:"play_name,omitempty"`

	// A recap without hosts is tallied from the replayed task results.
	Hosts map[string]events.HostSummary `json:"hosts,omitempty"`
}

// decodeRawEvent parses one input line. Unknown fields are rejected so typos
// in recordings surface instead of silently dropping data.
func decodeRawEvent(line []byte) (rawEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	var raw rawEvent
	if err := dec.Decode(&raw); err != nil {
		return rawEvent{}, fmt.Errorf("decode event: %w", err)
	}
	if dec.More() {
		return rawEvent{}, fmt.Errorf("trailing data after event")
	}
	if raw.Event == "" {
		return rawEvent{}, fmt.Errorf("missing 'event' field")
	}
	return raw, nil
}

// replayer feeds raw events into an emitter.
type replayer struct {
	e     *emitter.Emitter
	level verbosity.Level
	log   jsonllog.Logger
}

// dispatch emits raw through p. Errors describe input that could not be
// turned into an event; failures inside the pipeline go to the observer.
func (r *replayer) dispatch(p jsonl.ProducerV1, raw rawEvent) error {
	switch raw.Event {
	case rawTask:
		result, err := value.MappingFromAny(raw.Result)
		if err != nil {
			return fmt.Errorf("task result: %w", err)
		}
		p.TaskResult(events.TaskResult{
			TaskName:     raw.Task,
			Host:         raw.Host,
			State:        events.State(raw.State),
			CheckMode:    raw.CheckMode,
			Action:       raw.Action,
			IgnoreErrors: raw.IgnoreErrors,
			Result:       result,
		}, r.level)
	case rawPlay:
		var vars value.Mapping
		if raw.Vars != nil {
			var err error
			if vars, err = value.MappingFromAny(raw.Vars); err != nil {
				return fmt.Errorf("play vars: %w", err)
			}
		}
		p.PlayStart(events.PlayStart{Name: raw.Name, Vars: vars}, r.level)
	case rawHandler:
		p.HandlerStart(events.HandlerStart{Name: raw.Name}, r.level)
	case rawSkipPlay:
		p.SkipPlay(events.SkipPlay{Reason: raw.Reason, PlayName: raw.PlayName}, r.level)
	case rawNoHostsMatched:
		p.NoHostsMatched(r.level)
	case rawRecap:
		if raw.Hosts == nil {
			r.e.EmitTalliedRecap(r.level)
			return nil
		}
		p.RunRecap(events.RunRecap{Hosts: raw.Hosts}, r.level)
	default:
		return fmt.Errorf("unknown event '%s'", raw.Event)
	}
	return nil
}

// replayStream emits every line of in, in order. Lines naming a producer use
// that identity; the rest use defaultProducer. It returns the number of lines
// that could not be replayed, or ctx's error when reading was interrupted.
func (r *replayer) replayStream(ctx context.Context, in io.Reader, source, defaultProducer string) (int, error) {
	producers := map[string]jsonl.ProducerV1{}
	producerFor := func(id string) jsonl.ProducerV1 {
		if id == "" {
			id = defaultProducer
		}
		p, ok := producers[id]
		if !ok {
			p = r.e.Producer(id)
			producers[id] = p
		}
		return p
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	bad, lineNo := 0, 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return bad, err
		}
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		raw, err := decodeRawEvent(line)
		if err == nil {
			err = r.dispatch(producerFor(raw.Producer), raw)
		}
		if err != nil {
			bad++
			r.log.Warnf("%s:%d: skipping line: %v", source, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return bad, fmt.Errorf("read %s: %w", source, err)
	}
	return bad, nil
}

// producerName derives a stable producer identity from an input path.
func producerName(path string) string {
	if path == stdinPath {
		return "stdin"
	}
	return filepath.Base(path)
}
