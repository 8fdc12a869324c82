package emitter

import (
	"github.com/google/uuid"
	"github.com/gxo-labs/jsonl/internal/verbosity"
	jsonl "github.com/gxo-labs/jsonl/pkg/jsonl/v1"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/events"
)

// producer is a handle for one engine worker.
type producer struct {
	e  *Emitter
	id string
}

var _ jsonl.ProducerV1 = (*producer)(nil)

// Producer returns a handle stamping id and its own sequence numbers onto
// every event. Handles with the same id share one sequence.
func (e *Emitter) Producer(id string) jsonl.ProducerV1 {
	if id == "" {
		id = uuid.NewString()
	}
	return &producer{e: e, id: id}
}

func (p *producer) ID() string { return p.id }

func (p *producer) PlayStart(ev events.PlayStart, level verbosity.Level) { p.e.emit(p, ev, level) }

func (p *producer) HandlerStart(ev events.HandlerStart, level verbosity.Level) {
	p.e.emit(p, ev, level)
}

func (p *producer) TaskResult(ev events.TaskResult, level verbosity.Level) { p.e.emit(p, ev, level) }

func (p *producer) SkipPlay(ev events.SkipPlay, level verbosity.Level) { p.e.emit(p, ev, level) }

func (p *producer) RunRecap(ev events.RunRecap, level verbosity.Level) { p.e.emit(p, ev, level) }

func (p *producer) NoHostsMatched(level verbosity.Level) { p.e.emit(p, p.e.noHostsMatched(), level) }
