package emitter

import (
	"sync"

	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/events"
)

// tally counts task outcomes per host for EmitTalliedRecap.
type tally struct {
	mu    sync.Mutex
	hosts map[string]*events.HostSummary
}

func newTally() *tally {
	return &tally{hosts: make(map[string]*events.HostSummary)}
}

func (t *tally) record(host string, state events.State, ignored bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.hosts[host]
	if !ok {
		s = &events.HostSummary{}
		t.hosts[host] = s
	}
	switch state {
	case events.StateOK:
		s.OK++
	// Changed and ignored tasks also count as ok, as in the engine's own recap.
	case events.StateChanged:
		s.OK++
		s.Changed++
	case events.StateSkipped:
		s.Skipped++
	case events.StateUnreachable:
		s.Unreachable++
	case events.StateFailed:
		if ignored {
			s.OK++
			s.Ignored++
		} else {
			s.Failed++
		}
	}
}

func (t *tally) snapshot() map[string]events.HostSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]events.HostSummary, len(t.hosts))
	for host, s := range t.hosts {
		out[host] = *s
	}
	return out
}
