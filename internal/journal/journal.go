package journal

import (
	"sort"
	"sync"

	"github.com/hxrts/aura/internal/ids"
)

// Journal is the append-only event log plus its AccountState projection
// for one account. AppendEvent and ApplyForeignEvent share one validation
// pipeline (spec.md §4.4): local origin only changes which authorization
// shapes are expected in practice, never the rules applied.
type Journal struct {
	mu     sync.Mutex
	state  *AccountState
	events []AccountEvent
}

func New(state *AccountState) *Journal {
	return &Journal{state: state}
}

// AppendEvent validates and commits an event produced locally by this device.
func (j *Journal) AppendEvent(e AccountEvent) error {
	return j.ingest(e)
}

// ApplyForeignEvent validates and commits an event received from a peer
// during CRDT gossip. It runs the identical pipeline as AppendEvent —
// local and foreign origin are not distinguished by the rules themselves.
func (j *Journal) ApplyForeignEvent(e AccountEvent) error {
	return j.ingest(e)
}

func (j *Journal) ingest(e AccountEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := validateShape(j.state, e); err != nil {
		return err
	}
	if err := validateReplay(j.state, e); err != nil {
		return err
	}
	if err := validateAuthorization(j.state, e); err != nil {
		return err
	}
	if err := validateSemantic(j.state, e); err != nil {
		return err
	}
	commit(j.state, e)
	j.events = append(j.events, e)
	return nil
}

// IterEventsSince returns every committed event with EpochAtWrite >= epoch,
// ordered by EpochAtWrite, keeping append order among equal epochs.
func (j *Journal) IterEventsSince(epoch ids.Epoch) []AccountEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]AccountEvent, 0)
	for _, e := range j.events {
		if e.EpochAtWrite >= epoch {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].EpochAtWrite < out[k].EpochAtWrite })
	return out
}

// QueryState returns the current AccountState projection. Callers must
// not mutate it directly; all mutation goes through AppendEvent/ApplyForeignEvent.
func (j *Journal) QueryState() *AccountState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}
