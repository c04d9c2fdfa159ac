package ledger

import (
	"fmt"
	"sync"
)

// Store is an append-only per-agent event log. Both backends honor the
// same contract:
//
//   - Append allocates the next per-agent sequence number under an
//     exclusive lock and commits atomically; a failed append leaves the
//     ledger exactly as it was.
//   - Read returns events with seq > sinceSeq in ledger order.
//   - HasEventID reports whether an event id already landed in the
//     agent's ledger, either as an origin event or as a reflected copy.
//     It is the idempotence probe for reflection and settlement.
//
// A busy backend returns ErrBusy; callers retry, the write is never
// half-applied.
type Store interface {
	Append(agentID string, e Event) (uint64, error)
	Read(agentID string, sinceSeq uint64) ([]Event, error)
	Agents() ([]string, error)
	HasEventID(agentID, eventID string) (bool, error)
}

// Snapshotter is implemented by stores that can persist fold snapshots.
// Snapshots are a pure cache: losing one only costs replay time.
type Snapshotter interface {
	LoadSnapshot(agentID string) (Account, bool)
	SaveSnapshot(a Account) error
}

// Materializer folds ledgers into accounts with a per-agent snapshot
// cache, so repeated reads only fold the tail of the stream.
type Materializer struct {
	store Store

	mu    sync.Mutex
	cache map[string]Account
}

func NewMaterializer(store Store) *Materializer {
	return &Materializer{store: store, cache: make(map[string]Account)}
}

// Account materializes agentID's current state. Unknown agents surface
// the store's ErrUnknownAgent.
func (m *Materializer) Account(agentID string) (Account, error) {
	m.mu.Lock()
	snap, ok := m.cache[agentID]
	m.mu.Unlock()
	if !ok {
		if ss, can := m.store.(Snapshotter); can {
			snap, ok = ss.LoadSnapshot(agentID)
		}
		if !ok {
			snap = NewAccount(agentID)
		}
	}

	events, err := m.store.Read(agentID, snap.LastSeq)
	if err != nil {
		return Account{}, fmt.Errorf("materialize %s: %w", agentID, err)
	}
	for _, e := range events {
		next, err := snap.Apply(e)
		if err != nil {
			return Account{}, fmt.Errorf("materialize %s: %w", agentID, err)
		}
		snap = next
	}

	m.mu.Lock()
	m.cache[agentID] = snap
	m.mu.Unlock()

	if ss, can := m.store.(Snapshotter); can && len(events) > 0 {
		// A lost snapshot only costs replay time on the next cold read.
		_ = ss.SaveSnapshot(snap)
	}
	return snap, nil
}

// Invalidate drops the cached snapshot so the next read replays from
// empty. Used by tests and the admin reset path.
func (m *Materializer) Invalidate(agentID string) {
	m.mu.Lock()
	delete(m.cache, agentID)
	m.mu.Unlock()
}

// Store exposes the underlying event store.
func (m *Materializer) Store() Store {
	return m.store
}
