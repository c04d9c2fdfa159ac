// Package reflect propagates cross-party events between agent ledgers.
// An event naming a counterparty is owned by its origin ledger; the
// counterparty receives an idempotent reflected copy on the next sweep.
// Reflection can run any number of times without double-applying.
package reflect

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/talgya/cndq/internal/ledger"
)

// Result says what Apply did.
type Result string

const (
	Applied        Result = "applied"
	AlreadyApplied Result = "alreadyApplied"
)

// Feed receives the public side of swept events: open listings and
// completed trades. Implementations must be insert-or-ignore on their
// natural key so retried sweeps stay idempotent.
type Feed interface {
	RecordListing(e ledger.Event, p *ledger.ListingPayload) error
	RecordTrade(e ledger.Event, p *ledger.TransactionPayload) error
}

// Reflector walks ledgers and applies reflected copies. The sweep cursor
// is purely an optimization: losing it only means re-scanning events
// whose copies already landed, which the idempotence probe absorbs.
type Reflector struct {
	store ledger.Store
	feed  Feed

	mu      sync.Mutex
	cursors map[string]uint64
}

func NewReflector(store ledger.Store, feed Feed) *Reflector {
	return &Reflector{store: store, feed: feed, cursors: make(map[string]uint64)}
}

// reflectable reports whether e is an origin event owed to a counterparty
// ledger.
func reflectable(e ledger.Event) bool {
	return e.Counterparty != "" && e.ReflectedFrom == ""
}

// Pending returns agentID's origin events whose reflected copy has not
// landed in the counterparty's ledger yet.
func (r *Reflector) Pending(agentID string) ([]ledger.Event, error) {
	events, err := r.store.Read(agentID, 0)
	if err != nil {
		return nil, fmt.Errorf("pending %s: %w", agentID, err)
	}

	var out []ledger.Event
	for _, e := range events {
		if !reflectable(e) {
			continue
		}
		done, err := r.store.HasEventID(e.Counterparty, e.ID)
		if err != nil {
			return nil, fmt.Errorf("pending %s: %w", agentID, err)
		}
		if !done {
			out = append(out, e)
		}
	}
	return out, nil
}

// Apply lands the reflected copy of src in target's ledger. Applying the
// same source event twice is a no-op reported as AlreadyApplied.
func (r *Reflector) Apply(target string, src ledger.Event) (Result, error) {
	if !reflectable(src) {
		return "", fmt.Errorf("apply: event %s is not reflectable", src.ID)
	}
	if target != src.Counterparty {
		return "", fmt.Errorf("apply: event %s names counterparty %s, not %s", src.ID, src.Counterparty, target)
	}

	done, err := r.store.HasEventID(target, src.ID)
	if err != nil {
		return "", fmt.Errorf("apply %s: %w", src.ID, err)
	}
	if done {
		return AlreadyApplied, nil
	}

	mirror, err := mirrorOf(src)
	if err != nil {
		return "", err
	}
	if _, err := r.store.Append(target, mirror); err != nil {
		// A concurrent sweep may have won the race; that is success.
		if has, probeErr := r.store.HasEventID(target, src.ID); probeErr == nil && has {
			return AlreadyApplied, nil
		}
		return "", fmt.Errorf("apply %s to %s: %w", src.ID, target, err)
	}
	return Applied, nil
}

// mirrorOf builds the counterparty copy: fresh id, ReflectedFrom set to
// the source id, and role-bearing payloads flipped to the counterparty's
// point of view.
func mirrorOf(src ledger.Event) (ledger.Event, error) {
	mirror := src
	mirror.ID = uuid.NewString()
	mirror.Seq = 0
	mirror.ReflectedFrom = src.ID

	payload, err := src.DecodePayload()
	if err != nil {
		return ledger.Event{}, fmt.Errorf("mirror %s: %w", src.ID, err)
	}

	switch p := payload.(type) {
	case *ledger.NegotiationPayload:
		q := *p
		q.Role = p.Role.Inverse()
		raw, err := json.Marshal(&q)
		if err != nil {
			return ledger.Event{}, fmt.Errorf("mirror %s: %w", src.ID, err)
		}
		mirror.Payload = raw
	case *ledger.TransactionPayload:
		q := *p
		q.Role = p.Role.Inverse()
		raw, err := json.Marshal(&q)
		if err != nil {
			return ledger.Event{}, fmt.Errorf("mirror %s: %w", src.ID, err)
		}
		mirror.Payload = raw
	}
	return mirror, nil
}

// Stats summarizes one sweep.
type Stats struct {
	Agents   int `json:"agents"`
	Applied  int `json:"applied"`
	Skipped  int `json:"skipped"`
	Mirrored int `json:"mirrored"`
	Failed   int `json:"failed"`
}

// Sweep walks every agent's ledger in order, reflects what is owed to
// counterparties and mirrors public events into the discovery feed. A
// partial failure leaves that agent's cursor where it was; the next sweep
// retries from there.
func (r *Reflector) Sweep() (Stats, error) {
	agents, err := r.store.Agents()
	if err != nil {
		return Stats{}, fmt.Errorf("sweep: %w", err)
	}

	var stats Stats
	var firstErr error
	stats.Agents = len(agents)

	for _, agentID := range agents {
		if err := r.sweepAgent(agentID, &stats); err != nil {
			stats.Failed++
			if firstErr == nil {
				firstErr = err
			}
			slog.Warn("sweep agent failed", "agent", agentID, "error", err)
		}
	}

	slog.Debug("reflection sweep",
		"agents", stats.Agents, "applied", stats.Applied,
		"skipped", stats.Skipped, "mirrored", stats.Mirrored, "failed", stats.Failed)
	return stats, firstErr
}

func (r *Reflector) sweepAgent(agentID string, stats *Stats) error {
	r.mu.Lock()
	cursor := r.cursors[agentID]
	r.mu.Unlock()

	events, err := r.store.Read(agentID, cursor)
	if err != nil {
		return err
	}

	for _, e := range events {
		if err := r.sweepEvent(e, stats); err != nil {
			return err
		}
		// Only a fully processed prefix moves the cursor.
		r.mu.Lock()
		r.cursors[agentID] = e.Seq
		r.mu.Unlock()
	}
	return nil
}

func (r *Reflector) sweepEvent(e ledger.Event, stats *Stats) error {
	if reflectable(e) {
		res, err := r.Apply(e.Counterparty, e)
		if err != nil {
			return err
		}
		if res == Applied {
			stats.Applied++
		} else {
			stats.Skipped++
		}
	}

	if r.feed == nil || e.ReflectedFrom != "" {
		return nil
	}
	switch e.Kind {
	case ledger.KindPostAd, ledger.KindPostBuyOrder:
		payload, err := e.DecodePayload()
		if err != nil {
			return err
		}
		if err := r.feed.RecordListing(e, payload.(*ledger.ListingPayload)); err != nil {
			return err
		}
		stats.Mirrored++
	case ledger.KindTransaction:
		payload, err := e.DecodePayload()
		if err != nil {
			return err
		}
		if err := r.feed.RecordTrade(e, payload.(*ledger.TransactionPayload)); err != nil {
			return err
		}
		stats.Mirrored++
	}
	return nil
}
