// Package session owns the trading/production phase machine. Phase
// changes go through a versioned compare-and-swap record, so any number
// of concurrent heartbeats elect exactly one winner per transition.
package session

import (
	"errors"
	"time"
)

// Phase of the current session.
type Phase string

const (
	PhaseTrading    Phase = "trading"
	PhaseProduction Phase = "production"
	PhaseStopped    Phase = "stopped"
)

// ValidPhase reports whether p is one of the three phases.
func ValidPhase(p Phase) bool {
	return p == PhaseTrading || p == PhaseProduction || p == PhaseStopped
}

var (
	// ErrConflict means another writer advanced the state first. Reload
	// and re-evaluate; never retry blindly.
	ErrConflict = errors.New("session state version conflict")
	ErrBadPhase = errors.New("unknown phase")
)

// State is the single session record. Version increments on every write.
type State struct {
	Session        int           `json:"session"`
	Phase          Phase         `json:"phase"`
	TradingWindow  time.Duration `json:"tradingWindow"`
	AutoAdvance    bool          `json:"autoAdvance"`
	PhaseStartedAt time.Time     `json:"phaseStartedAt"`
	Version        uint64        `json:"version"`
}

// Elapsed reports whether the trading window has run out at now.
func (s State) Elapsed(now time.Time) bool {
	return now.Sub(s.PhaseStartedAt) >= s.TradingWindow
}

// DefaultState is the session a fresh deployment starts in.
func DefaultState(window time.Duration, now time.Time) State {
	return State{
		Session:        1,
		Phase:          PhaseTrading,
		TradingWindow:  window,
		AutoAdvance:    true,
		PhaseStartedAt: now,
		Version:        1,
	}
}

// Store persists the session record with compare-and-swap semantics:
// Swap writes next only if the stored version still equals expected, and
// returns the stored state with its version bumped. A lost race returns
// ErrConflict and changes nothing.
type Store interface {
	Load() (State, error)
	Swap(expected uint64, next State) (State, error)
}
