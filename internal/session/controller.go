package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/talgya/cndq/internal/economy"
	"github.com/talgya/cndq/internal/ledger"
)

func productionEventID(agentID string, sessionNum int) string {
	name := fmt.Sprintf("production/%s/%d", agentID, sessionNum)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Controller advances the session lazily: nothing happens between ticks,
// and any caller may tick. Concurrent ticks race on the versioned state
// record; the CAS winner runs production exactly once, losers observe the
// new state.
type Controller struct {
	store  Store
	events ledger.Store
	mat    *ledger.Materializer
	clock  func() time.Time
}

func NewController(store Store, events ledger.Store, mat *ledger.Materializer) *Controller {
	return &Controller{
		store:  store,
		events: events,
		mat:    mat,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// State returns the current record without advancing anything.
func (c *Controller) State() (State, error) {
	return c.store.Load()
}

// Tick evaluates the clock against the session record and advances the
// phase if the trading window has elapsed. It returns the state after any
// transition it performed or lost to.
func (c *Controller) Tick() (State, error) {
	st, err := c.store.Load()
	if err != nil {
		return State{}, err
	}

	switch {
	case st.Phase == PhaseStopped || !st.AutoAdvance:
		return st, nil

	case st.Phase == PhaseTrading && st.Elapsed(c.clock()):
		prod := st
		prod.Phase = PhaseProduction
		prod.PhaseStartedAt = c.clock()
		won, err := c.store.Swap(st.Version, prod)
		if errors.Is(err, ErrConflict) {
			// Another ticker is running this transition.
			return c.store.Load()
		}
		if err != nil {
			return State{}, err
		}
		return c.produceAndAdvance(won)

	case st.Phase == PhaseProduction:
		// A previous winner stalled after entering production. Finishing
		// its work is safe: production is per-agent idempotent.
		return c.produceAndAdvance(st)
	}

	return st, nil
}

// produceAndAdvance runs production for the session in progress, then
// opens the next trading window.
func (c *Controller) produceAndAdvance(st State) (State, error) {
	if err := c.runProduction(st.Session); err != nil {
		// Leave the record in production; the next tick resumes here.
		return st, err
	}

	next := st
	next.Session = st.Session + 1
	next.Phase = PhaseTrading
	next.PhaseStartedAt = c.clock()
	advanced, err := c.store.Swap(st.Version, next)
	if errors.Is(err, ErrConflict) {
		return c.store.Load()
	}
	if err != nil {
		return State{}, err
	}

	slog.Info("session advanced", "session", advanced.Session, "phase", advanced.Phase)
	return advanced, nil
}

// runProduction converts each agent's optimal mix into revenue, once per
// agent per session. Agents that already produced this session are
// skipped, so a rerun after a partial failure never double-produces.
func (c *Controller) runProduction(sessionNum int) error {
	agents, err := c.events.Agents()
	if err != nil {
		return fmt.Errorf("production: %w", err)
	}

	var firstErr error
	for _, agentID := range agents {
		if err := c.produceFor(agentID, sessionNum); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			slog.Warn("production failed", "agent", agentID, "session", sessionNum, "error", err)
		}
	}
	return firstErr
}

func (c *Controller) produceFor(agentID string, sessionNum int) error {
	acct, err := c.mat.Account(agentID)
	if err != nil {
		return err
	}
	if acct.LastProductionSession >= sessionNum {
		return nil
	}

	set, err := economy.Solve(acct.Inventory)
	if err != nil {
		return err
	}
	plan := set.Mix.Quantize()
	if plan.Revenue <= 0 {
		return nil
	}

	e, err := ledger.New(ledger.KindProduction, agentID, &ledger.ProductionPayload{
		Session:  sessionNum,
		Deicer:   plan.Deicer,
		Solvent:  plan.Solvent,
		Consumed: economy.Consumption(plan.Deicer, plan.Solvent),
		Revenue:  decimal.NewFromFloat(plan.Revenue),
	})
	if err != nil {
		return err
	}
	// A deterministic id makes the duplicate check in the store the real
	// guard: two tickers racing the same (agent, session) pair cannot
	// both land a production event.
	e.ID = productionEventID(agentID, sessionNum)
	if _, err := c.events.Append(agentID, e); err != nil {
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			return nil
		}
		return err
	}

	slog.Debug("produced",
		"agent", agentID, "session", sessionNum,
		"deicer", plan.Deicer, "solvent", plan.Solvent, "revenue", plan.Revenue)
	return nil
}

// ForcePhase is the admin override; it also stops and restarts the
// clockwork, since PhaseStartedAt resets.
func (c *Controller) ForcePhase(p Phase) (State, error) {
	if !ValidPhase(p) {
		return State{}, fmt.Errorf("%w: %q", ErrBadPhase, p)
	}
	return c.update(func(st *State) {
		st.Phase = p
		st.PhaseStartedAt = c.clock()
	})
}

// SetAutoAdvance toggles lazy phase advancement.
func (c *Controller) SetAutoAdvance(on bool) (State, error) {
	return c.update(func(st *State) { st.AutoAdvance = on })
}

// SetWindow changes the trading window for current and future sessions.
func (c *Controller) SetWindow(d time.Duration) (State, error) {
	if d <= 0 {
		return State{}, fmt.Errorf("%w: window %s", ErrBadPhase, d)
	}
	return c.update(func(st *State) { st.TradingWindow = d })
}

// Reset starts over at session one without touching any ledger.
func (c *Controller) Reset() (State, error) {
	return c.update(func(st *State) {
		st.Session = 1
		st.Phase = PhaseTrading
		st.PhaseStartedAt = c.clock()
	})
}

// update retries a mutation through the CAS until it lands.
func (c *Controller) update(mutate func(*State)) (State, error) {
	for {
		st, err := c.store.Load()
		if err != nil {
			return State{}, err
		}
		next := st
		mutate(&next)
		swapped, err := c.store.Swap(st.Version, next)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return State{}, err
		}
		return swapped, nil
	}
}
