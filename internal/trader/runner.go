package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/talgya/cndq/internal/economy"
	"github.com/talgya/cndq/internal/ledger"
	"github.com/talgya/cndq/internal/marketplace"
	"github.com/talgya/cndq/internal/negotiation"
	"github.com/talgya/cndq/internal/session"
)

// Runner heartbeats one scripted agent: each step ticks the session,
// assembles the market view, asks the policy for an intent and executes
// it. The runner talks to the same stores the server does; it is the
// in-process equivalent of a player's browser.
type Runner struct {
	agentID string
	policy  Policy
	rng     *rand.Rand

	events ledger.Store
	mat    *ledger.Materializer
	mgr    *negotiation.Manager
	feed   marketplace.Feed
	ctrl   *session.Controller
}

func NewRunner(agentID string, policy Policy, seed int64,
	events ledger.Store, mat *ledger.Materializer,
	mgr *negotiation.Manager, feed marketplace.Feed, ctrl *session.Controller) *Runner {
	return &Runner{
		agentID: agentID,
		policy:  policy,
		rng:     rand.New(rand.NewSource(seed)),
		events:  events,
		mat:     mat,
		mgr:     mgr,
		feed:    feed,
		ctrl:    ctrl,
	}
}

// Step runs one heartbeat. Stepping outside a trading window is a no-op.
func (r *Runner) Step() error {
	st, err := r.ctrl.Tick()
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", r.agentID, err)
	}
	if st.Phase != session.PhaseTrading {
		return nil
	}

	view, err := r.buildView()
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", r.agentID, err)
	}

	intent := r.policy.Decide(view)
	if intent == nil {
		return nil
	}
	return r.execute(intent)
}

func (r *Runner) buildView() (MarketView, error) {
	acct, err := r.mat.Account(r.agentID)
	if errors.Is(err, ledger.ErrUnknownAgent) {
		acct, err = ledger.Bootstrap(r.events, r.agentID, r.rng)
		if err == nil {
			slog.Info("agent bootstrapped", "agent", r.agentID, "name", acct.Name, "policy", r.policy.Name())
		}
	}
	if err != nil {
		return MarketView{}, err
	}

	prices, err := economy.Solve(acct.Inventory)
	if err != nil {
		return MarketView{}, err
	}

	listings, err := r.feed.OpenListings()
	if err != nil {
		return MarketView{}, err
	}

	all, err := r.mgr.ForAgent(r.agentID)
	if err != nil {
		return MarketView{}, err
	}
	var turns []negotiation.Record
	for _, rec := range all {
		if !rec.Status.Terminal() && rec.LastOfferBy != r.agentID {
			turns = append(turns, rec)
		}
	}

	return MarketView{Self: acct, Prices: prices, Listings: listings, Turns: turns}, nil
}

func (r *Runner) execute(intent *Intent) error {
	switch intent.Kind {
	case IntentPostAd, IntentPostBuyOrder:
		kind := ledger.KindPostAd
		if intent.Kind == IntentPostBuyOrder {
			kind = ledger.KindPostBuyOrder
		}
		e, err := ledger.New(kind, r.agentID, &ledger.ListingPayload{
			Resource: intent.Resource,
			Quantity: intent.Quantity,
			Price:    intent.Price,
		})
		if err != nil {
			return err
		}
		if _, err := r.events.Append(r.agentID, e); err != nil {
			return fmt.Errorf("post listing: %w", err)
		}
		slog.Debug("listing posted",
			"agent", r.agentID, "kind", kind, "resource", intent.Resource,
			"quantity", intent.Quantity, "price", intent.Price.String())
		return nil

	case IntentInitiate:
		_, err := r.mgr.Initiate(r.agentID, intent.Counterparty, intent.Resource,
			intent.Quantity, intent.Price, intent.Role, intent.ListingID)
		return err

	case IntentCounter:
		_, err := r.mgr.Counter(intent.NegotiationID, r.agentID, intent.Quantity, intent.Price)
		return err

	case IntentAccept:
		_, err := r.mgr.Accept(intent.NegotiationID, r.agentID)
		// Affordability moved between decide and accept; next beat sees
		// the refreshed view.
		if errors.Is(err, negotiation.ErrInsufficientFunds) ||
			errors.Is(err, negotiation.ErrInsufficientInventory) {
			slog.Debug("acceptance no longer coverable", "agent", r.agentID, "negotiation", intent.NegotiationID, "error", err)
			return nil
		}
		return err

	case IntentReject:
		_, err := r.mgr.Reject(intent.NegotiationID, r.agentID)
		return err
	}
	return fmt.Errorf("unknown intent kind %q", intent.Kind)
}

// Run heartbeats until the context ends. Errors are logged then retried
// on the next beat; a scripted trader never crashes the process.
func (r *Runner) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Step(); err != nil {
				slog.Warn("heartbeat failed", "agent", r.agentID, "error", err)
			}
		}
	}
}
