// Package trader implements scripted trading policies and the heartbeat
// runner that drives them. A policy is a pure decision function over a
// market view; everything that touches a store lives in the runner.
package trader

import (
	"math/rand"

	opensimplex "github.com/ojrac/opensimplex-go"
	"github.com/shopspring/decimal"

	"github.com/talgya/cndq/internal/economy"
	"github.com/talgya/cndq/internal/ledger"
	"github.com/talgya/cndq/internal/marketplace"
	"github.com/talgya/cndq/internal/negotiation"
)

// MarketView is everything a policy may look at for one decision.
type MarketView struct {
	Self   ledger.Account
	Prices economy.ShadowPriceSet
	// Open listings from the discovery feed, own listings included.
	Listings []marketplace.Listing
	// Negotiations where the agent holds the turn.
	Turns []negotiation.Record
}

// IntentKind enumerates what a policy can ask the runner to do.
type IntentKind string

const (
	IntentPostAd       IntentKind = "post_ad"
	IntentPostBuyOrder IntentKind = "post_buy_order"
	IntentInitiate     IntentKind = "initiate"
	IntentCounter      IntentKind = "counter"
	IntentAccept       IntentKind = "accept"
	IntentReject       IntentKind = "reject"
)

// Intent is one decided action. Fields are used according to Kind:
// listings need Resource/Quantity/Price, initiations additionally name
// the counterparty and optionally the listing answered, and turn
// responses name the negotiation.
type Intent struct {
	Kind          IntentKind
	Resource      economy.Resource
	Quantity      float64
	Price         decimal.Decimal
	Role          ledger.Role
	Counterparty  string
	ListingID     string
	NegotiationID string
}

// Policy decides at most one action per heartbeat. Nil means sit out.
type Policy interface {
	Name() string
	Decide(view MarketView) *Intent
}

// jitter turns the heartbeat counter into a smooth value in [0, 1).
// Smooth noise makes an agent's mood drift over consecutive heartbeats
// instead of flapping, and the same seed replays the same curve.
type jitter struct {
	noise opensimplex.Noise
	rng   *rand.Rand
	step  int
}

func newJitter(seed int64) *jitter {
	return &jitter{
		noise: opensimplex.NewNormalized(seed),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// next advances the curve one heartbeat.
func (j *jitter) next() float64 {
	j.step++
	return j.noise.Eval2(float64(j.step)*0.15, 0.5)
}

// quantity draws a trade size in [lo, hi].
func (j *jitter) quantity(lo, hi float64) float64 {
	return economy.Round4(lo + j.rng.Float64()*(hi-lo))
}

// othersListings filters out the agent's own listings.
func othersListings(view MarketView, side marketplace.Side) []marketplace.Listing {
	var out []marketplace.Listing
	for _, l := range view.Listings {
		if l.Side == side && l.AgentID != view.Self.ID {
			out = append(out, l)
		}
	}
	return out
}
