package trader

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/talgya/cndq/internal/economy"
	"github.com/talgya/cndq/internal/ledger"
	"github.com/talgya/cndq/internal/marketplace"
	"github.com/talgya/cndq/internal/negotiation"
)

// Haggling gives up after this many offers on one negotiation.
const maxHaggleRounds = 4

// PolicyFor builds a policy by its configured name.
func PolicyFor(name string, seed int64, variability float64) (Policy, error) {
	switch name {
	case "arbitrage":
		return NewArbitrage(seed, variability), nil
	case "bottleneck":
		return NewBottleneck(seed, variability), nil
	case "recipe_balancing":
		return NewRecipeBalancing(seed, variability), nil
	}
	return nil, fmt.Errorf("unknown policy %q", name)
}

// Arbitrage is the beginner tier: buy below own shadow price, sell
// above, margins widened by variability. It only ever reacts to the
// feed, never posts.
type Arbitrage struct {
	Variability float64
	j           *jitter
}

func NewArbitrage(seed int64, variability float64) *Arbitrage {
	return &Arbitrage{Variability: variability, j: newJitter(seed)}
}

func (s *Arbitrage) Name() string { return "arbitrage" }

func (s *Arbitrage) Decide(view MarketView) *Intent {
	if len(view.Turns) > 0 {
		return respondToTurn(view.Turns[0], view, 0.05)
	}

	// Wider margin, fewer trades.
	margin := 0.10 * (1 + s.Variability*s.j.next())

	for _, ask := range othersListings(view, marketplace.SideAsk) {
		shadow := view.Prices.Price(ask.Resource)
		if shadow < 0.5 {
			continue
		}
		price, _ := ask.Price.Float64()
		if price > shadow*(1-margin) {
			continue
		}
		qty := minf(ask.Quantity, s.j.quantity(50, 300))
		if !canAfford(view.Self, qty, ask.Price) {
			continue
		}
		return &Intent{
			Kind:         IntentInitiate,
			Resource:     ask.Resource,
			Quantity:     qty,
			Price:        ask.Price,
			Role:         ledger.RoleBuyer,
			Counterparty: ask.AgentID,
			ListingID:    ask.EventID,
		}
	}

	for _, bid := range othersListings(view, marketplace.SideBid) {
		shadow := view.Prices.Price(bid.Resource)
		price, _ := bid.Price.Float64()
		if price < shadow*(1+margin) {
			continue
		}
		qty := minf(bid.Quantity, view.Self.Inventory[bid.Resource], s.j.quantity(50, 300))
		if qty <= 0 {
			continue
		}
		return &Intent{
			Kind:         IntentInitiate,
			Resource:     bid.Resource,
			Quantity:     qty,
			Price:        bid.Price,
			Role:         ledger.RoleSeller,
			Counterparty: bid.AgentID,
			ListingID:    bid.EventID,
		}
	}

	return nil
}

// Bottleneck is the intermediate tier: chase the binding chemical with
// the highest shadow price, fund it by selling the slackest one.
type Bottleneck struct {
	Variability float64
	j           *jitter
}

func NewBottleneck(seed int64, variability float64) *Bottleneck {
	return &Bottleneck{Variability: variability, j: newJitter(seed)}
}

func (s *Bottleneck) Name() string { return "bottleneck" }

// Thresholds from the playbook: above 2.00 a chemical is a bottleneck
// worth chasing, below 1.00 it is excess worth liquidating.
const (
	bottleneckThreshold = 2.0
	excessThreshold     = 1.0
	aggressiveBase      = 1.5
)

func (s *Bottleneck) Decide(view MarketView) *Intent {
	if len(view.Turns) > 0 {
		return respondToTurn(view.Turns[0], view, 0.10)
	}

	bottleneck, highest := economy.Resource(""), 0.0
	excess, lowest := economy.Resource(""), 0.0
	for _, r := range economy.Resources {
		p := view.Prices.Price(r)
		if p > highest {
			bottleneck, highest = r, p
		}
		if view.Self.Inventory[r] > 200 && (excess == "" || p < lowest) {
			excess, lowest = r, p
		}
	}

	if bottleneck != "" && highest >= bottleneckThreshold {
		ceiling := highest * aggressiveBase * (1 + s.Variability*0.5)
		for _, ask := range othersListings(view, marketplace.SideAsk) {
			if ask.Resource != bottleneck {
				continue
			}
			price, _ := ask.Price.Float64()
			if price > ceiling {
				continue
			}
			qty := minf(ask.Quantity, s.j.quantity(100, 500))
			if !canAfford(view.Self, qty, ask.Price) {
				continue
			}
			return &Intent{
				Kind:         IntentInitiate,
				Resource:     bottleneck,
				Quantity:     qty,
				Price:        ask.Price,
				Role:         ledger.RoleBuyer,
				Counterparty: ask.AgentID,
				ListingID:    ask.EventID,
			}
		}
	}

	if excess != "" && lowest < excessThreshold {
		floor := lowest * (1 - s.Variability*0.3)
		for _, bid := range othersListings(view, marketplace.SideBid) {
			if bid.Resource != excess {
				continue
			}
			price, _ := bid.Price.Float64()
			if price < floor {
				continue
			}
			qty := minf(bid.Quantity, view.Self.Inventory[excess], s.j.quantity(100, 500))
			if qty <= 0 {
				continue
			}
			return &Intent{
				Kind:         IntentInitiate,
				Resource:     excess,
				Quantity:     qty,
				Price:        bid.Price,
				Role:         ledger.RoleSeller,
				Counterparty: bid.AgentID,
				ListingID:    bid.EventID,
			}
		}
	}

	// Nothing to hit in the book: advertise the need instead, sometimes.
	if bottleneck != "" && highest >= bottleneckThreshold && s.j.next() < 0.4*(1-s.Variability*0.5) {
		return &Intent{
			Kind:     IntentPostBuyOrder,
			Resource: bottleneck,
			Quantity: s.j.quantity(100, 500),
			Price:    decimal.NewFromFloat(highest).Round(2),
		}
	}

	return nil
}

// RecipeBalancing is the advanced tier: steer the inventory toward the
// mix the optimal plan actually consumes, trading the worst imbalance
// first and opening with a lowball or highball to leave haggling room.
type RecipeBalancing struct {
	Variability float64
	j           *jitter
}

func NewRecipeBalancing(seed int64, variability float64) *RecipeBalancing {
	return &RecipeBalancing{Variability: variability, j: newJitter(seed)}
}

func (s *RecipeBalancing) Name() string { return "recipe_balancing" }

func (s *RecipeBalancing) Decide(view MarketView) *Intent {
	if len(view.Turns) > 0 {
		return respondToTurn(view.Turns[0], view, 0.08)
	}

	need := economy.Consumption(view.Prices.Mix.Deicer, view.Prices.Mix.Solvent)

	// Coverage below one means the plan wants more than we hold after
	// this run; the lowest coverage is the binding imbalance.
	deficit, worst := economy.Resource(""), 0.0
	surplus, best := economy.Resource(""), 0.0
	for _, r := range economy.Resources {
		if need[r] <= 0 {
			if view.Self.Inventory[r] > 200 && view.Prices.Price(r) == 0 {
				surplus, best = r, 1e18
			}
			continue
		}
		cover := view.Self.Inventory[r] / need[r]
		if deficit == "" || cover < worst {
			deficit, worst = r, cover
		}
		if cover > best {
			surplus, best = r, cover
		}
	}

	lowball := 0.20 * (1 - s.Variability*0.5)

	if deficit != "" && worst < 1.5 {
		for _, ask := range othersListings(view, marketplace.SideAsk) {
			if ask.Resource != deficit {
				continue
			}
			offer := ask.Price.Mul(decimal.NewFromFloat(1 - lowball)).Round(2)
			qty := minf(ask.Quantity, s.j.quantity(100, 400))
			if !canAfford(view.Self, qty, offer) {
				continue
			}
			return &Intent{
				Kind:         IntentInitiate,
				Resource:     deficit,
				Quantity:     qty,
				Price:        offer,
				Role:         ledger.RoleBuyer,
				Counterparty: ask.AgentID,
				ListingID:    ask.EventID,
			}
		}
	}

	if surplus != "" && surplus != deficit && view.Self.Inventory[surplus] > 200 {
		shadow := view.Prices.Price(surplus)
		askPrice := decimal.NewFromFloat(maxf(shadow, 1.0) * (1 + 0.20*(1-s.Variability*0.5))).Round(2)
		for _, bid := range othersListings(view, marketplace.SideBid) {
			if bid.Resource != surplus || bid.Price.LessThan(askPrice) {
				continue
			}
			qty := minf(bid.Quantity, view.Self.Inventory[surplus], s.j.quantity(100, 400))
			if qty <= 0 {
				continue
			}
			return &Intent{
				Kind:         IntentInitiate,
				Resource:     surplus,
				Quantity:     qty,
				Price:        bid.Price,
				Role:         ledger.RoleSeller,
				Counterparty: bid.AgentID,
				ListingID:    bid.EventID,
			}
		}
		// Advertise the surplus when no bid matches.
		if s.j.next() < 0.3 {
			return &Intent{
				Kind:     IntentPostAd,
				Resource: surplus,
				Quantity: s.j.quantity(100, 400),
				Price:    askPrice,
			}
		}
	}

	return nil
}

// respondToTurn is shared turn handling: accept a favorable offer,
// counter toward own shadow price, give up when the haggle drags on.
func respondToTurn(rec negotiation.Record, view MarketView, tolerance float64) *Intent {
	self := view.Self.ID
	terms := rec.CurrentOffer()
	shadow := view.Prices.Price(rec.Resource)
	price, _ := terms.Price.Float64()
	role := rec.RoleOf(self)

	favorable := false
	if role == ledger.RoleSeller {
		favorable = price >= shadow*(1-tolerance) && view.Self.Inventory[rec.Resource] >= terms.Quantity
	} else {
		favorable = price <= shadow*(1+tolerance) && canAfford(view.Self, terms.Quantity, terms.Price)
	}
	if favorable {
		return &Intent{Kind: IntentAccept, NegotiationID: rec.ID}
	}

	if len(rec.Offers) >= maxHaggleRounds {
		return &Intent{Kind: IntentReject, NegotiationID: rec.ID}
	}

	// Counter at own valuation, nudged toward the standing offer.
	target := shadow
	if target <= 0 {
		target = price
	}
	counter := decimal.NewFromFloat((target + price) / 2).Round(2)
	if counter.IsNegative() || counter.IsZero() {
		return &Intent{Kind: IntentReject, NegotiationID: rec.ID}
	}
	qty := terms.Quantity
	if role == ledger.RoleSeller && view.Self.Inventory[rec.Resource] < qty {
		qty = economy.Round4(view.Self.Inventory[rec.Resource])
		if qty <= 0 {
			return &Intent{Kind: IntentReject, NegotiationID: rec.ID}
		}
	}
	return &Intent{
		Kind:          IntentCounter,
		NegotiationID: rec.ID,
		Quantity:      qty,
		Price:         counter,
	}
}

func canAfford(acct ledger.Account, qty float64, price decimal.Decimal) bool {
	total := price.Mul(decimal.NewFromFloat(qty)).Round(2)
	return acct.Funds.GreaterThanOrEqual(total)
}

func minf(vals ...float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
