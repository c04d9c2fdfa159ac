package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/talgya/cndq/internal/economy"
)

// Account is the materialized state of one agent's ledger. It is derived,
// never stored authoritatively: replaying the ledger from empty always
// reproduces it.
type Account struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Funds         decimal.Decimal   `json:"funds"`
	StartingFunds decimal.Decimal   `json:"startingFunds"`
	Inventory     economy.Inventory `json:"inventory"`
	// LastProductionSession guards against double production runs.
	LastProductionSession int    `json:"lastProductionSession"`
	LastSeq               uint64 `json:"lastSeq"`
	EventsApplied         int    `json:"eventsApplied"`
}

// NewAccount is the empty fold state for an agent.
func NewAccount(id string) Account {
	return Account{
		ID:        id,
		Funds:     decimal.Zero,
		Inventory: economy.Inventory{},
	}
}

// Apply folds one event into the account and returns the new state. The
// receiver is not modified. Inventory quantities are clamped at zero and
// kept to four decimals.
func (a Account) Apply(e Event) (Account, error) {
	next := a
	next.Inventory = a.Inventory.Clone()
	next.LastSeq = e.Seq
	next.EventsApplied++

	payload, err := e.DecodePayload()
	if err != nil {
		return a, fmt.Errorf("apply seq %d: %w", e.Seq, err)
	}

	switch p := payload.(type) {
	case *InitPayload:
		next.Name = p.Name
		next.Funds = p.Funds
		next.StartingFunds = p.Funds
		for r, q := range p.Inventory {
			next.Inventory[r] = economy.Round4(q)
		}

	case *ProductionPayload:
		for r, used := range p.Consumed {
			next.adjust(r, -used)
		}
		next.Funds = next.Funds.Add(p.Revenue)
		if p.Initial {
			next.StartingFunds = next.StartingFunds.Add(p.Revenue)
		}
		if p.Session > next.LastProductionSession {
			next.LastProductionSession = p.Session
		}

	case *TransactionPayload:
		switch p.Role {
		case RoleSeller:
			next.adjust(p.Resource, -p.Quantity)
			next.Funds = next.Funds.Add(p.Total)
		case RoleBuyer:
			next.adjust(p.Resource, p.Quantity)
			next.Funds = next.Funds.Sub(p.Total)
		default:
			return a, fmt.Errorf("%w: transaction role %q", ErrBadEvent, p.Role)
		}

	case *ListingPayload, *NegotiationPayload:
		// Listings and negotiation turns move no funds or chemicals;
		// they matter to the feed and the negotiation record.
	}

	return next, nil
}

func (a *Account) adjust(r economy.Resource, delta float64) {
	q := economy.Round4(a.Inventory[r] + delta)
	if q < 0 {
		q = 0
	}
	a.Inventory[r] = q
}

// GainSinceStart is the leaderboard metric: funds earned since the ledger
// was seeded.
func (a Account) GainSinceStart() decimal.Decimal {
	return a.Funds.Sub(a.StartingFunds)
}

// Replay folds a complete event slice from the empty state.
func Replay(agentID string, events []Event) (Account, error) {
	acct := NewAccount(agentID)
	for _, e := range events {
		next, err := acct.Apply(e)
		if err != nil {
			return Account{}, err
		}
		acct = next
	}
	return acct, nil
}
