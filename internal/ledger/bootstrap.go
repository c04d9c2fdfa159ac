package ledger

import (
	"fmt"
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/talgya/cndq/internal/economy"
)

// Bootstrap seeds a ledger for an agent seen for the first time: an init
// event with a generated display name and a random 500 to 2000 gallons of
// each chemical, followed by an automatic first production run whose
// revenue becomes the agent's starting funds.
//
// Callers pass a seeded rng so tests stay deterministic.
func Bootstrap(store Store, agentID string, rng *rand.Rand) (Account, error) {
	inv := economy.Inventory{}
	for _, r := range economy.Resources {
		inv[r] = float64(500 + rng.Intn(1501))
	}

	init, err := New(KindInit, agentID, &InitPayload{
		Name:      DisplayName(agentID),
		Funds:     decimal.Zero,
		Inventory: inv,
	})
	if err != nil {
		return Account{}, err
	}
	if _, err := store.Append(agentID, init); err != nil {
		return Account{}, fmt.Errorf("bootstrap %s: %w", agentID, err)
	}

	set, err := economy.Solve(inv)
	if err != nil {
		return Account{}, fmt.Errorf("bootstrap %s: %w", agentID, err)
	}
	plan := set.Mix.Quantize()

	prod, err := New(KindProduction, agentID, &ProductionPayload{
		Session:  0,
		Initial:  true,
		Deicer:   plan.Deicer,
		Solvent:  plan.Solvent,
		Consumed: economy.Consumption(plan.Deicer, plan.Solvent),
		Revenue:  decimal.NewFromFloat(plan.Revenue),
	})
	if err != nil {
		return Account{}, err
	}
	prod.CausationID = init.ID
	if _, err := store.Append(agentID, prod); err != nil {
		return Account{}, fmt.Errorf("bootstrap %s: %w", agentID, err)
	}

	events, err := store.Read(agentID, 0)
	if err != nil {
		return Account{}, err
	}
	return Replay(agentID, events)
}
