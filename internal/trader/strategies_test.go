package trader

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/talgya/cndq/internal/economy"
	"github.com/talgya/cndq/internal/ledger"
	"github.com/talgya/cndq/internal/marketplace"
	"github.com/talgya/cndq/internal/negotiation"
)

// balancedView yields shadow prices N=1.82, D=7.27, C=Q=0: D is a clear
// bottleneck, C and Q have slack.
func balancedView(t *testing.T, funds int64) MarketView {
	t.Helper()
	inv := economy.Inventory{
		economy.ResourceC: 1000, economy.ResourceN: 1000,
		economy.ResourceD: 1000, economy.ResourceQ: 1000,
	}
	prices, err := economy.Solve(inv)
	require.NoError(t, err)

	acct := ledger.NewAccount("me")
	acct.Name = "Swift Penguin"
	acct.Funds = decimal.NewFromInt(funds)
	acct.Inventory = inv
	return MarketView{Self: acct, Prices: prices}
}

func ask(agent string, r economy.Resource, qty, price float64) marketplace.Listing {
	return marketplace.Listing{
		EventID: "l-" + agent + string(r), AgentID: agent, Side: marketplace.SideAsk,
		Resource: r, Quantity: qty, Price: decimal.NewFromFloat(price),
		Status: marketplace.StatusOpen, PostedAt: time.Now(),
	}
}

func bid(agent string, r economy.Resource, qty, price float64) marketplace.Listing {
	l := ask(agent, r, qty, price)
	l.Side = marketplace.SideBid
	return l
}

func TestArbitrageBuysBelowShadowPrice(t *testing.T) {
	view := balancedView(t, 10000)
	view.Listings = []marketplace.Listing{
		ask("them", economy.ResourceD, 100, 5.00), // D worth 7.27 to us
	}

	intent := NewArbitrage(1, 0).Decide(view)
	require.NotNil(t, intent)
	require.Equal(t, IntentInitiate, intent.Kind)
	require.Equal(t, ledger.RoleBuyer, intent.Role)
	require.Equal(t, economy.ResourceD, intent.Resource)
	require.Equal(t, "them", intent.Counterparty)
}

func TestArbitrageIgnoresFairlyPricedAsks(t *testing.T) {
	view := balancedView(t, 10000)
	view.Listings = []marketplace.Listing{
		ask("them", economy.ResourceD, 100, 7.20), // within the 10% margin
		ask("them", economy.ResourceC, 100, 0.10), // zero shadow price
	}

	require.Nil(t, NewArbitrage(1, 0).Decide(view))
}

func TestArbitrageSellsIntoRichBid(t *testing.T) {
	view := balancedView(t, 0)
	view.Listings = []marketplace.Listing{
		bid("them", economy.ResourceN, 100, 2.50), // N worth 1.82 to us
	}

	intent := NewArbitrage(1, 0).Decide(view)
	require.NotNil(t, intent)
	require.Equal(t, ledger.RoleSeller, intent.Role)
	require.Equal(t, economy.ResourceN, intent.Resource)
}

func TestArbitrageSkipsOwnListings(t *testing.T) {
	view := balancedView(t, 10000)
	view.Listings = []marketplace.Listing{
		ask("me", economy.ResourceD, 100, 5.00),
	}
	require.Nil(t, NewArbitrage(1, 0).Decide(view))
}

func TestBottleneckChasesHighestShadowPrice(t *testing.T) {
	view := balancedView(t, 10000)
	view.Listings = []marketplace.Listing{
		ask("them", economy.ResourceN, 100, 2.00), // not the bottleneck
		ask("them", economy.ResourceD, 100, 8.00), // D at 8 < 7.27 * 1.5 ceiling
	}

	intent := NewBottleneck(1, 0).Decide(view)
	require.NotNil(t, intent)
	require.Equal(t, economy.ResourceD, intent.Resource)
	require.Equal(t, ledger.RoleBuyer, intent.Role)
}

func TestBottleneckSellsExcessIntoBids(t *testing.T) {
	view := balancedView(t, 0)
	view.Listings = []marketplace.Listing{
		bid("them", economy.ResourceC, 150, 0.80), // C has zero shadow price
	}

	intent := NewBottleneck(1, 0).Decide(view)
	require.NotNil(t, intent)
	require.Equal(t, economy.ResourceC, intent.Resource)
	require.Equal(t, ledger.RoleSeller, intent.Role)
}

func TestRecipeBalancingBuysTheBindingChemical(t *testing.T) {
	view := balancedView(t, 10000)
	// With a balanced stock the optimal plan consumes all the N, so N
	// has the worst coverage.
	view.Listings = []marketplace.Listing{
		ask("them", economy.ResourceN, 200, 2.00),
	}

	intent := NewRecipeBalancing(1, 0).Decide(view)
	require.NotNil(t, intent)
	require.Equal(t, IntentInitiate, intent.Kind)
	require.Equal(t, economy.ResourceN, intent.Resource)
	require.Equal(t, ledger.RoleBuyer, intent.Role)
	// Opens below asking to leave haggling room.
	require.True(t, intent.Price.LessThan(decimal.NewFromFloat(2.00)), "opened at %s", intent.Price)
}

func TestPoliciesAreDeterministicPerSeed(t *testing.T) {
	mk := func() MarketView {
		v := balancedView(t, 10000)
		v.Listings = []marketplace.Listing{
			ask("them", economy.ResourceD, 100, 5.00),
		}
		return v
	}

	a := NewArbitrage(99, 0.5).Decide(mk())
	b := NewArbitrage(99, 0.5).Decide(mk())
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.Equal(t, a.Quantity, b.Quantity)
	require.True(t, a.Price.Equal(b.Price))
}

func turnRecord(self, other string, role ledger.Role, r economy.Resource, qty, price float64, rounds int) negotiation.Record {
	rec := negotiation.Record{
		ID:            "n-1",
		InitiatorID:   other,
		ResponderID:   self,
		Resource:      r,
		InitiatorRole: role.Inverse(),
		Status:        negotiation.StatusPending,
		LastOfferBy:   other,
	}
	for i := 0; i < rounds; i++ {
		rec.Offers = append(rec.Offers, negotiation.Offer{
			From: other, Quantity: qty, Price: decimal.NewFromFloat(price),
		})
	}
	return rec
}

func TestRespondToTurnAcceptsFavorableOffer(t *testing.T) {
	view := balancedView(t, 10000)
	// They sell D at 6.50; we value it at 7.27.
	rec := turnRecord("me", "them", ledger.RoleBuyer, economy.ResourceD, 50, 6.50, 1)

	intent := respondToTurn(rec, view, 0.05)
	require.NotNil(t, intent)
	require.Equal(t, IntentAccept, intent.Kind)
}

func TestRespondToTurnCountersUnfavorableOffer(t *testing.T) {
	view := balancedView(t, 10000)
	// They want 12.00 for D; we counter toward our 7.27 valuation.
	rec := turnRecord("me", "them", ledger.RoleBuyer, economy.ResourceD, 50, 12.00, 1)

	intent := respondToTurn(rec, view, 0.05)
	require.NotNil(t, intent)
	require.Equal(t, IntentCounter, intent.Kind)
	require.True(t, intent.Price.LessThan(decimal.NewFromFloat(12.00)))
	require.True(t, intent.Price.GreaterThan(decimal.NewFromFloat(7.00)))
}

func TestRespondToTurnGivesUpAfterMaxRounds(t *testing.T) {
	view := balancedView(t, 10000)
	rec := turnRecord("me", "them", ledger.RoleBuyer, economy.ResourceD, 50, 12.00, maxHaggleRounds)

	intent := respondToTurn(rec, view, 0.05)
	require.NotNil(t, intent)
	require.Equal(t, IntentReject, intent.Kind)
}

func TestRespondToTurnSellerChecksInventory(t *testing.T) {
	view := balancedView(t, 0)
	view.Self.Inventory = economy.Inventory{economy.ResourceD: 10}
	// Great price, but we only hold 10 gallons; counter shrinks the lot.
	rec := turnRecord("me", "them", ledger.RoleSeller, economy.ResourceD, 50, 9.00, 1)

	intent := respondToTurn(rec, view, 0.10)
	require.NotNil(t, intent)
	require.Equal(t, IntentCounter, intent.Kind)
	require.InDelta(t, 10, intent.Quantity, 1e-9)
}