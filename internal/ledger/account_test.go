package ledger

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/talgya/cndq/internal/economy"
)

func mustEvent(t *testing.T, kind Kind, origin string, payload any) Event {
	t.Helper()
	e, err := New(kind, origin, payload)
	if err != nil {
		t.Fatalf("New(%s) error: %v", kind, err)
	}
	return e
}

func TestAccountFoldInit(t *testing.T) {
	e := mustEvent(t, KindInit, "alice", &InitPayload{
		Name:      "Swift Penguin",
		Funds:     decimal.NewFromInt(100),
		Inventory: economy.Inventory{economy.ResourceC: 750.12341},
	})

	acct, err := NewAccount("alice").Apply(e)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if acct.Name != "Swift Penguin" {
		t.Errorf("name = %q", acct.Name)
	}
	if !acct.Funds.Equal(decimal.NewFromInt(100)) || !acct.StartingFunds.Equal(decimal.NewFromInt(100)) {
		t.Errorf("funds = %s, starting = %s", acct.Funds, acct.StartingFunds)
	}
	if acct.Inventory[economy.ResourceC] != 750.1234 {
		t.Errorf("inventory C = %v, want rounded to 4 decimals", acct.Inventory[economy.ResourceC])
	}
}

func TestAccountFoldProduction(t *testing.T) {
	acct := NewAccount("alice")
	acct.Inventory = economy.Inventory{
		economy.ResourceC: 100, economy.ResourceN: 100,
		economy.ResourceD: 100, economy.ResourceQ: 100,
	}

	e := mustEvent(t, KindProduction, "alice", &ProductionPayload{
		Session:  3,
		Deicer:   50,
		Solvent:  40,
		Consumed: economy.Consumption(50, 40),
		Revenue:  decimal.NewFromInt(220),
	})

	next, err := acct.Apply(e)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if !next.Funds.Equal(decimal.NewFromInt(220)) {
		t.Errorf("funds = %s, want 220", next.Funds)
	}
	if next.LastProductionSession != 3 {
		t.Errorf("last production session = %d, want 3", next.LastProductionSession)
	}
	// 50 gal deicer consumes 25 C; 50*0.3 + 40*0.25 = 25 N.
	if next.Inventory[economy.ResourceC] != 75 {
		t.Errorf("C = %v, want 75", next.Inventory[economy.ResourceC])
	}
	if next.Inventory[economy.ResourceN] != 75 {
		t.Errorf("N = %v, want 75", next.Inventory[economy.ResourceN])
	}

	// The receiver is untouched.
	if acct.Inventory[economy.ResourceC] != 100 {
		t.Errorf("Apply mutated its receiver: C = %v", acct.Inventory[economy.ResourceC])
	}
}

func TestAccountFoldTransactionRoles(t *testing.T) {
	base := NewAccount("alice")
	base.Funds = decimal.NewFromInt(100)
	base.Inventory = economy.Inventory{economy.ResourceQ: 50}

	pay := &TransactionPayload{
		TransactionID: "t-1",
		Resource:      economy.ResourceQ,
		Quantity:      8,
		UnitPrice:     decimal.NewFromFloat(6.00),
		Total:         decimal.NewFromFloat(48.00),
		Role:          RoleSeller,
	}

	sold, err := base.Apply(mustEvent(t, KindTransaction, "alice", pay))
	if err != nil {
		t.Fatalf("Apply(seller) error: %v", err)
	}
	if sold.Inventory[economy.ResourceQ] != 42 {
		t.Errorf("seller Q = %v, want 42", sold.Inventory[economy.ResourceQ])
	}
	if !sold.Funds.Equal(decimal.NewFromInt(148)) {
		t.Errorf("seller funds = %s, want 148", sold.Funds)
	}

	pay.Role = RoleBuyer
	bought, err := base.Apply(mustEvent(t, KindTransaction, "alice", pay))
	if err != nil {
		t.Fatalf("Apply(buyer) error: %v", err)
	}
	if bought.Inventory[economy.ResourceQ] != 58 {
		t.Errorf("buyer Q = %v, want 58", bought.Inventory[economy.ResourceQ])
	}
	if !bought.Funds.Equal(decimal.NewFromInt(52)) {
		t.Errorf("buyer funds = %s, want 52", bought.Funds)
	}
}

func TestAccountFoldClampsInventory(t *testing.T) {
	base := NewAccount("alice")
	base.Inventory = economy.Inventory{economy.ResourceC: 5}

	e := mustEvent(t, KindTransaction, "alice", &TransactionPayload{
		TransactionID: "t-1",
		Resource:      economy.ResourceC,
		Quantity:      10,
		UnitPrice:     decimal.NewFromInt(1),
		Total:         decimal.NewFromInt(10),
		Role:          RoleSeller,
	})

	next, err := base.Apply(e)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if next.Inventory[economy.ResourceC] != 0 {
		t.Errorf("C = %v, want clamped to 0", next.Inventory[economy.ResourceC])
	}
}

func TestAccountFoldIgnoresListingsAndNegotiations(t *testing.T) {
	base := NewAccount("alice")
	base.Funds = decimal.NewFromInt(10)
	base.Inventory = economy.Inventory{economy.ResourceC: 10}

	events := []Event{
		mustEvent(t, KindPostAd, "alice", &ListingPayload{Resource: economy.ResourceC, Quantity: 5, Price: decimal.NewFromInt(1)}),
		mustEvent(t, KindInitiateNegotiation, "alice", &NegotiationPayload{NegotiationID: "n-1", Resource: economy.ResourceC, Quantity: 5, Price: decimal.NewFromInt(1), Role: RoleSeller}),
		mustEvent(t, KindRejectNegotiation, "alice", &NegotiationPayload{NegotiationID: "n-1", Resource: economy.ResourceC, Role: RoleSeller}),
	}

	acct := base
	for _, e := range events {
		next, err := acct.Apply(e)
		if err != nil {
			t.Fatalf("Apply(%s) error: %v", e.Kind, err)
		}
		acct = next
	}

	if !acct.Funds.Equal(base.Funds) || acct.Inventory[economy.ResourceC] != 10 {
		t.Errorf("listings or negotiation turns moved value: %+v", acct)
	}
	if acct.EventsApplied != 3 {
		t.Errorf("events applied = %d, want 3", acct.EventsApplied)
	}
}

func TestAccountFoldRejectsUnknownKind(t *testing.T) {
	e := mustEvent(t, KindPostAd, "alice", &ListingPayload{Resource: economy.ResourceC, Quantity: 1, Price: decimal.NewFromInt(1)})
	e.Kind = "mystery"
	if _, err := NewAccount("alice").Apply(e); err == nil {
		t.Fatal("Apply() accepted an unknown kind")
	}
}
