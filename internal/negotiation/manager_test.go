package negotiation_test

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/talgya/cndq/internal/economy"
	"github.com/talgya/cndq/internal/ledger"
	"github.com/talgya/cndq/internal/negotiation"
	"github.com/talgya/cndq/internal/persistence"
)

type fixture struct {
	events ledger.Store
	mat    *ledger.Materializer
	mgr    *negotiation.Manager
}

func withManagers(t *testing.T, fn func(t *testing.T, fx fixture)) {
	t.Helper()

	t.Run("filelog", func(t *testing.T) {
		dir := t.TempDir()
		events, err := ledger.OpenFileStore(dir)
		require.NoError(t, err)
		defer events.Close()
		records, err := negotiation.OpenFileStore(dir)
		require.NoError(t, err)
		mat := ledger.NewMaterializer(events)
		fn(t, fixture{events: events, mat: mat, mgr: negotiation.NewManager(records, events, mat, nil)})
	})

	t.Run("sqlite", func(t *testing.T) {
		db, err := persistence.Open(filepath.Join(t.TempDir(), "cndq.db"))
		require.NoError(t, err)
		defer db.Close()
		events := ledger.NewSQLStore(db.Conn())
		records := negotiation.NewSQLStore(db.Conn())
		mat := ledger.NewMaterializer(events)
		fn(t, fixture{events: events, mat: mat, mgr: negotiation.NewManager(records, events, mat, nil)})
	})
}

// seed gives an agent a ledger with known funds and inventory.
func seed(t *testing.T, store ledger.Store, id string, funds int64, inv economy.Inventory) {
	t.Helper()
	e, err := ledger.New(ledger.KindInit, id, &ledger.InitPayload{
		Name:      ledger.DisplayName(id),
		Funds:     decimal.NewFromInt(funds),
		Inventory: inv,
	})
	require.NoError(t, err)
	_, err = store.Append(id, e)
	require.NoError(t, err)
}

func TestNegotiationAcceptSettles(t *testing.T) {
	withManagers(t, func(t *testing.T, fx fixture) {
		seed(t, fx.events, "seller", 0, economy.Inventory{economy.ResourceQ: 50})
		seed(t, fx.events, "buyer", 100, economy.Inventory{})

		// Buyer opens, wants 10 Q at 5.00; seller counters 8 at 6.00;
		// buyer accepts. Settlement total must be 48.00.
		rec, err := fx.mgr.Initiate("buyer", "seller", economy.ResourceQ, 10, decimal.NewFromFloat(5.00), ledger.RoleBuyer, "")
		require.NoError(t, err)
		require.Equal(t, negotiation.StatusPending, rec.Status)
		require.Equal(t, "buyer", rec.LastOfferBy)

		rec, err = fx.mgr.Counter(rec.ID, "seller", 8, decimal.NewFromFloat(6.00))
		require.NoError(t, err)
		require.Equal(t, negotiation.StatusCountered, rec.Status)

		rec, err = fx.mgr.Accept(rec.ID, "buyer")
		require.NoError(t, err)
		require.Equal(t, negotiation.StatusAccepted, rec.Status)

		// The acceptor's ledger settles synchronously.
		buyer, err := fx.mat.Account("buyer")
		require.NoError(t, err)
		require.True(t, buyer.Funds.Equal(decimal.NewFromInt(52)), "buyer funds = %s", buyer.Funds)
		require.InDelta(t, 8, buyer.Inventory[economy.ResourceQ], 1e-9)

		// The seller's mirror has not arrived yet; reflection owns it.
		seller, err := fx.mat.Account("seller")
		require.NoError(t, err)
		require.True(t, seller.Funds.IsZero(), "seller funds = %s", seller.Funds)
		require.InDelta(t, 50, seller.Inventory[economy.ResourceQ], 1e-9)
	})
}

func TestNegotiationTurnInvariant(t *testing.T) {
	withManagers(t, func(t *testing.T, fx fixture) {
		seed(t, fx.events, "a", 100, economy.Inventory{economy.ResourceC: 100})
		seed(t, fx.events, "b", 100, economy.Inventory{economy.ResourceC: 100})

		rec, err := fx.mgr.Initiate("a", "b", economy.ResourceC, 5, decimal.NewFromInt(2), ledger.RoleSeller, "")
		require.NoError(t, err)

		// The initiator holds the last offer and may not act.
		_, err = fx.mgr.Counter(rec.ID, "a", 6, decimal.NewFromInt(2))
		require.ErrorIs(t, err, negotiation.ErrNotYourTurn)
		_, err = fx.mgr.Accept(rec.ID, "a")
		require.ErrorIs(t, err, negotiation.ErrNotYourTurn)

		rec, err = fx.mgr.Counter(rec.ID, "b", 5, decimal.NewFromInt(1))
		require.NoError(t, err)
		require.Equal(t, "b", rec.LastOfferBy)

		// Turn passed back: now b is locked out.
		_, err = fx.mgr.Counter(rec.ID, "b", 5, decimal.NewFromInt(1))
		require.ErrorIs(t, err, negotiation.ErrNotYourTurn)
	})
}

func TestNegotiationTerminalIsImmutable(t *testing.T) {
	withManagers(t, func(t *testing.T, fx fixture) {
		seed(t, fx.events, "a", 100, economy.Inventory{economy.ResourceC: 100})
		seed(t, fx.events, "b", 100, economy.Inventory{economy.ResourceC: 100})

		rec, err := fx.mgr.Initiate("a", "b", economy.ResourceC, 5, decimal.NewFromInt(2), ledger.RoleSeller, "")
		require.NoError(t, err)
		rec, err = fx.mgr.Reject(rec.ID, "b")
		require.NoError(t, err)
		require.Equal(t, negotiation.StatusRejected, rec.Status)

		for _, op := range []func() error{
			func() error { _, err := fx.mgr.Counter(rec.ID, "a", 1, decimal.NewFromInt(1)); return err },
			func() error { _, err := fx.mgr.Accept(rec.ID, "a"); return err },
			func() error { _, err := fx.mgr.Reject(rec.ID, "a"); return err },
		} {
			require.ErrorIs(t, op(), negotiation.ErrTerminal)
		}
	})
}

func TestNegotiationValidation(t *testing.T) {
	withManagers(t, func(t *testing.T, fx fixture) {
		seed(t, fx.events, "a", 100, economy.Inventory{economy.ResourceC: 100})
		seed(t, fx.events, "b", 100, economy.Inventory{economy.ResourceC: 100})

		_, err := fx.mgr.Initiate("a", "a", economy.ResourceC, 5, decimal.NewFromInt(1), ledger.RoleSeller, "")
		require.ErrorIs(t, err, negotiation.ErrBadOffer)

		_, err = fx.mgr.Initiate("a", "b", "X", 5, decimal.NewFromInt(1), ledger.RoleSeller, "")
		require.ErrorIs(t, err, negotiation.ErrBadOffer)

		_, err = fx.mgr.Initiate("a", "b", economy.ResourceC, 0, decimal.NewFromInt(1), ledger.RoleSeller, "")
		require.ErrorIs(t, err, negotiation.ErrBadOffer)

		_, err = fx.mgr.Initiate("a", "b", economy.ResourceC, 5, decimal.NewFromInt(-1), ledger.RoleSeller, "")
		require.ErrorIs(t, err, negotiation.ErrBadOffer)

		// Nothing above touched either ledger.
		events, err := fx.events.Read("a", 0)
		require.NoError(t, err)
		require.Len(t, events, 1) // just the init

		_, err = fx.mgr.Counter("no-such-negotiation", "a", 1, decimal.NewFromInt(1))
		require.ErrorIs(t, err, negotiation.ErrNotFound)
	})
}

func TestNegotiationOutsiderCannotAct(t *testing.T) {
	withManagers(t, func(t *testing.T, fx fixture) {
		seed(t, fx.events, "a", 100, economy.Inventory{economy.ResourceC: 100})
		seed(t, fx.events, "b", 100, economy.Inventory{economy.ResourceC: 100})

		rec, err := fx.mgr.Initiate("a", "b", economy.ResourceC, 5, decimal.NewFromInt(2), ledger.RoleSeller, "")
		require.NoError(t, err)

		_, err = fx.mgr.Accept(rec.ID, "mallory")
		require.ErrorIs(t, err, negotiation.ErrNotParticipant)
	})
}

func TestNegotiationSettlementGuards(t *testing.T) {
	withManagers(t, func(t *testing.T, fx fixture) {
		seed(t, fx.events, "seller", 0, economy.Inventory{economy.ResourceQ: 3})
		seed(t, fx.events, "buyer", 5, economy.Inventory{})

		// Seller offers more than it holds.
		rec, err := fx.mgr.Initiate("seller", "buyer", economy.ResourceQ, 10, decimal.NewFromInt(1), ledger.RoleSeller, "")
		require.NoError(t, err)
		_, err = fx.mgr.Accept(rec.ID, "buyer")
		require.ErrorIs(t, err, negotiation.ErrInsufficientInventory)

		// The negotiation stays open after a failed settlement.
		got, err := fx.mgr.Get(rec.ID)
		require.NoError(t, err)
		require.Equal(t, negotiation.StatusPending, got.Status)

		// Buyer cannot cover the total.
		rec2, err := fx.mgr.Initiate("seller", "buyer", economy.ResourceQ, 2, decimal.NewFromInt(4), ledger.RoleSeller, "")
		require.NoError(t, err)
		_, err = fx.mgr.Accept(rec2.ID, "buyer")
		require.ErrorIs(t, err, negotiation.ErrInsufficientFunds)

		// Affordable terms settle.
		rec3, err := fx.mgr.Initiate("seller", "buyer", economy.ResourceQ, 2, decimal.NewFromInt(2), ledger.RoleSeller, "")
		require.NoError(t, err)
		closed, err := fx.mgr.Accept(rec3.ID, "buyer")
		require.NoError(t, err)
		require.Equal(t, negotiation.StatusAccepted, closed.Status)
	})
}

func TestNegotiationConcurrentAcceptSettlesOnce(t *testing.T) {
	withManagers(t, func(t *testing.T, fx fixture) {
		seed(t, fx.events, "seller", 0, economy.Inventory{economy.ResourceQ: 50})
		seed(t, fx.events, "buyer", 1000, economy.Inventory{})

		rec, err := fx.mgr.Initiate("seller", "buyer", economy.ResourceQ, 10, decimal.NewFromInt(5), ledger.RoleSeller, "")
		require.NoError(t, err)

		// Many acceptors race one pending negotiation. Exactly one may
		// settle; the rest observe it terminal.
		var settled atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				switch _, err := fx.mgr.Accept(rec.ID, "buyer"); {
				case err == nil:
					settled.Add(1)
				case errors.Is(err, negotiation.ErrTerminal):
				default:
					t.Errorf("Accept() error: %v", err)
				}
			}()
		}
		wg.Wait()
		require.EqualValues(t, 1, settled.Load())

		events, err := fx.events.Read("buyer", 0)
		require.NoError(t, err)
		var accepts, txs int
		for _, e := range events {
			switch e.Kind {
			case ledger.KindAcceptNegotiation:
				accepts++
			case ledger.KindTransaction:
				txs++
			}
		}
		require.Equal(t, 1, accepts, "close events in ledger")
		require.Equal(t, 1, txs, "transactions in ledger")

		// The buyer paid the 50.00 total once.
		buyer, err := fx.mat.Account("buyer")
		require.NoError(t, err)
		require.True(t, buyer.Funds.Equal(decimal.NewFromInt(950)), "buyer funds = %s", buyer.Funds)
		require.InDelta(t, 10, buyer.Inventory[economy.ResourceQ], 1e-9)
	})
}

func TestNegotiationInitiateRequiresKnownParties(t *testing.T) {
	withManagers(t, func(t *testing.T, fx fixture) {
		seed(t, fx.events, "a", 100, economy.Inventory{economy.ResourceC: 100})

		_, err := fx.mgr.Initiate("a", "nobody", economy.ResourceC, 5, decimal.NewFromInt(2), ledger.RoleSeller, "")
		require.ErrorIs(t, err, ledger.ErrUnknownAgent)
		_, err = fx.mgr.Initiate("ghost", "a", economy.ResourceC, 5, decimal.NewFromInt(2), ledger.RoleBuyer, "")
		require.ErrorIs(t, err, ledger.ErrUnknownAgent)

		// Neither attempt minted a ledger or appended anywhere.
		agents, err := fx.events.Agents()
		require.NoError(t, err)
		require.Equal(t, []string{"a"}, agents)
		events, err := fx.events.Read("a", 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
	})
}

func TestNegotiationStoreKeepsClosedRecordsClosed(t *testing.T) {
	rec := negotiation.Record{
		ID:            "n1",
		InitiatorID:   "a",
		ResponderID:   "b",
		Resource:      economy.ResourceC,
		InitiatorRole: ledger.RoleSeller,
		Status:        negotiation.StatusAccepted,
		LastOfferBy:   "a",
		Offers:        []negotiation.Offer{{From: "a", Quantity: 1, Price: decimal.NewFromInt(1)}},
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}

	run := func(t *testing.T, store negotiation.Store) {
		require.NoError(t, store.Put(rec))

		reopened := rec
		reopened.Status = negotiation.StatusCountered
		require.ErrorIs(t, store.Put(reopened), negotiation.ErrTerminal)

		got, err := store.Get(rec.ID)
		require.NoError(t, err)
		require.Equal(t, negotiation.StatusAccepted, got.Status)
	}

	t.Run("filelog", func(t *testing.T) {
		store, err := negotiation.OpenFileStore(t.TempDir())
		require.NoError(t, err)
		run(t, store)
	})

	t.Run("sqlite", func(t *testing.T) {
		db, err := persistence.Open(filepath.Join(t.TempDir(), "cndq.db"))
		require.NoError(t, err)
		defer db.Close()
		run(t, negotiation.NewSQLStore(db.Conn()))
	})
}

func TestNegotiationForAgent(t *testing.T) {
	withManagers(t, func(t *testing.T, fx fixture) {
		seed(t, fx.events, "a", 100, economy.Inventory{economy.ResourceC: 100})
		seed(t, fx.events, "b", 100, economy.Inventory{economy.ResourceC: 100})
		seed(t, fx.events, "c", 100, economy.Inventory{economy.ResourceC: 100})

		_, err := fx.mgr.Initiate("a", "b", economy.ResourceC, 5, decimal.NewFromInt(2), ledger.RoleSeller, "")
		require.NoError(t, err)
		_, err = fx.mgr.Initiate("c", "a", economy.ResourceD, 3, decimal.NewFromInt(1), ledger.RoleBuyer, "")
		require.NoError(t, err)
		_, err = fx.mgr.Initiate("b", "c", economy.ResourceN, 1, decimal.NewFromInt(1), ledger.RoleSeller, "")
		require.NoError(t, err)

		mine, err := fx.mgr.ForAgent("a")
		require.NoError(t, err)
		require.Len(t, mine, 2)
		for _, r := range mine {
			require.True(t, r.Participant("a"))
		}
	})
}
