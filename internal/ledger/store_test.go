package ledger_test

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/talgya/cndq/internal/economy"
	"github.com/talgya/cndq/internal/ledger"
	"github.com/talgya/cndq/internal/persistence"
)

// The two backends share one contract, so every test here runs against
// both.
func withStores(t *testing.T, fn func(t *testing.T, store ledger.Store)) {
	t.Helper()

	t.Run("filelog", func(t *testing.T) {
		fs, err := ledger.OpenFileStore(t.TempDir())
		if err != nil {
			t.Fatalf("OpenFileStore() error: %v", err)
		}
		defer fs.Close()
		fn(t, fs)
	})

	t.Run("sqlite", func(t *testing.T) {
		db, err := persistence.Open(filepath.Join(t.TempDir(), "cndq.db"))
		if err != nil {
			t.Fatalf("persistence.Open() error: %v", err)
		}
		defer db.Close()
		fn(t, ledger.NewSQLStore(db.Conn()))
	})
}

func listing(t *testing.T, agent string) ledger.Event {
	t.Helper()
	e, err := ledger.New(ledger.KindPostAd, agent, &ledger.ListingPayload{
		Resource: economy.ResourceC,
		Quantity: 100,
		Price:    decimal.NewFromFloat(1.50),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return e
}

func TestStoreAppendAllocatesSequence(t *testing.T) {
	withStores(t, func(t *testing.T, store ledger.Store) {
		for want := uint64(1); want <= 5; want++ {
			seq, err := store.Append("alice", listing(t, "alice"))
			if err != nil {
				t.Fatalf("Append() error: %v", err)
			}
			if seq != want {
				t.Fatalf("Append() seq = %d, want %d", seq, want)
			}
		}

		events, err := store.Read("alice", 0)
		if err != nil {
			t.Fatalf("Read() error: %v", err)
		}
		if len(events) != 5 {
			t.Fatalf("Read() returned %d events, want 5", len(events))
		}
		for i, e := range events {
			if e.Seq != uint64(i+1) {
				t.Errorf("event %d has seq %d", i, e.Seq)
			}
		}
	})
}

func TestStoreReadSinceSeq(t *testing.T) {
	withStores(t, func(t *testing.T, store ledger.Store) {
		for i := 0; i < 4; i++ {
			if _, err := store.Append("alice", listing(t, "alice")); err != nil {
				t.Fatalf("Append() error: %v", err)
			}
		}

		events, err := store.Read("alice", 2)
		if err != nil {
			t.Fatalf("Read() error: %v", err)
		}
		if len(events) != 2 || events[0].Seq != 3 || events[1].Seq != 4 {
			t.Fatalf("Read(since=2) = %+v, want seqs 3 and 4", events)
		}
	})
}

func TestStoreUnknownAgent(t *testing.T) {
	withStores(t, func(t *testing.T, store ledger.Store) {
		if _, err := store.Read("nobody", 0); !errors.Is(err, ledger.ErrUnknownAgent) {
			t.Fatalf("Read(unknown) error = %v, want ErrUnknownAgent", err)
		}
		ok, err := store.HasEventID("nobody", "some-id")
		if err != nil || ok {
			t.Fatalf("HasEventID(unknown) = %v, %v, want false, nil", ok, err)
		}
	})
}

func TestStoreRejectsDuplicateEventID(t *testing.T) {
	withStores(t, func(t *testing.T, store ledger.Store) {
		e := listing(t, "alice")
		if _, err := store.Append("alice", e); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
		_, err := store.Append("alice", e)
		if !errors.Is(err, ledger.ErrDuplicateEvent) {
			t.Fatalf("second Append() error = %v, want ErrDuplicateEvent", err)
		}

		// The failed append must not burn a sequence number.
		seq, err := store.Append("alice", listing(t, "alice"))
		if err != nil {
			t.Fatalf("Append() error: %v", err)
		}
		if seq != 2 {
			t.Fatalf("Append() after duplicate seq = %d, want 2", seq)
		}
	})
}

func TestStoreRejectsMalformedEvents(t *testing.T) {
	withStores(t, func(t *testing.T, store ledger.Store) {
		e := listing(t, "alice")
		e.Kind = "sabotage"
		if _, err := store.Append("alice", e); !errors.Is(err, ledger.ErrUnknownKind) {
			t.Fatalf("Append(bad kind) error = %v, want ErrUnknownKind", err)
		}

		e = listing(t, "alice")
		e.ID = ""
		if _, err := store.Append("alice", e); !errors.Is(err, ledger.ErrBadEvent) {
			t.Fatalf("Append(no id) error = %v, want ErrBadEvent", err)
		}
	})
}

func TestStoreHasEventIDSeesReflectedCopies(t *testing.T) {
	withStores(t, func(t *testing.T, store ledger.Store) {
		src := listing(t, "alice")
		if _, err := store.Append("alice", src); err != nil {
			t.Fatalf("Append() error: %v", err)
		}

		mirror := listing(t, "alice")
		mirror.ReflectedFrom = src.ID
		if _, err := store.Append("bob", mirror); err != nil {
			t.Fatalf("Append(reflected) error: %v", err)
		}

		ok, err := store.HasEventID("bob", src.ID)
		if err != nil {
			t.Fatalf("HasEventID() error: %v", err)
		}
		if !ok {
			t.Fatal("HasEventID() should see the reflected copy by source id")
		}
	})
}

func TestStoreAgents(t *testing.T) {
	withStores(t, func(t *testing.T, store ledger.Store) {
		for _, id := range []string{"carol", "alice", "bob"} {
			if _, err := store.Append(id, listing(t, id)); err != nil {
				t.Fatalf("Append(%s) error: %v", id, err)
			}
		}
		ids, err := store.Agents()
		if err != nil {
			t.Fatalf("Agents() error: %v", err)
		}
		want := []string{"alice", "bob", "carol"}
		if len(ids) != len(want) {
			t.Fatalf("Agents() = %v, want %v", ids, want)
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Fatalf("Agents() = %v, want %v", ids, want)
			}
		}
	})
}

func TestStoreConcurrentAppends(t *testing.T) {
	withStores(t, func(t *testing.T, store ledger.Store) {
		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.Append("alice", listing(t, "alice")); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("concurrent Append() error: %v", err)
		}

		events, err := store.Read("alice", 0)
		if err != nil {
			t.Fatalf("Read() error: %v", err)
		}
		if len(events) != n {
			t.Fatalf("Read() returned %d events, want %d", len(events), n)
		}
		for i, e := range events {
			if e.Seq != uint64(i+1) {
				t.Errorf("gap or duplicate at position %d: seq %d", i, e.Seq)
			}
		}
	})
}

func TestMaterializerFoldsAndCaches(t *testing.T) {
	withStores(t, func(t *testing.T, store ledger.Store) {
		rng := rand.New(rand.NewSource(7))
		boot, err := ledger.Bootstrap(store, "alice", rng)
		if err != nil {
			t.Fatalf("Bootstrap() error: %v", err)
		}

		mat := ledger.NewMaterializer(store)
		acct, err := mat.Account("alice")
		if err != nil {
			t.Fatalf("Account() error: %v", err)
		}
		if !acct.Funds.Equal(boot.Funds) {
			t.Errorf("materialized funds = %s, want %s", acct.Funds, boot.Funds)
		}
		if acct.Name != ledger.DisplayName("alice") {
			t.Errorf("materialized name = %q", acct.Name)
		}

		// A second read folds only the tail.
		tx, err := ledger.New(ledger.KindTransaction, "alice", &ledger.TransactionPayload{
			TransactionID: "t-1",
			Resource:      economy.ResourceC,
			Quantity:      10,
			UnitPrice:     decimal.NewFromFloat(2),
			Total:         decimal.NewFromFloat(20),
			Role:          ledger.RoleSeller,
		})
		if err != nil {
			t.Fatalf("New() error: %v", err)
		}
		if _, err := store.Append("alice", tx); err != nil {
			t.Fatalf("Append() error: %v", err)
		}

		after, err := mat.Account("alice")
		if err != nil {
			t.Fatalf("Account() error: %v", err)
		}
		if !after.Funds.Equal(acct.Funds.Add(decimal.NewFromFloat(20))) {
			t.Errorf("funds after sale = %s, want %s", after.Funds, acct.Funds.Add(decimal.NewFromFloat(20)))
		}

		// Replay from empty reproduces the cached fold exactly.
		events, err := store.Read("alice", 0)
		if err != nil {
			t.Fatalf("Read() error: %v", err)
		}
		replayed, err := ledger.Replay("alice", events)
		if err != nil {
			t.Fatalf("Replay() error: %v", err)
		}
		if !replayed.Funds.Equal(after.Funds) || replayed.LastSeq != after.LastSeq {
			t.Errorf("replay diverged: %+v vs %+v", replayed, after)
		}
		for _, r := range economy.Resources {
			if replayed.Inventory[r] != after.Inventory[r] {
				t.Errorf("replay inventory %s = %v, cached %v", r, replayed.Inventory[r], after.Inventory[r])
			}
		}
	})
}

func TestBootstrapDeterministicWithSeed(t *testing.T) {
	withStores(t, func(t *testing.T, store ledger.Store) {
		a, err := ledger.Bootstrap(store, "agent-a", rand.New(rand.NewSource(42)))
		if err != nil {
			t.Fatalf("Bootstrap() error: %v", err)
		}
		b, err := ledger.Bootstrap(store, "agent-b", rand.New(rand.NewSource(42)))
		if err != nil {
			t.Fatalf("Bootstrap() error: %v", err)
		}
		for _, r := range economy.Resources {
			if a.Inventory[r] != b.Inventory[r] {
				t.Errorf("same seed drew different inventory for %s: %v vs %v", r, a.Inventory[r], b.Inventory[r])
			}
		}
		if !a.Funds.Equal(b.Funds) {
			t.Errorf("same seed produced different funds: %s vs %s", a.Funds, b.Funds)
		}
		if a.StartingFunds.IsZero() {
			t.Error("bootstrap should credit the first production run as starting funds")
		}
		if !a.GainSinceStart().IsZero() {
			t.Errorf("fresh agent gain = %s, want 0", a.GainSinceStart())
		}
	})
}

func TestStoreSequencePerAgentIsolation(t *testing.T) {
	withStores(t, func(t *testing.T, store ledger.Store) {
		for i := 0; i < 3; i++ {
			if _, err := store.Append("alice", listing(t, "alice")); err != nil {
				t.Fatalf("Append() error: %v", err)
			}
		}
		seq, err := store.Append("bob", listing(t, "bob"))
		if err != nil {
			t.Fatalf("Append() error: %v", err)
		}
		if seq != 1 {
			t.Fatalf("bob's first seq = %d, want 1", seq)
		}
	})
}

func ExampleDisplayName() {
	fmt.Println(ledger.DisplayName("alice") == ledger.DisplayName("alice"))
	// Output: true
}
