package negotiation

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/talgya/cndq/internal/economy"
	"github.com/talgya/cndq/internal/ledger"
	"github.com/talgya/cndq/internal/marketplace"
)

// closeEventID derives the id of the event that closes a negotiation,
// accept and reject alike. One id per negotiation means two racing
// closes cannot both land in the ledger; the loser sees the duplicate.
func closeEventID(negID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("negotiation-close/"+negID)).String()
}

func settlementEventID(negID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("settlement/"+negID)).String()
}

// Manager drives negotiations: every successful turn both updates the
// record and appends the matching event to the acting agent's ledger.
// Validation happens before any mutation, so a rejected turn leaves both
// the record and the ledgers untouched.
type Manager struct {
	records Store
	events  ledger.Store
	mat     *ledger.Materializer
	feed    marketplace.Feed // may be nil; listings then stay open
}

func NewManager(records Store, events ledger.Store, mat *ledger.Materializer, feed marketplace.Feed) *Manager {
	return &Manager{records: records, events: events, mat: mat, feed: feed}
}

func validOffer(resource economy.Resource, qty float64, price decimal.Decimal) error {
	if !economy.ValidResource(resource) {
		return fmt.Errorf("%w: %w: %q", ErrBadOffer, economy.ErrUnknownResource, resource)
	}
	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return fmt.Errorf("%w: quantity %v", ErrBadOffer, qty)
	}
	if price.IsNegative() {
		return fmt.Errorf("%w: price %s", ErrBadOffer, price)
	}
	return nil
}

// Initiate opens a negotiation with the first offer on the table. Role is
// the initiator's side: a seller answers a buy order, a buyer answers an
// ad. ListingEventID is optional.
func (m *Manager) Initiate(initiator, responder string, resource economy.Resource, qty float64, price decimal.Decimal, role ledger.Role, listingEventID string) (Record, error) {
	if initiator == responder {
		return Record{}, fmt.Errorf("%w: cannot negotiate with yourself", ErrBadOffer)
	}
	if initiator == "" || responder == "" {
		return Record{}, fmt.Errorf("%w: missing party", ErrBadOffer)
	}
	if role != ledger.RoleBuyer && role != ledger.RoleSeller {
		return Record{}, fmt.Errorf("%w: role %q", ErrBadOffer, role)
	}
	if err := validOffer(resource, qty, price); err != nil {
		return Record{}, err
	}
	// Both parties must already hold a ledger. Opening against a typo'd
	// name would otherwise mint a ghost agent on the next reflection
	// sweep, with a negotiation event as its first entry.
	for _, party := range []string{initiator, responder} {
		if _, err := m.mat.Account(party); err != nil {
			return Record{}, fmt.Errorf("initiate: %w", err)
		}
	}

	now := time.Now().UTC()
	rec := Record{
		ID:             uuid.NewString(),
		InitiatorID:    initiator,
		ResponderID:    responder,
		Resource:       resource,
		InitiatorRole:  role,
		Status:         StatusPending,
		LastOfferBy:    initiator,
		ListingEventID: listingEventID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	e, err := ledger.New(ledger.KindInitiateNegotiation, initiator, &ledger.NegotiationPayload{
		NegotiationID: rec.ID,
		Resource:      resource,
		Quantity:      qty,
		Price:         price,
		Role:          role,
	})
	if err != nil {
		return Record{}, err
	}
	e.Counterparty = responder
	e.CausationID = listingEventID
	if _, err := m.events.Append(initiator, e); err != nil {
		return Record{}, fmt.Errorf("initiate: %w", err)
	}

	rec.Offers = []Offer{{From: initiator, Quantity: qty, Price: price, EventID: e.ID, At: now}}
	if err := m.records.Put(rec); err != nil {
		return Record{}, fmt.Errorf("initiate: %w", err)
	}

	slog.Info("negotiation opened",
		"negotiation", rec.ID, "initiator", initiator, "responder", responder,
		"resource", resource, "quantity", qty, "price", price.String())
	return rec, nil
}

// turn loads the record and enforces who may act on it.
func (m *Manager) turn(negID, actor string) (Record, error) {
	rec, err := m.records.Get(negID)
	if err != nil {
		return Record{}, err
	}
	if !rec.Participant(actor) {
		return Record{}, fmt.Errorf("%w: %s on %s", ErrNotParticipant, actor, negID)
	}
	if rec.Status.Terminal() {
		return Record{}, fmt.Errorf("%w: %s is %s", ErrTerminal, negID, rec.Status)
	}
	if rec.LastOfferBy == actor {
		return Record{}, fmt.Errorf("%w: %s made the last offer on %s", ErrNotYourTurn, actor, negID)
	}
	return rec, nil
}

// Counter puts a new offer on the table and hands the turn over.
func (m *Manager) Counter(negID, actor string, qty float64, price decimal.Decimal) (Record, error) {
	rec, err := m.turn(negID, actor)
	if err != nil {
		return Record{}, err
	}
	if err := validOffer(rec.Resource, qty, price); err != nil {
		return Record{}, err
	}

	e, err := ledger.New(ledger.KindCounterNegotiation, actor, &ledger.NegotiationPayload{
		NegotiationID: rec.ID,
		Resource:      rec.Resource,
		Quantity:      qty,
		Price:         price,
		Role:          rec.RoleOf(actor),
	})
	if err != nil {
		return Record{}, err
	}
	e.Counterparty = rec.Other(actor)
	e.CausationID = rec.CurrentOffer().EventID
	if _, err := m.events.Append(actor, e); err != nil {
		return Record{}, fmt.Errorf("counter: %w", err)
	}

	now := time.Now().UTC()
	rec.Offers = append(rec.Offers, Offer{From: actor, Quantity: qty, Price: price, EventID: e.ID, At: now})
	rec.Status = StatusCountered
	rec.LastOfferBy = actor
	rec.UpdatedAt = now
	if err := m.records.Put(rec); err != nil {
		return Record{}, fmt.Errorf("counter: %w", err)
	}
	return rec, nil
}

// Accept closes the negotiation at the offer on the table and settles it:
// the accepted terms become a transaction in the acceptor's ledger, and
// the counterparty's mirror arrives with the next reflection sweep.
func (m *Manager) Accept(negID, actor string) (Record, error) {
	rec, err := m.turn(negID, actor)
	if err != nil {
		return Record{}, err
	}

	terms := rec.CurrentOffer()
	total := terms.Price.Mul(decimal.NewFromFloat(terms.Quantity)).Round(2)

	seller, buyer := rec.InitiatorID, rec.ResponderID
	if rec.InitiatorRole == ledger.RoleBuyer {
		seller, buyer = buyer, seller
	}

	sellerAcct, err := m.mat.Account(seller)
	if err != nil {
		return Record{}, fmt.Errorf("accept: %w", err)
	}
	if sellerAcct.Inventory[rec.Resource] < terms.Quantity {
		return Record{}, fmt.Errorf("%w: %s has %.4f %s, needs %.4f",
			ErrInsufficientInventory, seller, sellerAcct.Inventory[rec.Resource], rec.Resource, terms.Quantity)
	}
	buyerAcct, err := m.mat.Account(buyer)
	if err != nil {
		return Record{}, fmt.Errorf("accept: %w", err)
	}
	if buyerAcct.Funds.LessThan(total) {
		return Record{}, fmt.Errorf("%w: %s has %s, needs %s",
			ErrInsufficientFunds, buyer, buyerAcct.Funds, total)
	}

	accept, err := ledger.New(ledger.KindAcceptNegotiation, actor, &ledger.NegotiationPayload{
		NegotiationID: rec.ID,
		Resource:      rec.Resource,
		Quantity:      terms.Quantity,
		Price:         terms.Price,
		Role:          rec.RoleOf(actor),
	})
	if err != nil {
		return Record{}, err
	}
	accept.Counterparty = rec.Other(actor)
	accept.CausationID = terms.EventID
	// The close event's id is derived from the negotiation, so the
	// duplicate check in the store is the real guard: of two racing
	// closes only one lands, and the loser never reaches settlement.
	accept.ID = closeEventID(rec.ID)
	if _, err := m.events.Append(actor, accept); err != nil {
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			return Record{}, fmt.Errorf("accept %s: %w", negID, ErrTerminal)
		}
		return Record{}, fmt.Errorf("accept: %w", err)
	}

	tx, err := ledger.New(ledger.KindTransaction, actor, &ledger.TransactionPayload{
		TransactionID: settlementEventID(rec.ID),
		NegotiationID: rec.ID,
		Resource:      rec.Resource,
		Quantity:      terms.Quantity,
		UnitPrice:     terms.Price,
		Total:         total,
		Role:          rec.RoleOf(actor),
	})
	if err != nil {
		return Record{}, err
	}
	tx.Counterparty = rec.Other(actor)
	tx.CausationID = accept.ID
	tx.ID = settlementEventID(rec.ID)
	if _, err := m.events.Append(actor, tx); err != nil && !errors.Is(err, ledger.ErrDuplicateEvent) {
		return Record{}, fmt.Errorf("accept: settle: %w", err)
	}

	rec.Status = StatusAccepted
	rec.UpdatedAt = time.Now().UTC()
	if err := m.records.Put(rec); err != nil {
		return Record{}, fmt.Errorf("accept: %w", err)
	}

	if m.feed != nil && rec.ListingEventID != "" {
		if err := m.feed.MarkFulfilled(rec.ListingEventID); err != nil {
			slog.Warn("listing not marked fulfilled", "listing", rec.ListingEventID, "error", err)
		}
	}

	slog.Info("negotiation settled",
		"negotiation", rec.ID, "buyer", buyer, "seller", seller,
		"resource", rec.Resource, "quantity", terms.Quantity, "total", total.String())
	return rec, nil
}

// Reject closes the negotiation with no trade.
func (m *Manager) Reject(negID, actor string) (Record, error) {
	rec, err := m.turn(negID, actor)
	if err != nil {
		return Record{}, err
	}

	terms := rec.CurrentOffer()
	e, err := ledger.New(ledger.KindRejectNegotiation, actor, &ledger.NegotiationPayload{
		NegotiationID: rec.ID,
		Resource:      rec.Resource,
		Quantity:      terms.Quantity,
		Price:         terms.Price,
		Role:          rec.RoleOf(actor),
	})
	if err != nil {
		return Record{}, err
	}
	e.Counterparty = rec.Other(actor)
	e.CausationID = terms.EventID
	e.ID = closeEventID(rec.ID)
	if _, err := m.events.Append(actor, e); err != nil {
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			return Record{}, fmt.Errorf("reject %s: %w", negID, ErrTerminal)
		}
		return Record{}, fmt.Errorf("reject: %w", err)
	}

	rec.Status = StatusRejected
	rec.UpdatedAt = time.Now().UTC()
	if err := m.records.Put(rec); err != nil {
		return Record{}, fmt.Errorf("reject: %w", err)
	}
	return rec, nil
}

// Get returns one negotiation.
func (m *Manager) Get(negID string) (Record, error) {
	return m.records.Get(negID)
}

// ForAgent returns every negotiation agentID participates in.
func (m *Manager) ForAgent(agentID string) ([]Record, error) {
	return m.records.ForAgent(agentID)
}
