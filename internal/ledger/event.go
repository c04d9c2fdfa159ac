// Package ledger implements per-agent append-only event ledgers. Every
// state change in the simulation is an event with a stable id; agent
// state is never stored directly, it is folded from the stream.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/talgya/cndq/internal/economy"
)

// Kind identifies what an event records. The set is closed: stores
// reject events with a kind they do not know how to decode.
type Kind string

const (
	KindInit                Kind = "init"
	KindProduction          Kind = "production"
	KindPostAd              Kind = "post_ad"
	KindPostBuyOrder        Kind = "post_buy_order"
	KindInitiateNegotiation Kind = "initiate_negotiation"
	KindCounterNegotiation  Kind = "counter_negotiation"
	KindAcceptNegotiation   Kind = "accept_negotiation"
	KindRejectNegotiation   Kind = "reject_negotiation"
	KindTransaction         Kind = "transaction"
)

var kinds = map[Kind]struct{}{
	KindInit: {}, KindProduction: {}, KindPostAd: {}, KindPostBuyOrder: {},
	KindInitiateNegotiation: {}, KindCounterNegotiation: {},
	KindAcceptNegotiation: {}, KindRejectNegotiation: {}, KindTransaction: {},
}

// ValidKind reports whether k is a known event kind.
func ValidKind(k Kind) bool {
	_, ok := kinds[k]
	return ok
}

// Role is which side of a trade the ledger owner stood on.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Inverse returns the counterparty's role.
func (r Role) Inverse() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

// Event is one immutable ledger record. ID is assigned once at origin and
// survives reflection; Seq is local to the agent's ledger and allocated by
// the store at append time.
type Event struct {
	ID          string `json:"id"`
	Seq         uint64 `json:"seq"`
	Kind        Kind   `json:"kind"`
	OriginAgent string `json:"originAgent"`
	// Counterparty is set on events that concern a second agent and is
	// what the reflection sweep keys on.
	Counterparty string `json:"counterparty,omitempty"`
	// CausationID points at the event that triggered this one, e.g. a
	// counter offer points at the offer it answers.
	CausationID string `json:"causationId,omitempty"`
	// ReflectedFrom carries the source event's ID when this event is a
	// reflected copy in a counterparty ledger. Empty on origin events.
	ReflectedFrom string          `json:"reflectedFrom,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// InitPayload seeds a fresh ledger: display name, starting funds and the
// randomly drawn chemical inventory.
type InitPayload struct {
	Name      string            `json:"name"`
	Funds     decimal.Decimal   `json:"funds"`
	Inventory economy.Inventory `json:"inventory"`
}

// ProductionPayload records one production run in a session. Initial
// marks the automatic run that seeds a fresh ledger; its revenue becomes
// the agent's starting-funds baseline rather than counted as gain.
type ProductionPayload struct {
	Session  int               `json:"session"`
	Initial  bool              `json:"initial,omitempty"`
	Deicer   float64           `json:"deicer"`
	Solvent  float64           `json:"solvent"`
	Consumed economy.Inventory `json:"consumed"`
	Revenue  decimal.Decimal   `json:"revenue"`
}

// ListingPayload is shared by post_ad (sell) and post_buy_order (buy).
// Price is per gallon; Note is free text shown alongside the listing.
type ListingPayload struct {
	Resource economy.Resource `json:"resource"`
	Quantity float64          `json:"quantity"`
	Price    decimal.Decimal  `json:"price"`
	Note     string           `json:"note,omitempty"`
}

// NegotiationPayload is shared by the four negotiation event kinds. For
// initiate and counter events Quantity and Price carry the offer on the
// table; accept and reject events repeat the final terms.
type NegotiationPayload struct {
	NegotiationID string           `json:"negotiationId"`
	Resource      economy.Resource `json:"resource"`
	Quantity      float64          `json:"quantity"`
	Price         decimal.Decimal  `json:"price"`
	Role          Role             `json:"role"`
}

// TransactionPayload is a settled trade from the ledger owner's point of
// view. Reflected copies carry the inverse Role.
type TransactionPayload struct {
	TransactionID string           `json:"transactionId"`
	NegotiationID string           `json:"negotiationId,omitempty"`
	Resource      economy.Resource `json:"resource"`
	Quantity      float64          `json:"quantity"`
	UnitPrice     decimal.Decimal  `json:"unitPrice"`
	Total         decimal.Decimal  `json:"total"`
	Role          Role             `json:"role"`
}

// New builds an origin event with a fresh id and the payload marshaled in.
func New(kind Kind, origin string, payload any) (Event, error) {
	if !ValidKind(kind) {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Event{
		ID:          uuid.NewString(),
		Kind:        kind,
		OriginAgent: origin,
		Timestamp:   time.Now().UTC(),
		Payload:     raw,
	}, nil
}

// DecodePayload unmarshals the payload into the struct matching the
// event's kind.
func (e Event) DecodePayload() (any, error) {
	var dst any
	switch e.Kind {
	case KindInit:
		dst = &InitPayload{}
	case KindProduction:
		dst = &ProductionPayload{}
	case KindPostAd, KindPostBuyOrder:
		dst = &ListingPayload{}
	case KindInitiateNegotiation, KindCounterNegotiation, KindAcceptNegotiation, KindRejectNegotiation:
		dst = &NegotiationPayload{}
	case KindTransaction:
		dst = &TransactionPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return dst, nil
}

// Validate checks the structural fields a store must be able to rely on.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrBadEvent)
	}
	if e.OriginAgent == "" {
		return fmt.Errorf("%w: missing origin agent", ErrBadEvent)
	}
	if !ValidKind(e.Kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if _, err := e.DecodePayload(); err != nil {
		return err
	}
	return nil
}
