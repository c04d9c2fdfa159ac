// Package negotiation implements the turn-based bilateral haggling state
// machine and its settlement into the ledgers.
package negotiation

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/talgya/cndq/internal/economy"
	"github.com/talgya/cndq/internal/ledger"
)

// Status of a negotiation. Accepted and Rejected are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCountered Status = "countered"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether no further turns are allowed.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

var (
	ErrNotFound       = errors.New("negotiation not found")
	ErrNotParticipant = errors.New("not a participant")
	ErrNotYourTurn    = errors.New("not your turn")
	ErrTerminal       = errors.New("negotiation already closed")
	ErrBadOffer       = errors.New("invalid offer")
	// Settlement guards.
	ErrInsufficientFunds     = errors.New("buyer cannot cover the total")
	ErrInsufficientInventory = errors.New("seller cannot cover the quantity")
)

// Offer is one turn of the haggle. EventID ties it to the ledger event
// that recorded it.
type Offer struct {
	From     string          `json:"from"`
	Quantity float64         `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	EventID  string          `json:"eventId"`
	At       time.Time       `json:"at"`
}

// Record is the full state of one negotiation. InitiatorRole is the
// initiator's side of the eventual trade; the responder holds the
// inverse.
type Record struct {
	ID            string           `json:"id"`
	InitiatorID   string           `json:"initiatorId"`
	ResponderID   string           `json:"responderId"`
	Resource      economy.Resource `json:"resource"`
	InitiatorRole ledger.Role      `json:"initiatorRole"`
	Status        Status           `json:"status"`
	// LastOfferBy may not act next; the other party holds the turn.
	LastOfferBy string `json:"lastOfferBy"`
	// ListingEventID is the ad or buy order this negotiation answers,
	// when there is one.
	ListingEventID string    `json:"listingEventId,omitempty"`
	Offers         []Offer   `json:"offers"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Participant reports whether agentID is one of the two parties.
func (r Record) Participant(agentID string) bool {
	return agentID == r.InitiatorID || agentID == r.ResponderID
}

// Other returns the counterparty of agentID.
func (r Record) Other(agentID string) string {
	if agentID == r.InitiatorID {
		return r.ResponderID
	}
	return r.InitiatorID
}

// RoleOf returns agentID's side of the trade.
func (r Record) RoleOf(agentID string) ledger.Role {
	if agentID == r.InitiatorID {
		return r.InitiatorRole
	}
	return r.InitiatorRole.Inverse()
}

// CurrentOffer is the offer on the table, the last one made.
func (r Record) CurrentOffer() Offer {
	if len(r.Offers) == 0 {
		return Offer{}
	}
	return r.Offers[len(r.Offers)-1]
}

// Store persists negotiation records. Put refuses to overwrite a record
// that is already terminal and returns ErrTerminal, so a settled
// negotiation cannot be reopened by a late writer.
type Store interface {
	Put(r Record) error
	Get(id string) (Record, error)
	ForAgent(agentID string) ([]Record, error)
}
