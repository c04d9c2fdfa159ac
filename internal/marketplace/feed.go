// Package marketplace is the read-optimized discovery feed: open listings,
// recent trades, the market snapshot and the leaderboard. The feed is a
// mirror fed by reflection sweeps; ledgers stay authoritative and the feed
// can always be rebuilt by re-sweeping.
package marketplace

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/talgya/cndq/internal/economy"
	"github.com/talgya/cndq/internal/ledger"
)

// Side is which way a listing trades.
type Side string

const (
	SideAsk Side = "ask" // posted ad, agent sells
	SideBid Side = "bid" // buy order, agent buys
)

// Listing statuses.
const (
	StatusOpen      = "open"
	StatusFulfilled = "fulfilled"
)

// Listing is one open ad or buy order, keyed by its source event id.
type Listing struct {
	EventID  string           `json:"eventId"`
	AgentID  string           `json:"agentId"`
	Side     Side             `json:"side"`
	Resource economy.Resource `json:"resource"`
	Quantity float64          `json:"quantity"`
	Price    decimal.Decimal  `json:"price"`
	Note     string           `json:"note,omitempty"`
	Status   string           `json:"status"`
	PostedAt time.Time        `json:"postedAt"`
}

// Trade is one completed settlement, keyed by transaction id.
type Trade struct {
	TransactionID string           `json:"transactionId"`
	BuyerID       string           `json:"buyerId"`
	SellerID      string           `json:"sellerId"`
	Resource      economy.Resource `json:"resource"`
	Quantity      float64          `json:"quantity"`
	UnitPrice     decimal.Decimal  `json:"unitPrice"`
	Total         decimal.Decimal  `json:"total"`
	TradedAt      time.Time        `json:"tradedAt"`
}

// Feed stores the public market surface. Record methods are
// insert-or-ignore on their key, so sweep retries are idempotent.
type Feed interface {
	RecordListing(e ledger.Event, p *ledger.ListingPayload) error
	RecordTrade(e ledger.Event, p *ledger.TransactionPayload) error
	MarkFulfilled(eventID string) error
	OpenListings() ([]Listing, error)
	RecentTrades(limit int) ([]Trade, error)
}

func listingFromEvent(e ledger.Event, p *ledger.ListingPayload) Listing {
	side := SideAsk
	if e.Kind == ledger.KindPostBuyOrder {
		side = SideBid
	}
	return Listing{
		EventID:  e.ID,
		AgentID:  e.OriginAgent,
		Side:     side,
		Resource: p.Resource,
		Quantity: p.Quantity,
		Price:    p.Price,
		Note:     p.Note,
		Status:   StatusOpen,
		PostedAt: e.Timestamp,
	}
}

func tradeFromEvent(e ledger.Event, p *ledger.TransactionPayload) Trade {
	buyer, seller := e.OriginAgent, e.Counterparty
	if p.Role == ledger.RoleSeller {
		buyer, seller = e.Counterparty, e.OriginAgent
	}
	return Trade{
		TransactionID: p.TransactionID,
		BuyerID:       buyer,
		SellerID:      seller,
		Resource:      p.Resource,
		Quantity:      p.Quantity,
		UnitPrice:     p.UnitPrice,
		Total:         p.Total,
		TradedAt:      e.Timestamp,
	}
}

// ResourceBook groups one chemical's open interest: asks cheapest first,
// bids highest first.
type ResourceBook struct {
	Asks []Listing `json:"asks"`
	Bids []Listing `json:"bids"`
}

// Snapshot is the market screen in one read.
type Snapshot struct {
	Books   map[economy.Resource]ResourceBook `json:"books"`
	Trades  []Trade                           `json:"trades"`
	TakenAt time.Time                         `json:"takenAt"`
}

// BuildSnapshot assembles the grouped market view from the feed.
func BuildSnapshot(feed Feed, tradeLimit int) (Snapshot, error) {
	listings, err := feed.OpenListings()
	if err != nil {
		return Snapshot{}, err
	}
	trades, err := feed.RecentTrades(tradeLimit)
	if err != nil {
		return Snapshot{}, err
	}

	books := make(map[economy.Resource]ResourceBook, len(economy.Resources))
	for _, r := range economy.Resources {
		books[r] = ResourceBook{}
	}
	for _, l := range listings {
		book := books[l.Resource]
		if l.Side == SideAsk {
			book.Asks = append(book.Asks, l)
		} else {
			book.Bids = append(book.Bids, l)
		}
		books[l.Resource] = book
	}
	for r, book := range books {
		sort.Slice(book.Asks, func(i, j int) bool { return book.Asks[i].Price.LessThan(book.Asks[j].Price) })
		sort.Slice(book.Bids, func(i, j int) bool { return book.Bids[i].Price.GreaterThan(book.Bids[j].Price) })
		books[r] = book
	}

	return Snapshot{Books: books, Trades: trades, TakenAt: time.Now().UTC()}, nil
}
