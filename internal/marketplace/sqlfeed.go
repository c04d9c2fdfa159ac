package marketplace

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/talgya/cndq/internal/economy"
	"github.com/talgya/cndq/internal/ledger"
)

// SQLFeed keeps the feed in the shared database. Primary keys on
// feed_listings and feed_trades make duplicate mirroring a no-op.
type SQLFeed struct {
	db *sqlx.DB
}

func NewSQLFeed(db *sqlx.DB) *SQLFeed {
	return &SQLFeed{db: db}
}

type listingRow struct {
	EventID  string  `db:"event_id"`
	AgentID  string  `db:"agent_id"`
	Side     string  `db:"side"`
	Resource string  `db:"resource"`
	Quantity float64 `db:"quantity"`
	Price    string  `db:"price"`
	Note     string  `db:"note"`
	Status   string  `db:"status"`
	PostedAt string  `db:"posted_at"`
}

type tradeRow struct {
	TransactionID string  `db:"transaction_id"`
	BuyerID       string  `db:"buyer_id"`
	SellerID      string  `db:"seller_id"`
	Resource      string  `db:"resource"`
	Quantity      float64 `db:"quantity"`
	UnitPrice     string  `db:"unit_price"`
	Total         string  `db:"total"`
	TradedAt      string  `db:"traded_at"`
}

func (f *SQLFeed) RecordListing(e ledger.Event, p *ledger.ListingPayload) error {
	l := listingFromEvent(e, p)
	_, err := f.db.Exec(
		`INSERT OR IGNORE INTO feed_listings (event_id, agent_id, side, resource, quantity, price, note, status, posted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.EventID, l.AgentID, string(l.Side), string(l.Resource), l.Quantity,
		l.Price.String(), l.Note, l.Status, l.PostedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record listing %s: %w", l.EventID, err)
	}
	return nil
}

func (f *SQLFeed) RecordTrade(e ledger.Event, p *ledger.TransactionPayload) error {
	t := tradeFromEvent(e, p)
	_, err := f.db.Exec(
		`INSERT OR IGNORE INTO feed_trades (transaction_id, buyer_id, seller_id, resource, quantity, unit_price, total, traded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TransactionID, t.BuyerID, t.SellerID, string(t.Resource), t.Quantity,
		t.UnitPrice.String(), t.Total.String(), t.TradedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record trade %s: %w", t.TransactionID, err)
	}
	return nil
}

func (f *SQLFeed) MarkFulfilled(eventID string) error {
	_, err := f.db.Exec(`UPDATE feed_listings SET status = ? WHERE event_id = ?`, StatusFulfilled, eventID)
	if err != nil {
		return fmt.Errorf("mark fulfilled %s: %w", eventID, err)
	}
	return nil
}

func (f *SQLFeed) OpenListings() ([]Listing, error) {
	var rows []listingRow
	err := f.db.Select(&rows,
		`SELECT event_id, agent_id, side, resource, quantity, price, note, status, posted_at
		 FROM feed_listings WHERE status = ? ORDER BY posted_at`, StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("open listings: %w", err)
	}
	out := make([]Listing, 0, len(rows))
	for _, r := range rows {
		l, err := r.listing()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *SQLFeed) RecentTrades(limit int) ([]Trade, error) {
	var rows []tradeRow
	err := f.db.Select(&rows,
		`SELECT transaction_id, buyer_id, seller_id, resource, quantity, unit_price, total, traded_at
		 FROM feed_trades ORDER BY traded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	out := make([]Trade, 0, len(rows))
	for _, r := range rows {
		t, err := r.trade()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r listingRow) listing() (Listing, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return Listing{}, fmt.Errorf("listing %s: bad price: %w", r.EventID, err)
	}
	at, err := time.Parse(time.RFC3339Nano, r.PostedAt)
	if err != nil {
		return Listing{}, fmt.Errorf("listing %s: bad timestamp: %w", r.EventID, err)
	}
	return Listing{
		EventID:  r.EventID,
		AgentID:  r.AgentID,
		Side:     Side(r.Side),
		Resource: economy.Resource(r.Resource),
		Quantity: r.Quantity,
		Price:    price,
		Note:     r.Note,
		Status:   r.Status,
		PostedAt: at,
	}, nil
}

func (r tradeRow) trade() (Trade, error) {
	unit, err := decimal.NewFromString(r.UnitPrice)
	if err != nil {
		return Trade{}, fmt.Errorf("trade %s: bad unit price: %w", r.TransactionID, err)
	}
	total, err := decimal.NewFromString(r.Total)
	if err != nil {
		return Trade{}, fmt.Errorf("trade %s: bad total: %w", r.TransactionID, err)
	}
	at, err := time.Parse(time.RFC3339Nano, r.TradedAt)
	if err != nil {
		return Trade{}, fmt.Errorf("trade %s: bad timestamp: %w", r.TransactionID, err)
	}
	return Trade{
		TransactionID: r.TransactionID,
		BuyerID:       r.BuyerID,
		SellerID:      r.SellerID,
		Resource:      economy.Resource(r.Resource),
		Quantity:      r.Quantity,
		UnitPrice:     unit,
		Total:         total,
		TradedAt:      at,
	}, nil
}
