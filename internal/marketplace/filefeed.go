package marketplace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/talgya/cndq/internal/ledger"
)

// FileFeed keeps the feed in one JSON document, committed by temp write
// and rename. It pairs with the file ledger backend and shares its
// single-writer assumption.
type FileFeed struct {
	path string

	mu       sync.Mutex
	listings map[string]Listing
	trades   map[string]Trade
}

type feedDoc struct {
	Listings map[string]Listing `json:"listings"`
	Trades   map[string]Trade   `json:"trades"`
}

// OpenFileFeed loads or creates the feed document at dir/feed.json.
func OpenFileFeed(dir string) (*FileFeed, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open file feed: %w", err)
	}
	f := &FileFeed{
		path:     filepath.Join(dir, "feed.json"),
		listings: make(map[string]Listing),
		trades:   make(map[string]Trade),
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("open file feed: %w", err)
	}
	var doc feedDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("open file feed: %w", err)
	}
	if doc.Listings != nil {
		f.listings = doc.Listings
	}
	if doc.Trades != nil {
		f.trades = doc.Trades
	}
	return f, nil
}

func (f *FileFeed) flushLocked() error {
	doc := feedDoc{Listings: f.listings, Trades: f.trades}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), "tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, f.path)
}

func (f *FileFeed) RecordListing(e ledger.Event, p *ledger.ListingPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.listings[e.ID]; ok {
		return nil
	}
	f.listings[e.ID] = listingFromEvent(e, p)
	return f.flushLocked()
}

func (f *FileFeed) RecordTrade(e ledger.Event, p *ledger.TransactionPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.trades[p.TransactionID]; ok {
		return nil
	}
	f.trades[p.TransactionID] = tradeFromEvent(e, p)
	return f.flushLocked()
}

func (f *FileFeed) MarkFulfilled(eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.listings[eventID]
	if !ok || l.Status == StatusFulfilled {
		return nil
	}
	l.Status = StatusFulfilled
	f.listings[eventID] = l
	return f.flushLocked()
}

func (f *FileFeed) OpenListings() ([]Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Listing
	for _, l := range f.listings {
		if l.Status == StatusOpen {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PostedAt.Equal(out[j].PostedAt) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].PostedAt.Before(out[j].PostedAt)
	})
	return out, nil
}

func (f *FileFeed) RecentTrades(limit int) ([]Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Trade, 0, len(f.trades))
	for _, t := range f.trades {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TradedAt.Equal(out[j].TradedAt) {
			return out[i].TransactionID < out[j].TransactionID
		}
		return out[i].TradedAt.After(out[j].TradedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
