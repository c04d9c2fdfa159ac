package negotiation

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/talgya/cndq/internal/economy"
	"github.com/talgya/cndq/internal/ledger"
)

// SQLStore keeps negotiation records in the shared database. The offer
// history rides along as a JSON column; every lookup the server does is
// by id or by participant, never inside the history.
type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

type negotiationRow struct {
	ID             string         `db:"id"`
	InitiatorID    string         `db:"initiator_id"`
	ResponderID    string         `db:"responder_id"`
	Resource       string         `db:"resource"`
	InitiatorRole  string         `db:"initiator_role"`
	Status         string         `db:"status"`
	LastOfferBy    string         `db:"last_offer_by"`
	ListingEventID sql.NullString `db:"listing_event_id"`
	Offers         string         `db:"offers"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
}

func (s *SQLStore) Put(r Record) error {
	offers, err := json.Marshal(r.Offers)
	if err != nil {
		return fmt.Errorf("put %s: %w", r.ID, err)
	}
	// The WHERE on the upsert keeps closed negotiations closed: updating
	// a terminal row affects nothing, and that surfaces as ErrTerminal.
	res, err := s.db.Exec(
		`INSERT INTO negotiations (id, initiator_id, responder_id, resource, initiator_role, status, last_offer_by, listing_event_id, offers, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			last_offer_by = excluded.last_offer_by,
			offers = excluded.offers,
			updated_at = excluded.updated_at
		 WHERE negotiations.status NOT IN ('accepted', 'rejected')`,
		r.ID, r.InitiatorID, r.ResponderID, string(r.Resource), string(r.InitiatorRole),
		string(r.Status), r.LastOfferBy,
		sql.NullString{String: r.ListingEventID, Valid: r.ListingEventID != ""},
		string(offers),
		r.CreatedAt.UTC().Format(time.RFC3339Nano), r.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put %s: %w", r.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("put %s: %w", r.ID, ErrTerminal)
	}
	return nil
}

func (s *SQLStore) Get(id string) (Record, error) {
	var row negotiationRow
	err := s.db.Get(&row,
		`SELECT id, initiator_id, responder_id, resource, initiator_role, status, last_offer_by, listing_event_id, offers, created_at, updated_at
		 FROM negotiations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s: %w", id, err)
	}
	return row.record()
}

func (s *SQLStore) ForAgent(agentID string) ([]Record, error) {
	var rows []negotiationRow
	err := s.db.Select(&rows,
		`SELECT id, initiator_id, responder_id, resource, initiator_role, status, last_offer_by, listing_event_id, offers, created_at, updated_at
		 FROM negotiations WHERE initiator_id = ? OR responder_id = ? ORDER BY created_at, id`,
		agentID, agentID)
	if err != nil {
		return nil, fmt.Errorf("list for %s: %w", agentID, err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		r, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (row negotiationRow) record() (Record, error) {
	var offers []Offer
	if err := json.Unmarshal([]byte(row.Offers), &offers); err != nil {
		return Record{}, fmt.Errorf("negotiation %s: bad offers: %w", row.ID, err)
	}
	created, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("negotiation %s: bad created_at: %w", row.ID, err)
	}
	updated, err := time.Parse(time.RFC3339Nano, row.UpdatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("negotiation %s: bad updated_at: %w", row.ID, err)
	}
	return Record{
		ID:             row.ID,
		InitiatorID:    row.InitiatorID,
		ResponderID:    row.ResponderID,
		Resource:       economy.Resource(row.Resource),
		InitiatorRole:  ledger.Role(row.InitiatorRole),
		Status:         Status(row.Status),
		LastOfferBy:    row.LastOfferBy,
		ListingEventID: row.ListingEventID.String,
		Offers:         offers,
		CreatedAt:      created,
		UpdatedAt:      updated,
	}, nil
}
