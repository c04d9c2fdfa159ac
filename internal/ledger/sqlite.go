package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLStore is the relational ledger backend. Sequence allocation happens
// inside a transaction and the (agent_id, event_id) and
// (agent_id, reflected_from) unique constraints make duplicate delivery
// structurally impossible, so it is safe to share one database between
// processes.
type SQLStore struct {
	db *sqlx.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSQLStore wraps an already-migrated database handle.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, locks: make(map[string]*sync.Mutex)}
}

type eventRow struct {
	AgentID       string         `db:"agent_id"`
	Seq           uint64         `db:"seq"`
	EventID       string         `db:"event_id"`
	Kind          string         `db:"kind"`
	OriginAgent   string         `db:"origin_agent"`
	Counterparty  sql.NullString `db:"counterparty"`
	CausationID   sql.NullString `db:"causation_id"`
	ReflectedFrom sql.NullString `db:"reflected_from"`
	Timestamp     string         `db:"ts"`
	Payload       string         `db:"payload"`
}

func (r eventRow) event() (Event, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return Event{}, fmt.Errorf("event %s: bad timestamp: %w", r.EventID, err)
	}
	return Event{
		ID:            r.EventID,
		Seq:           r.Seq,
		Kind:          Kind(r.Kind),
		OriginAgent:   r.OriginAgent,
		Counterparty:  r.Counterparty.String,
		CausationID:   r.CausationID.String,
		ReflectedFrom: r.ReflectedFrom.String,
		Timestamp:     ts,
		Payload:       json.RawMessage(r.Payload),
	}, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// lock returns the in-process append mutex for one agent.
func (s *SQLStore) lock(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[agentID] = l
	}
	return l
}

// Append commits one event in a transaction, allocating the next
// sequence number for the agent.
func (s *SQLStore) Append(agentID string, e Event) (uint64, error) {
	if agentID == "" {
		return 0, fmt.Errorf("%w: empty agent id", ErrBadEvent)
	}
	if err := e.Validate(); err != nil {
		return 0, err
	}

	l := s.lock(agentID)
	l.Lock()
	defer l.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return 0, wrapSQLErr("append", agentID, err)
	}
	defer tx.Rollback()

	var dup bool
	err = tx.Get(&dup,
		`SELECT EXISTS(SELECT 1 FROM events WHERE agent_id = ? AND (event_id = ? OR reflected_from = ?))`,
		agentID, e.ID, e.ID)
	if err != nil {
		return 0, wrapSQLErr("append", agentID, err)
	}
	if dup {
		return 0, fmt.Errorf("append %s: %w: %s", agentID, ErrDuplicateEvent, e.ID)
	}

	var last uint64
	if err := tx.Get(&last, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE agent_id = ?`, agentID); err != nil {
		return 0, wrapSQLErr("append", agentID, err)
	}
	seq := last + 1

	_, err = tx.Exec(
		`INSERT INTO events (agent_id, seq, event_id, kind, origin_agent, counterparty, causation_id, reflected_from, ts, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agentID, seq, e.ID, string(e.Kind), e.OriginAgent,
		nullable(e.Counterparty), nullable(e.CausationID), nullable(e.ReflectedFrom),
		e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Payload))
	if err != nil {
		return 0, wrapSQLErr("append", agentID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapSQLErr("append", agentID, err)
	}
	return seq, nil
}

// Read returns events with seq > sinceSeq in ledger order.
func (s *SQLStore) Read(agentID string, sinceSeq uint64) ([]Event, error) {
	var rows []eventRow
	err := s.db.Select(&rows,
		`SELECT agent_id, seq, event_id, kind, origin_agent, counterparty, causation_id, reflected_from, ts, payload
		 FROM events WHERE agent_id = ? AND seq > ? ORDER BY seq`,
		agentID, sinceSeq)
	if err != nil {
		return nil, wrapSQLErr("read", agentID, err)
	}
	if len(rows) == 0 {
		var exists bool
		if err := s.db.Get(&exists, `SELECT EXISTS(SELECT 1 FROM events WHERE agent_id = ?)`, agentID); err != nil {
			return nil, wrapSQLErr("read", agentID, err)
		}
		if !exists {
			return nil, fmt.Errorf("read %s: %w", agentID, ErrUnknownAgent)
		}
		return nil, nil
	}

	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		e, err := r.event()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", agentID, err)
		}
		events = append(events, e)
	}
	return events, nil
}

// Agents lists every agent with at least one committed event.
func (s *SQLStore) Agents() ([]string, error) {
	var ids []string
	if err := s.db.Select(&ids, `SELECT DISTINCT agent_id FROM events ORDER BY agent_id`); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return ids, nil
}

// HasEventID reports whether eventID landed in agentID's ledger, as an
// origin event or a reflected copy.
func (s *SQLStore) HasEventID(agentID, eventID string) (bool, error) {
	var exists bool
	err := s.db.Get(&exists,
		`SELECT EXISTS(SELECT 1 FROM events WHERE agent_id = ? AND (event_id = ? OR reflected_from = ?))`,
		agentID, eventID, eventID)
	if err != nil {
		return false, wrapSQLErr("probe", agentID, err)
	}
	return exists, nil
}

// wrapSQLErr maps driver-level contention onto ErrBusy so callers can
// retry without parsing driver strings.
func wrapSQLErr(op, agentID string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "UNIQUE constraint failed") {
		return fmt.Errorf("%s %s: %w: %v", op, agentID, ErrBusy, err)
	}
	return fmt.Errorf("%s %s: %w", op, agentID, err)
}
