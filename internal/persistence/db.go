// Package persistence owns the SQLite database shared by the relational
// backends: the event ledger, negotiation records, the session state row
// and the discovery feed.
package persistence

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DB wraps the shared SQLite connection.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path and applies
// the schema. WAL keeps readers off the writers' lock; busy_timeout turns
// contention into waiting instead of immediate SQLITE_BUSY.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Conn exposes the underlying handle for the store implementations.
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		agent_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		origin_agent TEXT NOT NULL,
		counterparty TEXT,
		causation_id TEXT,
		reflected_from TEXT,
		ts TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (agent_id, seq),
		UNIQUE (agent_id, event_id)
	);

	CREATE TABLE IF NOT EXISTS negotiations (
		id TEXT PRIMARY KEY,
		initiator_id TEXT NOT NULL,
		responder_id TEXT NOT NULL,
		resource TEXT NOT NULL,
		initiator_role TEXT NOT NULL,
		status TEXT NOT NULL,
		last_offer_by TEXT NOT NULL,
		listing_event_id TEXT,
		offers TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		session INTEGER NOT NULL,
		phase TEXT NOT NULL,
		trading_seconds INTEGER NOT NULL,
		auto_advance INTEGER NOT NULL,
		phase_started_at TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS feed_listings (
		event_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		side TEXT NOT NULL,
		resource TEXT NOT NULL,
		quantity REAL NOT NULL,
		price TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		posted_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS feed_trades (
		transaction_id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		resource TEXT NOT NULL,
		quantity REAL NOT NULL,
		unit_price TEXT NOT NULL,
		total TEXT NOT NULL,
		traded_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_reflected
		ON events(agent_id, reflected_from) WHERE reflected_from IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_events_counterparty ON events(counterparty);
	CREATE INDEX IF NOT EXISTS idx_negotiations_parties
		ON negotiations(initiator_id, responder_id);
	CREATE INDEX IF NOT EXISTS idx_feed_listings_status ON feed_listings(status, resource);
	CREATE INDEX IF NOT EXISTS idx_feed_trades_time ON feed_trades(traded_at);
	`
	_, err := db.conn.Exec(schema)
	return err
}
