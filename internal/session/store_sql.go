package session

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLStore keeps the session record in the single session_state row. The
// version guard in the UPDATE's WHERE clause is the compare-and-swap, so
// it holds across processes.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps the shared handle and seeds the row when missing.
func NewSQLStore(db *sqlx.DB, window time.Duration) (*SQLStore, error) {
	s := &SQLStore{db: db}
	st := DefaultState(window, time.Now().UTC())
	_, err := db.Exec(
		`INSERT OR IGNORE INTO session_state (id, session, phase, trading_seconds, auto_advance, phase_started_at, version)
		 VALUES (1, ?, ?, ?, ?, ?, ?)`,
		st.Session, string(st.Phase), int(st.TradingWindow.Seconds()),
		boolInt(st.AutoAdvance), st.PhaseStartedAt.Format(time.RFC3339Nano), st.Version)
	if err != nil {
		return nil, fmt.Errorf("seed session state: %w", err)
	}
	return s, nil
}

type stateRow struct {
	Session        int    `db:"session"`
	Phase          string `db:"phase"`
	TradingSeconds int    `db:"trading_seconds"`
	AutoAdvance    int    `db:"auto_advance"`
	PhaseStartedAt string `db:"phase_started_at"`
	Version        uint64 `db:"version"`
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLStore) Load() (State, error) {
	var row stateRow
	err := s.db.Get(&row,
		`SELECT session, phase, trading_seconds, auto_advance, phase_started_at, version FROM session_state WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, fmt.Errorf("load session: state row missing")
	}
	if err != nil {
		return State{}, fmt.Errorf("load session: %w", err)
	}

	at, err := time.Parse(time.RFC3339Nano, row.PhaseStartedAt)
	if err != nil {
		return State{}, fmt.Errorf("load session: bad timestamp: %w", err)
	}
	return State{
		Session:        row.Session,
		Phase:          Phase(row.Phase),
		TradingWindow:  time.Duration(row.TradingSeconds) * time.Second,
		AutoAdvance:    row.AutoAdvance != 0,
		PhaseStartedAt: at,
		Version:        row.Version,
	}, nil
}

func (s *SQLStore) Swap(expected uint64, next State) (State, error) {
	next.Version = expected + 1
	res, err := s.db.Exec(
		`UPDATE session_state
		 SET session = ?, phase = ?, trading_seconds = ?, auto_advance = ?, phase_started_at = ?, version = ?
		 WHERE id = 1 AND version = ?`,
		next.Session, string(next.Phase), int(next.TradingWindow.Seconds()),
		boolInt(next.AutoAdvance), next.PhaseStartedAt.UTC().Format(time.RFC3339Nano),
		next.Version, expected)
	if err != nil {
		return State{}, fmt.Errorf("swap session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return State{}, fmt.Errorf("swap session: %w", err)
	}
	if n == 0 {
		return State{}, fmt.Errorf("%w: expected %d", ErrConflict, expected)
	}
	return next, nil
}
