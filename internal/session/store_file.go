package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps the session record in one JSON file, committed by temp
// write and rename. The in-process mutex makes Swap atomic; like the file
// ledger backend it assumes a single writer process.
type FileStore struct {
	path string

	mu sync.Mutex
}

// OpenFileStore loads or creates dir/session.json, seeding it with the
// default state when absent.
func OpenFileStore(dir string, window time.Duration) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	s := &FileStore{path: filepath.Join(dir, "session.json")}

	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		if err := s.write(DefaultState(window, time.Now().UTC())); err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
	}
	return s, nil
}

func (s *FileStore) read() (State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return State{}, fmt.Errorf("read session: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("read session: %w", err)
	}
	return st, nil
}

func (s *FileStore) write(st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
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
	return os.Rename(tmpName, s.path)
}

func (s *FileStore) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *FileStore) Swap(expected uint64, next State) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.read()
	if err != nil {
		return State{}, err
	}
	if cur.Version != expected {
		return State{}, fmt.Errorf("%w: have %d, expected %d", ErrConflict, cur.Version, expected)
	}
	next.Version = expected + 1
	if err := s.write(next); err != nil {
		return State{}, fmt.Errorf("swap session: %w", err)
	}
	return next, nil
}
