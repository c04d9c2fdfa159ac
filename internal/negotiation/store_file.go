package negotiation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore keeps one JSON document per negotiation under
// <dir>/negotiations/<id>.json, committed by temp write and rename.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func OpenFileStore(root string) (*FileStore, error) {
	dir := filepath.Join(root, "negotiations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open negotiation store: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: bad id %q", ErrNotFound, id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

func (s *FileStore) Put(r Record) error {
	path, err := s.path(r.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Closed negotiations stay closed. The mutex makes the check and the
	// rename one atomic step for in-process writers.
	if prev, err := os.ReadFile(path); err == nil {
		var stored Record
		if err := json.Unmarshal(prev, &stored); err != nil {
			return fmt.Errorf("put %s: %w", r.ID, err)
		}
		if stored.Status.Terminal() {
			return fmt.Errorf("put %s: %w", r.ID, ErrTerminal)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("put %s: %w", r.ID, err)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("put %s: %w", r.ID, err)
	}
	tmp, err := os.CreateTemp(s.dir, "tmp-*")
	if err != nil {
		return fmt.Errorf("put %s: %w", r.ID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("put %s: %w", r.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("put %s: %w", r.ID, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("put %s: %w", r.ID, err)
	}
	return nil
}

func (s *FileStore) Get(id string) (Record, error) {
	path, err := s.path(id)
	if err != nil {
		return Record{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Record{}, fmt.Errorf("get %s: %w", id, err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("get %s: %w", id, err)
	}
	return r, nil
}

func (s *FileStore) ForAgent(agentID string) ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list negotiations: %w", err)
	}

	var out []Record
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, "tmp-") {
			continue
		}
		r, err := s.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		if r.Participant(agentID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
