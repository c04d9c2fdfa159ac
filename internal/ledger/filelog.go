package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore keeps one durable JSON file per event under
// <root>/agents/<id>/events/<seq>-<kind>.json. Commits go through a temp
// file and a hard link, so a crash mid-append leaves the ledger unchanged
// and a sequence collision surfaces as a failed link instead of a
// clobbered event. The store assumes a single writer process; run the
// sqlite backend when several processes share a data directory.
//
// Every committed event is also mirrored to a compressed JSONL audit
// stream under <root>/audit/.
type FileStore struct {
	root  string
	audit *jsonlZstdWriter

	mu     sync.Mutex
	agents map[string]*agentLog
}

type agentLog struct {
	mu      sync.Mutex
	lastSeq uint64
	// ids holds every event id present in the ledger, including the
	// source ids of reflected copies. Backs HasEventID.
	ids map[string]struct{}
}

type auditRecord struct {
	Agent string `json:"agent"`
	Event Event  `json:"event"`
}

// OpenFileStore opens or creates a file-backed ledger store rooted at dir.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "agents"), 0o755); err != nil {
		return nil, fmt.Errorf("open file store: %w", err)
	}
	return &FileStore{
		root:   dir,
		audit:  newJSONLZstdWriter(filepath.Join(dir, "audit"), "ledger"),
		agents: make(map[string]*agentLog),
	}, nil
}

// Close flushes and closes the audit stream. Event files need no
// teardown.
func (s *FileStore) Close() error {
	return s.audit.Close()
}

func validAgentID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: bad agent id %q", ErrBadEvent, id)
	}
	return nil
}

func (s *FileStore) agentDir(agentID string) string {
	return filepath.Join(s.root, "agents", agentID)
}

func (s *FileStore) eventsDir(agentID string) string {
	return filepath.Join(s.agentDir(agentID), "events")
}

// log returns the in-memory side of an agent's ledger, loading it from
// disk on first touch.
func (s *FileStore) log(agentID string) (*agentLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.agents[agentID]; ok {
		return l, nil
	}

	l := &agentLog{ids: make(map[string]struct{})}
	events, err := s.scan(agentID, 0)
	if err != nil && err != errNoLedger {
		return nil, err
	}
	for _, e := range events {
		l.lastSeq = e.Seq
		l.ids[e.ID] = struct{}{}
		if e.ReflectedFrom != "" {
			l.ids[e.ReflectedFrom] = struct{}{}
		}
	}
	s.agents[agentID] = l
	return l, nil
}

// Append commits one event, allocating the next sequence number under the
// agent's lock.
func (s *FileStore) Append(agentID string, e Event) (uint64, error) {
	if err := validAgentID(agentID); err != nil {
		return 0, err
	}
	if err := e.Validate(); err != nil {
		return 0, err
	}

	l, err := s.log(agentID)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.ids[e.ID]; dup {
		return 0, fmt.Errorf("append %s: %w: %s", agentID, ErrDuplicateEvent, e.ID)
	}

	seq := l.lastSeq + 1
	e.Seq = seq

	dir := s.eventsDir(agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("append %s: %w", agentID, err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", agentID, err)
	}

	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", agentID, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("append %s: %w", agentID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("append %s: %w", agentID, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("append %s: %w", agentID, err)
	}

	// Link fails if the target exists, so a sequence collision can never
	// overwrite a committed event.
	final := filepath.Join(dir, eventFileName(seq, e.Kind))
	if err := os.Link(tmpName, final); err != nil {
		if os.IsExist(err) {
			return 0, fmt.Errorf("append %s seq %d: %w", agentID, seq, ErrBusy)
		}
		return 0, fmt.Errorf("append %s: %w", agentID, err)
	}

	l.lastSeq = seq
	l.ids[e.ID] = struct{}{}
	if e.ReflectedFrom != "" {
		l.ids[e.ReflectedFrom] = struct{}{}
	}

	// Audit mirror is advisory: the event file above is the durable copy.
	_ = s.audit.Write(auditRecord{Agent: agentID, Event: e})
	return seq, nil
}

// Read returns events with seq > sinceSeq in ledger order.
func (s *FileStore) Read(agentID string, sinceSeq uint64) ([]Event, error) {
	if err := validAgentID(agentID); err != nil {
		return nil, err
	}
	events, err := s.scan(agentID, sinceSeq)
	if err == errNoLedger {
		return nil, fmt.Errorf("read %s: %w", agentID, ErrUnknownAgent)
	}
	return events, err
}

var errNoLedger = fmt.Errorf("no ledger directory")

func (s *FileStore) scan(agentID string, sinceSeq uint64) ([]Event, error) {
	dir := s.eventsDir(agentID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errNoLedger
		}
		return nil, fmt.Errorf("scan %s: %w", agentID, err)
	}

	var events []Event
	for _, entry := range entries {
		name := entry.Name()
		seq, ok := seqFromFileName(name)
		if !ok || seq <= sinceSeq {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", agentID, err)
		}
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("scan %s: %s: %w", agentID, name, err)
		}
		events = append(events, e)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

// Agents lists every agent with at least one committed event.
func (s *FileStore) Agents() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "agents"))
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// HasEventID reports whether eventID landed in agentID's ledger, as an
// origin event or a reflected copy. Agents with no ledger yet report
// false.
func (s *FileStore) HasEventID(agentID, eventID string) (bool, error) {
	if err := validAgentID(agentID); err != nil {
		return false, err
	}
	l, err := s.log(agentID)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.ids[eventID]
	return ok, nil
}

// LoadSnapshot reads the cached fold state written by SaveSnapshot.
func (s *FileStore) LoadSnapshot(agentID string) (Account, bool) {
	if validAgentID(agentID) != nil {
		return Account{}, false
	}
	data, err := os.ReadFile(filepath.Join(s.agentDir(agentID), "state.json"))
	if err != nil {
		return Account{}, false
	}
	var a Account
	if err := json.Unmarshal(data, &a); err != nil {
		return Account{}, false
	}
	return a, true
}

// SaveSnapshot persists a fold snapshot next to the agent's events,
// committed by temp write and rename.
func (s *FileStore) SaveSnapshot(a Account) error {
	if err := validAgentID(a.ID); err != nil {
		return err
	}
	dir := s.agentDir(a.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
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
	return os.Rename(tmpName, filepath.Join(dir, "state.json"))
}

func eventFileName(seq uint64, kind Kind) string {
	return fmt.Sprintf("%010d-%s.json", seq, kind)
}

func seqFromFileName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, "tmp-") {
		return 0, false
	}
	dash := strings.IndexByte(name, '-')
	if dash <= 0 {
		return 0, false
	}
	var seq uint64
	if _, err := fmt.Sscanf(name[:dash], "%d", &seq); err != nil {
		return 0, false
	}
	return seq, true
}
