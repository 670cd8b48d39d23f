package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// jsonRecord is the on-disk shape of one entry in sessions.json.
// SessionID is the field name older bridge builds wrote instead of
// continuation_token; it is read but never written.
type jsonRecord struct {
	ContinuationToken string    `json:"continuation_token,omitempty"`
	Model             string    `json:"model,omitempty"`
	CumulativeCost    float64   `json:"cumulative_cost"`
	MessageCount      int       `json:"message_count"`
	CreatedAt         time.Time `json:"created_at"`
	LastActive        time.Time `json:"last_active"`

	SessionID string `json:"session_id,omitempty"`
}

func (r *jsonRecord) toSession(uid int64) *Session {
	token := r.ContinuationToken
	// Legacy files kept a pre-generated id even before the first message,
	// so it only counts as resumable once a message went through.
	if token == "" && r.SessionID != "" && r.MessageCount > 0 {
		token = r.SessionID
	}
	return &Session{
		UserID:            uid,
		ContinuationToken: token,
		Model:             r.Model,
		CumulativeCost:    r.CumulativeCost,
		MessageCount:      r.MessageCount,
		CreatedAt:         r.CreatedAt,
		LastActive:        r.LastActive,
	}
}

func recordFromSession(s *Session) *jsonRecord {
	return &jsonRecord{
		ContinuationToken: s.ContinuationToken,
		Model:             s.Model,
		CumulativeCost:    s.CumulativeCost,
		MessageCount:      s.MessageCount,
		CreatedAt:         s.CreatedAt.UTC(),
		LastActive:        s.LastActive.UTC(),
	}
}

// ReadJSONFile parses a sessions.json file keyed by decimal user id.
// A missing file yields no sessions; unreadable content wraps ErrCorruptStore.
func ReadJSONFile(path string) ([]*Session, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var raw map[string]*jsonRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptStore, path, err)
	}

	out := make([]*Session, 0, len(raw))
	for key, rec := range raw {
		uid, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: bad user id %q", ErrCorruptStore, path, key)
		}
		if rec == nil {
			rec = &jsonRecord{}
		}
		out = append(out, rec.toSession(uid))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// JSONBackend stores all sessions in one human-readable JSON file.
// Every Put rewrites the whole file through a temp file and rename.
type JSONBackend struct {
	path    string
	mu      sync.Mutex
	records map[int64]*jsonRecord
}

// NewJSONBackend prepares a backend at path. The file is read by Load.
func NewJSONBackend(path string) (*JSONBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("session: mkdir: %w", err)
	}
	return &JSONBackend{path: path, records: make(map[int64]*jsonRecord)}, nil
}

// Path returns the file this backend writes.
func (b *JSONBackend) Path() string { return b.path }

func (b *JSONBackend) Load() ([]*Session, error) {
	sessions, err := ReadJSONFile(b.path)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = make(map[int64]*jsonRecord, len(sessions))
	for _, s := range sessions {
		b.records[s.UserID] = recordFromSession(s)
	}
	return sessions, nil
}

func (b *JSONBackend) Put(s *Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, had := b.records[s.UserID]
	b.records[s.UserID] = recordFromSession(s)
	if err := b.flushLocked(); err != nil {
		if had {
			b.records[s.UserID] = prev
		} else {
			delete(b.records, s.UserID)
		}
		return err
	}
	return nil
}

func (b *JSONBackend) Close() error { return nil }

func (b *JSONBackend) flushLocked() error {
	out := make(map[string]*jsonRecord, len(b.records))
	for uid, rec := range b.records {
		out[strconv.FormatInt(uid, 10)] = rec
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	return writeFileAtomic(b.path, append(data, '\n'), 0o600)
}

// writeFileAtomic writes data to a temp file in the same directory, syncs it,
// then renames it over path. Readers see either the old or the new file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("session: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("session: write temp: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("session: chmod temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("session: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("session: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("session: rename: %w", err)
	}
	return nil
}
