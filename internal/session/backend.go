package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
)

// Storage backend names accepted in config.toml ([storage] backend).
const (
	BackendSQLite = "sqlite"
	BackendJSON   = "json"
	BackendMemory = "memory"
)

// File names inside a profile directory.
const (
	StateDBFileName  = "state.db"
	SessionsFileName = "sessions.json"
)

var (
	// ErrCorruptStore means persisted session data exists but cannot be read.
	// Startup must fail rather than discard conversation history.
	ErrCorruptStore = errors.New("session store is corrupt")

	// ErrUnknownBackend is returned for an unrecognized [storage] backend.
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// Backend persists session records. Put must be durable before it returns.
type Backend interface {
	Load() ([]*Session, error)
	Put(s *Session) error
	Close() error
}

// OpenBackend opens the named backend rooted at dir.
func OpenBackend(kind, dir string) (Backend, error) {
	switch kind {
	case "", BackendSQLite:
		return OpenSQLiteBackend(dir)
	case BackendJSON:
		return NewJSONBackend(filepath.Join(dir, SessionsFileName))
	case BackendMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("%w: %q (want %s or %s)", ErrUnknownBackend, kind, BackendSQLite, BackendJSON)
	}
}

// MemoryBackend keeps sessions in a map. Used by tests.
type MemoryBackend struct {
	mu       sync.Mutex
	sessions map[int64]*Session

	// FailPut, when set, is returned by Put instead of storing.
	FailPut error
	// Puts counts successful Put calls.
	Puts int
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend(seed ...*Session) *MemoryBackend {
	m := &MemoryBackend{sessions: make(map[int64]*Session)}
	for _, s := range seed {
		m.sessions[s.UserID] = s.Clone()
	}
	return m
}

func (m *MemoryBackend) Load() ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (m *MemoryBackend) Put(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut != nil {
		return m.FailPut
	}
	m.sessions[s.UserID] = s.Clone()
	m.Puts++
	return nil
}

func (m *MemoryBackend) Close() error { return nil }

// Stored returns the persisted copy for uid, bypassing any store cache.
func (m *MemoryBackend) Stored(uid int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[uid]
	return s.Clone(), ok
}
