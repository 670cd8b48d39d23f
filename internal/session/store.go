package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrInvalidUser is returned for non-positive user ids.
var ErrInvalidUser = errors.New("invalid user id")

// Store is the in-memory view of all sessions, written through to a Backend.
// Callers always receive copies; mutations go back through Save.
type Store struct {
	mu       sync.Mutex
	backend  Backend
	sessions map[int64]*Session

	userLocks sync.Map // int64 -> *sync.Mutex

	now func() time.Time
}

// NewStore loads every session from backend. A load failure is returned
// unchanged so callers can refuse to start on a corrupt store.
func NewStore(backend Backend) (*Store, error) {
	loaded, err := backend.Load()
	if err != nil {
		return nil, err
	}
	s := &Store{
		backend:  backend,
		sessions: make(map[int64]*Session, len(loaded)),
		now:      time.Now,
	}
	for _, sess := range loaded {
		s.sessions[sess.UserID] = sess.Clone()
	}
	storeLog.Debug("store_loaded", slog.Int("sessions", len(loaded)))
	return s, nil
}

// SetClock replaces the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Backend returns the persistence layer behind the store.
func (s *Store) Backend() Backend { return s.backend }

// Close closes the backend.
func (s *Store) Close() error { return s.backend.Close() }

// LockUser serializes work for one user. The returned func releases the lock.
func (s *Store) LockUser(uid int64) (unlock func()) {
	v, _ := s.userLocks.LoadOrStore(uid, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Get returns a copy of the session for uid.
func (s *Store) Get(uid int64) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[uid]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// Ensure returns the session for uid, creating and persisting an empty one if absent.
func (s *Store) Ensure(uid int64) (*Session, error) {
	if uid <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidUser, uid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[uid]; ok {
		return sess.Clone(), nil
	}
	fresh := &Session{UserID: uid, CreatedAt: s.now()}
	if err := s.putLocked(fresh); err != nil {
		return nil, err
	}
	return fresh.Clone(), nil
}

// CreateOrReset starts a new conversation for uid. The token, counters and
// cost are cleared; the model override survives only when keepModel is set.
func (s *Store) CreateOrReset(uid int64, keepModel bool) (*Session, error) {
	if uid <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidUser, uid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := &Session{UserID: uid, CreatedAt: s.now()}
	if old, ok := s.sessions[uid]; ok && keepModel {
		fresh.Model = old.Model
	}
	if err := s.putLocked(fresh); err != nil {
		return nil, err
	}
	return fresh.Clone(), nil
}

// Save persists sess and replaces the cached copy. On a write failure the
// cache keeps its previous value.
func (s *Store) Save(sess *Session) error {
	if sess == nil || sess.UserID <= 0 {
		return ErrInvalidUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(sess.Clone())
}

// Import saves every session, overwriting existing records with the same user id.
func (s *Store) Import(sessions []*Session) (int, error) {
	n := 0
	for _, sess := range sessions {
		if err := s.Save(sess); err != nil {
			return n, fmt.Errorf("session: import user %d: %w", sess.UserID, err)
		}
		n++
	}
	return n, nil
}

// ListAll returns copies of every session ordered by user id.
func (s *Store) ListAll() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) putLocked(sess *Session) error {
	if err := s.backend.Put(sess); err != nil {
		storeLog.Error("session_save_failed",
			slog.Int64("user_id", sess.UserID),
			slog.String("error", err.Error()))
		return fmt.Errorf("session: save user %d: %w", sess.UserID, err)
	}
	s.sessions[sess.UserID] = sess
	return nil
}
