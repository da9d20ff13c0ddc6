package session

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. It is the single-replica
// store and the test double for the Redis store.
type MemoryStore struct {
	sessions map[string]*Session
	now      func() time.Time
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// WithClock replaces the clock used for expiry checks.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

// Create stores a new session (case-insensitive id).
func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(s.ID)
	if existing, ok := m.sessions[key]; ok && !existing.IsExpired(m.now()) {
		return ErrSessionExists
	}
	m.sessions[key] = s.Clone()
	return nil
}

// Get returns a copy of the session. Expired entries read as missing.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[strings.ToLower(id)]
	m.mu.RUnlock()

	if !ok || s.IsExpired(m.now()) {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// CompareAndSwap replaces the session if its version is unchanged.
func (m *MemoryStore) CompareAndSwap(ctx context.Context, s *Session, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(s.ID)
	current, ok := m.sessions[key]
	if !ok || current.IsExpired(m.now()) {
		return ErrSessionNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	m.sessions[key] = s.Clone()
	return nil
}

// Delete removes a session.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(id)
	if _, ok := m.sessions[key]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, key)
	return nil
}

// CleanupExpired drops sessions past their TTL horizon and returns how many
// were removed.
func (m *MemoryStore) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, s := range m.sessions {
		if s.IsExpired(now) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of stored sessions, expired or not.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
