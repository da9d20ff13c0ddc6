package profile

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Settle holds the store mutex for the
// whole read-compute-write so it is atomic like the SQL transaction.
type MemoryStore struct {
	mu       sync.Mutex
	profiles map[string]*Profile
	records  map[string]*MatchRecord
	history  []*MatchRecord
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*Profile),
		records:  make(map[string]*MatchRecord),
		now:      time.Now,
	}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrProfileNotFound
	}
	clone := *p
	return &clone, nil
}

func (m *MemoryStore) Settle(ctx context.Context, sessionID, whiteID, blackID string, fn SettleFunc) (*MatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, done := m.records[sessionID]; done {
		return nil, ErrAlreadyFinalized
	}

	white := m.loadOrDefault(whiteID)
	black := m.loadOrDefault(blackID)

	rec := fn(cloneProfile(white), cloneProfile(black))
	if rec == nil {
		return nil, ErrInvalidSettlement
	}
	rec.SessionID = sessionID
	if err := apply(rec, white, black, m.now()); err != nil {
		return nil, err
	}

	m.profiles[whiteID] = white
	m.profiles[blackID] = black
	stored := *rec
	m.records[sessionID] = &stored
	m.history = append(m.history, &stored)

	out := stored
	return &out, nil
}

func (m *MemoryStore) Finalized(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[sessionID]
	return ok, nil
}

// RecentMatches returns the newest records involving playerID first.
func (m *MemoryStore) RecentMatches(ctx context.Context, playerID string, limit int) ([]*MatchRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*MatchRecord
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		rec := m.history[i]
		if rec.WhiteID == playerID || rec.BlackID == playerID {
			clone := *rec
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *MemoryStore) loadOrDefault(id string) *Profile {
	if p, ok := m.profiles[id]; ok {
		return cloneProfile(p)
	}
	return NewProfile(id)
}

func cloneProfile(p *Profile) *Profile {
	c := *p
	return &c
}
