package conversation

import (
	"context"
	"sync"
	"time"
)

// Store keeps one State per chat identity. Get never fails for a missing or
// evicted key; it returns a fresh idle state instead.
type Store interface {
	Get(ctx context.Context, chatIdentityID string) (*State, error)
	Set(ctx context.Context, s *State) error
	Clear(ctx context.Context, chatIdentityID string) error
}

type memoryEntry struct {
	state     State
	expiresAt time.Time
}

// MemoryStore is an in-process Store with lazy TTL eviction. Expired
// entries are dropped on access and swept every sweepEvery writes; there is
// no background goroutine.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	ttl        time.Duration
	now        func() time.Time
	writes     int
	sweepEvery int
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{
		entries:    make(map[string]memoryEntry),
		ttl:        ttl,
		now:        time.Now,
		sweepEvery: 256,
	}
}

// SetClock replaces the time source.
func (m *MemoryStore) SetClock(now func() time.Time) { m.now = now }

func (m *MemoryStore) Get(_ context.Context, chatIdentityID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[chatIdentityID]
	if !ok {
		return NewIdle(chatIdentityID), nil
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, chatIdentityID)
		return NewIdle(chatIdentityID), nil
	}
	return copyState(e.state), nil
}

func (m *MemoryStore) Set(_ context.Context, s *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cp := copyState(*s)
	if cp.Flow == nil {
		cp.Flow = Idle{}
	}
	cp.UpdatedAt = now
	m.entries[s.ChatIdentityID] = memoryEntry{state: *cp, expiresAt: now.Add(m.ttl)}
	m.writes++
	if m.writes%m.sweepEvery == 0 {
		m.sweepLocked(now)
	}
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, chatIdentityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, chatIdentityID)
	return nil
}

// Len reports the number of stored entries, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep drops every expired entry and returns how many were removed.
func (m *MemoryStore) Sweep(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(m.now()), nil
}

func (m *MemoryStore) sweepLocked(now time.Time) int64 {
	var n int64
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

func copyState(s State) *State {
	if s.Pending != nil {
		p := *s.Pending
		s.Pending = &p
	}
	return &s
}
