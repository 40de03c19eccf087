package session

import (
	"context"
	"sort"
	"sync"

	"github.com/metergate/metergate/internal/pagination"
)

// MemoryStore is an in-memory session store for demo/development mode.
type MemoryStore struct {
	sessions map[string]*Session // keyed by derived ID
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return ErrSessionExists
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; !ok {
		return ErrSessionNotFound
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) ListByAgent(_ context.Context, agent string, limit int, opts ...ListOption) ([]*Session, error) {
	o := applyListOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if s.Agent == agent && afterCursor(s, o.cursor) {
			cp := *s
			result = append(result, &cp)
		}
	}
	return sortAndCap(result, limit), nil
}

func (m *MemoryStore) List(_ context.Context, limit int, opts ...ListOption) ([]*Session, error) {
	o := applyListOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if afterCursor(s, o.cursor) {
			cp := *s
			result = append(result, &cp)
		}
	}
	return sortAndCap(result, limit), nil
}

// afterCursor reports whether s comes after the cursor position in the
// newest-first ordering. A nil cursor matches everything.
func afterCursor(s *Session, c *pagination.Cursor) bool {
	if c == nil {
		return true
	}
	if s.CreatedAt.Equal(c.CreatedAt) {
		return s.ID < c.ID
	}
	return s.CreatedAt.Before(c.CreatedAt)
}

func sortAndCap(sessions []*Session, limit int) []*Session {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID > sessions[j].ID
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions
}

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)
