package settlement

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory record store for demo/development mode.
type MemoryStore struct {
	records   map[string]*Record // keyed by record ID
	bySession map[string]string  // session ID -> record ID
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*Record),
		bySession: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bySession[r.SessionID]; ok {
		return ErrRecordExists
	}
	cp := *r
	m.records[r.ID] = &cp
	m.bySession[r.SessionID] = r.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetBySession(_ context.Context, sessionID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bySession[sessionID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *m.records[id]
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		cp := *r
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// SubscriptionMemoryStore is an in-memory subscription store.
type SubscriptionMemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewSubscriptionMemoryStore creates a new in-memory subscription store.
func NewSubscriptionMemoryStore() *SubscriptionMemoryStore {
	return &SubscriptionMemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *SubscriptionMemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *SubscriptionMemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *SubscriptionMemoryStore) ListByOwner(_ context.Context, owner string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Owner == owner {
			cp := *sub
			result = append(result, &cp)
		}
	}
	sortSubs(result)
	return result, nil
}

func (m *SubscriptionMemoryStore) ListActive(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Active {
			cp := *sub
			result = append(result, &cp)
		}
	}
	sortSubs(result)
	return result, nil
}

func (m *SubscriptionMemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *SubscriptionMemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}

func sortSubs(subs []*Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].CreatedAt.After(subs[j].CreatedAt)
	})
}

// Compile-time assertions.
var (
	_ Store             = (*MemoryStore)(nil)
	_ SubscriptionStore = (*SubscriptionMemoryStore)(nil)
)
