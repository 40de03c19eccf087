package gateway

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory gateway store for demo/development mode.
type MemoryStore struct {
	gateways map[string]*Gateway // keyed by slug
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory gateway store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		gateways: make(map[string]*Gateway),
	}
}

func (m *MemoryStore) Create(_ context.Context, gw *Gateway) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.gateways[gw.Slug]; ok {
		return ErrSlugTaken
	}
	cp := *gw
	m.gateways[gw.Slug] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, slug string) (*Gateway, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gw, ok := m.gateways[slug]
	if !ok {
		return nil, ErrGatewayNotFound
	}
	cp := *gw
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, gw *Gateway) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.gateways[gw.Slug]
	if !ok {
		return ErrGatewayNotFound
	}
	// Counters are owned by AddSession/AddVolume; keep the stored values.
	cp := *gw
	cp.TotalSessions = stored.TotalSessions
	cp.TotalVolume = stored.TotalVolume
	m.gateways[gw.Slug] = &cp
	return nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Gateway, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Gateway, 0, len(m.gateways))
	for _, gw := range m.gateways {
		cp := *gw
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

func (m *MemoryStore) AddSession(_ context.Context, slug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gw, ok := m.gateways[slug]
	if !ok {
		return ErrGatewayNotFound
	}
	gw.TotalSessions++
	return nil
}

func (m *MemoryStore) AddVolume(_ context.Context, slug string, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gw, ok := m.gateways[slug]
	if !ok {
		return ErrGatewayNotFound
	}
	gw.TotalVolume += amount
	return nil
}

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)
