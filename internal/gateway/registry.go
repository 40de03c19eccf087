package gateway

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/metergate/metergate/internal/metrics"
)

// Notifier receives gateway lifecycle events for real-time streaming.
type Notifier interface {
	Notify(event string, payload any)
}

// Registry implements gateway business logic.
//
// Every mutating operation re-validates its preconditions against the
// record as currently persisted; the store serializes concurrent calls.
type Registry struct {
	store    Store
	notifier Notifier
}

// NewRegistry creates a new gateway registry.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// WithNotifier attaches a real-time event notifier.
func (r *Registry) WithNotifier(n Notifier) *Registry {
	r.notifier = n
	return r
}

// Register creates a new gateway owned by the caller identity.
// The store rejects duplicate slugs with ErrSlugTaken.
func (r *Registry) Register(ctx context.Context, caller string, req RegisterRequest) (*Gateway, error) {
	if req.Slug == "" {
		return nil, ErrEmptySlug
	}
	if len(req.Slug) > MaxSlugLen {
		return nil, ErrSlugTooLong
	}
	if req.PricePerRequest == 0 {
		return nil, ErrInvalidPrice
	}

	gw := &Gateway{
		Slug:               req.Slug,
		Provider:           caller,
		ProviderEVMAddress: common.HexToAddress(req.ProviderEVMAddress),
		PricePerRequest:    req.PricePerRequest,
		IsActive:           true,
		TotalSessions:      0,
		TotalVolume:        0,
		CreatedAt:          time.Now(),
	}

	if err := r.store.Create(ctx, gw); err != nil {
		return nil, err
	}

	metrics.GatewaysRegisteredTotal.Inc()
	if r.notifier != nil {
		r.notifier.Notify("gateway.registered", gw)
	}
	return gw, nil
}

// UpdatePrice sets a new per-request price. Only the registered provider
// may call this; re-applying the current price is legal.
func (r *Registry) UpdatePrice(ctx context.Context, caller, slug string, newPrice uint64) (*Gateway, error) {
	if newPrice == 0 {
		return nil, ErrInvalidPrice
	}

	gw, err := r.store.Get(ctx, slug)
	if err != nil {
		return nil, err
	}

	if gw.Provider != caller {
		return nil, ErrUnauthorized
	}

	gw.PricePerRequest = newPrice
	if err := r.store.Update(ctx, gw); err != nil {
		return nil, err
	}
	return gw, nil
}

// Deactivate flags the gateway inactive. Existing sessions are unaffected;
// only new session opens are blocked. Idempotent, and there is no
// reactivation operation.
func (r *Registry) Deactivate(ctx context.Context, caller, slug string) (*Gateway, error) {
	gw, err := r.store.Get(ctx, slug)
	if err != nil {
		return nil, err
	}

	if gw.Provider != caller {
		return nil, ErrUnauthorized
	}

	gw.IsActive = false
	if err := r.store.Update(ctx, gw); err != nil {
		return nil, err
	}
	return gw, nil
}

// Get returns a gateway by slug.
func (r *Registry) Get(ctx context.Context, slug string) (*Gateway, error) {
	return r.store.Get(ctx, slug)
}

// List returns registered gateways, newest first.
func (r *Registry) List(ctx context.Context, limit int) ([]*Gateway, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.store.List(ctx, limit)
}
