// Package gateway provides the registry of provider-published API gateways.
//
// A gateway is a named, priced endpoint owned by exactly one provider
// identity. Agents open metering sessions against a gateway; the registry
// tracks per-gateway lifetime counters (sessions opened, usage volume) but
// never touches session state itself.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Errors
var (
	ErrEmptySlug        = errors.New("gateway: slug cannot be empty")
	ErrSlugTooLong      = errors.New("gateway: slug too long (max 32 characters)")
	ErrSlugTaken        = errors.New("gateway: slug already registered")
	ErrInvalidPrice     = errors.New("gateway: price must be greater than 0")
	ErrGatewayNotFound  = errors.New("gateway: not found")
	ErrGatewayNotActive = errors.New("gateway: not active")
	ErrUnauthorized     = errors.New("gateway: not authorized for this gateway")
)

// MaxSlugLen is the maximum gateway slug length.
const MaxSlugLen = 32

// Gateway is a provider's published endpoint.
// Field order matches the persisted record layout.
type Gateway struct {
	Slug               string         `json:"slug"`
	Provider           string         `json:"provider"`           // identity that registered the gateway
	ProviderEVMAddress common.Address `json:"providerEvmAddress"` // 20-byte external-chain address, opaque here
	PricePerRequest    uint64         `json:"pricePerRequest"`
	IsActive           bool           `json:"isActive"`
	TotalSessions      uint64         `json:"totalSessions"`
	TotalVolume        uint64         `json:"totalVolume"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// Store persists gateway records. Slug uniqueness is the store's job:
// Create has insert-if-absent semantics and returns ErrSlugTaken on
// collision.
type Store interface {
	Create(ctx context.Context, gw *Gateway) error
	Get(ctx context.Context, slug string) (*Gateway, error)
	Update(ctx context.Context, gw *Gateway) error
	List(ctx context.Context, limit int) ([]*Gateway, error)

	// AddSession atomically increments the gateway's session counter.
	AddSession(ctx context.Context, slug string) error
	// AddVolume atomically adds amount to the gateway's usage volume.
	AddVolume(ctx context.Context, slug string, amount uint64) error
}

// RegisterRequest is the payload for registering a gateway.
type RegisterRequest struct {
	Slug               string `json:"slug" binding:"required"`
	PricePerRequest    uint64 `json:"pricePerRequest"`
	ProviderEVMAddress string `json:"providerEvmAddress" binding:"required"`
}

// UpdatePriceRequest is the payload for a price update.
type UpdatePriceRequest struct {
	PricePerRequest uint64 `json:"pricePerRequest"`
}
