// Package settlement produces the signed, immutable record emitted when
// a metering session settles, and relays it to registered subscribers.
//
// The record is the sole hand-off artifact to any external cross-chain
// relay. Relay delivery is best-effort: async, unsigned-for, no retry.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrRecordNotFound       = errors.New("settlement: record not found")
	ErrRecordExists         = errors.New("settlement: record already emitted for this session")
	ErrSigningDisabled      = errors.New("settlement: signing disabled (no HMAC secret configured)")
	ErrSubscriptionNotFound = errors.New("settlement: subscription not found")
	ErrNotSubscriptionOwner = errors.New("settlement: caller does not own this subscription")
)

// Record is the immutable settlement artifact, produced exactly once
// per session.
type Record struct {
	ID                 string         `json:"id"`
	SessionID          string         `json:"sessionId"`
	AgentEVMAddress    common.Address `json:"agentEvmAddress"`
	ProviderEVMAddress common.Address `json:"providerEvmAddress"`
	UsedAmount         uint64         `json:"usedAmount"`
	Timestamp          time.Time      `json:"timestamp"`
	PayloadHash        string         `json:"payloadHash"` // SHA-256 of canonical payload
	Signature          string         `json:"signature"`   // HMAC-SHA256 over canonical payload
	CreatedAt          time.Time      `json:"createdAt"`
}

// recordPayload is the canonical struct signed by HMAC.
// Field order must be deterministic (JSON marshalling of a struct
// follows field order).
type recordPayload struct {
	Agent     string `json:"agent"`
	Provider  string `json:"provider"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	Used      uint64 `json:"used"`
}

func payloadFor(r *Record) recordPayload {
	return recordPayload{
		Agent:     r.AgentEVMAddress.Hex(),
		Provider:  r.ProviderEVMAddress.Hex(),
		SessionID: r.SessionID,
		Timestamp: r.Timestamp.Unix(),
		Used:      r.UsedAmount,
	}
}

// Store persists settlement records. Create enforces one record per
// session and returns ErrRecordExists on a duplicate session ID.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	GetBySession(ctx context.Context, sessionID string) (*Record, error)
	List(ctx context.Context, limit int) ([]*Record, error)
}

// Subscription is a registered relay endpoint that receives every
// emitted record.
type Subscription struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	URL         string     `json:"url"`
	Secret      string     `json:"-"` // used for HMAC signing of deliveries
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// SubscriptionStore persists relay subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, owner string) ([]*Subscription, error)
	ListActive(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// VerifyRequest is the input for verifying a record signature.
type VerifyRequest struct {
	RecordID string `json:"recordId" binding:"required"`
}

// VerifyResponse is the result of record verification.
type VerifyResponse struct {
	Valid    bool   `json:"valid"`
	RecordID string `json:"recordId"`
	Error    string `json:"error,omitempty"`
}

// SubscribeRequest is the payload for registering a relay subscription.
type SubscribeRequest struct {
	URL    string `json:"url" binding:"required"`
	Secret string `json:"secret"`
}
