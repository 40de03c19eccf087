// Package session implements the metering ledger: prepaid sessions an
// agent opens against a gateway, per-call usage recording by the
// provider, and the settle/cancel close-out paths.
//
// Every operation is a single load, validate, mutate, store round trip.
// Preconditions are re-checked against the freshly loaded record, and
// mutations on the same session serialize on a sharded lock; there are
// no internal retries or timeout-driven transitions in this package.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/metergate/metergate/internal/pagination"
)

// Errors
var (
	ErrInvalidDeposit        = errors.New("session: deposit must be greater than 0")
	ErrInvalidDuration       = errors.New("session: duration must be greater than 0")
	ErrSessionExists         = errors.New("session: session already exists for this nonce")
	ErrSessionNotFound       = errors.New("session: not found")
	ErrSessionNotActive      = errors.New("session: not active")
	ErrSessionExpired        = errors.New("session: expired")
	ErrUsageExceedsDeposit   = errors.New("session: usage would exceed estimated deposit")
	ErrAmountOverflow        = errors.New("session: usage amount overflows accumulator")
	ErrCannotCancelWithUsage = errors.New("session: cannot cancel after usage was recorded")
	ErrUnauthorized          = errors.New("session: caller not authorized for this session")
	ErrUnknownState          = errors.New("session: unknown state")
)

// State is the session lifecycle state.
type State string

const (
	StateNone      State = "none"
	StateActive    State = "active"
	StateSettled   State = "settled"
	StateCancelled State = "cancelled"
	// StateExpired is declared for completeness but never written.
	// Expiry is advisory: RecordUsage past ExpiresAt fails without
	// flipping the state, and no sweeper exists.
	StateExpired State = "expired"
)

// Valid reports whether s is a member of the closed state enumeration.
func (s State) Valid() bool {
	switch s {
	case StateNone, StateActive, StateSettled, StateCancelled, StateExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a sink state.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateCancelled
}

// Session is one agent's prepaid metering window against a gateway.
// Field order matches the persisted record layout.
type Session struct {
	ID               string         `json:"id"`
	Agent            string         `json:"agent"`
	AgentEVMAddress  common.Address `json:"agentEvmAddress"`
	GatewaySlug      string         `json:"gatewaySlug"`
	Provider         string         `json:"provider"` // denormalized at open, never refreshed
	EstimatedDeposit uint64         `json:"estimatedDeposit"`
	Used             uint64         `json:"used"`
	Nonce            int64          `json:"nonce"` // caller-supplied, part of the session's identity
	ExpiresAt        time.Time      `json:"expiresAt"`
	State            State          `json:"state"`
	UsageCount       uint32         `json:"usageCount"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// Expired reports whether the session's metering window has passed.
// Advisory only: nothing persists this.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// DeriveID computes the session's identity from its composite key. The
// same (agent, gateway, nonce) triple always maps to the same ID, so
// the store's insert-if-absent check is what rejects nonce reuse.
func DeriveID(agent, gatewaySlug string, nonce int64) string {
	var nonceLE [8]byte
	binary.LittleEndian.PutUint64(nonceLE[:], uint64(nonce))

	h := sha256.New()
	h.Write([]byte("session"))
	h.Write([]byte(agent))
	h.Write([]byte(gatewaySlug))
	h.Write(nonceLE[:])

	return "ses_" + hex.EncodeToString(h.Sum(nil))[:32]
}

// ListOption configures a list query.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor filters results to items after the given cursor position.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err == nil {
			o.cursor = c
		}
	}
}

// Store persists session records. Create has insert-if-absent
// semantics and returns ErrSessionExists when the derived ID is
// already present. List methods return newest first.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	ListByAgent(ctx context.Context, agent string, limit int, opts ...ListOption) ([]*Session, error)
	List(ctx context.Context, limit int, opts ...ListOption) ([]*Session, error)
}

// AtomicStore couples a session write with its gateway counter update
// in a single commit, so a failure on either side leaves neither write
// behind. The ledger prefers this path when the store offers it and
// falls back to write-then-revert against the plain Store.
type AtomicStore interface {
	CreateAndCount(ctx context.Context, s *Session) error
	AddUsage(ctx context.Context, sessionID string, amount uint64) (*Session, error)
}

// OpenRequest is the payload for opening a session.
type OpenRequest struct {
	GatewaySlug      string `json:"gatewaySlug" binding:"required"`
	EstimatedDeposit uint64 `json:"estimatedDeposit"`
	DurationSeconds  int64  `json:"durationSeconds"`
	Nonce            int64  `json:"nonce"`
	AgentEVMAddress  string `json:"agentEvmAddress" binding:"required"`
}

// UsageRequest is the payload for recording usage.
type UsageRequest struct {
	Amount uint64 `json:"amount"`
}
