package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/metergate/metergate/internal/idgen"
)

// Engine signs and persists settlement records, then hands each one to
// the relay dispatcher.
type Engine struct {
	store      Store
	signer     *Signer
	dispatcher *Dispatcher
}

// NewEngine creates a settlement engine. A nil signer disables signing;
// records are still persisted, just without signature material.
func NewEngine(store Store, signer *Signer) *Engine {
	return &Engine{store: store, signer: signer}
}

// WithDispatcher attaches a relay dispatcher for best-effort delivery
// of emitted records.
func (e *Engine) WithDispatcher(d *Dispatcher) *Engine {
	e.dispatcher = d
	return e
}

// EmitSettlement produces the one settlement record for a settled
// session and relays it. Satisfies the session ledger's emitter
// contract.
func (e *Engine) EmitSettlement(ctx context.Context, sessionID string, agentAddr, providerAddr common.Address, usedAmount uint64, ts time.Time) error {
	r := &Record{
		ID:                 idgen.WithPrefix("set_"),
		SessionID:          sessionID,
		AgentEVMAddress:    agentAddr,
		ProviderEVMAddress: providerAddr,
		UsedAmount:         usedAmount,
		Timestamp:          ts,
		CreatedAt:          time.Now(),
	}

	if e.signer != nil {
		hash, sig, err := e.signer.Sign(payloadFor(r))
		if err != nil {
			return fmt.Errorf("settlement: failed to sign record: %w", err)
		}
		r.PayloadHash = hash
		r.Signature = sig
	}

	if err := e.store.Create(ctx, r); err != nil {
		return err
	}

	if e.dispatcher != nil {
		e.dispatcher.Dispatch(ctx, r)
	}
	return nil
}

// Verify checks a stored record's signature against its payload.
func (e *Engine) Verify(ctx context.Context, recordID string) (*VerifyResponse, error) {
	r, err := e.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}

	if e.signer == nil {
		return &VerifyResponse{Valid: false, RecordID: r.ID, Error: ErrSigningDisabled.Error()}, nil
	}
	if r.Signature == "" {
		return &VerifyResponse{Valid: false, RecordID: r.ID, Error: "record is unsigned"}, nil
	}

	return &VerifyResponse{
		Valid:    e.signer.Verify(payloadFor(r), r.Signature),
		RecordID: r.ID,
	}, nil
}

// Get returns a record by ID.
func (e *Engine) Get(ctx context.Context, id string) (*Record, error) {
	return e.store.Get(ctx, id)
}

// GetBySession returns the record for a settled session.
func (e *Engine) GetBySession(ctx context.Context, sessionID string) (*Record, error) {
	return e.store.GetBySession(ctx, sessionID)
}

// List returns emitted records, newest first.
func (e *Engine) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.store.List(ctx, limit)
}
