package session

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/metergate/metergate/internal/gateway"
	"github.com/metergate/metergate/internal/metrics"
	"github.com/metergate/metergate/internal/syncutil"
	"github.com/metergate/metergate/internal/traces"
)

// GatewayDirectory is the slice of the gateway store the ledger needs:
// lookup at open time plus the two atomic counters.
type GatewayDirectory interface {
	Get(ctx context.Context, slug string) (*gateway.Gateway, error)
	AddSession(ctx context.Context, slug string) error
	AddVolume(ctx context.Context, slug string, amount uint64) error
}

// SettlementEmitter produces the immutable settlement record when a
// session settles. The ledger hands off and moves on; delivery to any
// external relay is the emitter's concern.
type SettlementEmitter interface {
	EmitSettlement(ctx context.Context, sessionID string, agentAddr, providerAddr common.Address, usedAmount uint64, ts time.Time) error
}

// Notifier receives session lifecycle events for real-time streaming.
type Notifier interface {
	Notify(event string, payload any)
}

// Ledger implements the metering session lifecycle.
type Ledger struct {
	store    Store
	gateways GatewayDirectory
	emitter  SettlementEmitter
	notifier Notifier
	locks    *syncutil.ContextShardedMutex
	now      func() time.Time
}

// NewLedger creates a session ledger backed by the given stores.
func NewLedger(store Store, gateways GatewayDirectory) *Ledger {
	return &Ledger{
		store:    store,
		gateways: gateways,
		locks:    syncutil.NewContextShardedMutex(),
		now:      time.Now,
	}
}

// WithEmitter attaches a settlement record emitter.
func (l *Ledger) WithEmitter(e SettlementEmitter) *Ledger {
	l.emitter = e
	return l
}

// WithNotifier attaches a real-time event notifier.
func (l *Ledger) WithNotifier(n Notifier) *Ledger {
	l.notifier = n
	return l
}

// WithClock overrides the ledger's clock. Tests use this to cross the
// expiry boundary without sleeping.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Open creates a new active session for the caller agent against a
// gateway. The gateway must exist and be active, and the caller must
// not have used the same nonce for this gateway before.
func (l *Ledger) Open(ctx context.Context, agent string, req OpenRequest) (*Session, error) {
	ctx, span := traces.StartSpan(ctx, "session.Open",
		traces.GatewaySlug(req.GatewaySlug), traces.Caller(agent))
	defer span.End()

	if req.EstimatedDeposit == 0 {
		return nil, ErrInvalidDeposit
	}
	if req.DurationSeconds <= 0 {
		return nil, ErrInvalidDuration
	}

	gw, err := l.gateways.Get(ctx, req.GatewaySlug)
	if err != nil {
		return nil, err
	}
	if !gw.IsActive {
		return nil, gateway.ErrGatewayNotActive
	}

	now := l.now()
	s := &Session{
		ID:               DeriveID(agent, req.GatewaySlug, req.Nonce),
		Agent:            agent,
		AgentEVMAddress:  common.HexToAddress(req.AgentEVMAddress),
		GatewaySlug:      gw.Slug,
		Provider:         gw.Provider,
		EstimatedDeposit: req.EstimatedDeposit,
		Used:             0,
		Nonce:            req.Nonce,
		ExpiresAt:        now.Add(time.Duration(req.DurationSeconds) * time.Second),
		State:            StateActive,
		UsageCount:       0,
		CreatedAt:        now,
	}

	// Stores that can couple the insert with the gateway counter commit
	// both at once; otherwise a counter failure removes the session
	// again so no half-opened record survives.
	if as, ok := l.store.(AtomicStore); ok {
		if err := as.CreateAndCount(ctx, s); err != nil {
			return nil, err
		}
	} else {
		if err := l.store.Create(ctx, s); err != nil {
			return nil, err
		}
		if err := l.gateways.AddSession(ctx, gw.Slug); err != nil {
			if rbErr := l.store.Delete(ctx, s.ID); rbErr != nil {
				return nil, fmt.Errorf("gateway counter update failed: %v (session cleanup also failed: %w)", err, rbErr)
			}
			return nil, fmt.Errorf("gateway counter update failed: %w", err)
		}
	}

	metrics.SessionsOpenedTotal.Inc()
	l.notify("session.opened", s)
	return s, nil
}

// RecordUsage adds metered usage to an active session. This is the hot
// path: one session load, then the usage write paired with the gateway
// volume counter.
func (l *Ledger) RecordUsage(ctx context.Context, caller, sessionID string, amount uint64) (*Session, error) {
	ctx, span := traces.StartSpan(ctx, "session.RecordUsage",
		traces.SessionID(sessionID), traces.Caller(caller), traces.Amount(amount))
	defer span.End()

	// Concurrent meter calls for the same session serialize here so the
	// used counter never loses an increment.
	unlock, err := l.locks.LockContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := l.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if caller != s.Provider {
		return nil, l.meterFail(ErrUnauthorized, "unauthorized")
	}
	if err := requireActive(s.State); err != nil {
		return nil, l.meterFail(err, "not_active")
	}
	if s.Expired(l.now()) {
		// The failed call does not move the state to expired.
		return nil, l.meterFail(ErrSessionExpired, "expired")
	}
	if amount > math.MaxUint64-s.Used {
		return nil, l.meterFail(ErrAmountOverflow, "overflow")
	}
	if s.Used+amount > s.EstimatedDeposit {
		return nil, l.meterFail(ErrUsageExceedsDeposit, "exceeds_deposit")
	}

	// The session write and the gateway volume counter land together or
	// not at all: atomically where the store supports it, otherwise a
	// counter failure reverts the session write.
	if as, ok := l.store.(AtomicStore); ok {
		updated, err := as.AddUsage(ctx, sessionID, amount)
		if err != nil {
			return nil, err
		}
		s = updated
	} else {
		s.Used += amount
		s.UsageCount++
		if err := l.store.Update(ctx, s); err != nil {
			return nil, err
		}
		if err := l.gateways.AddVolume(ctx, s.GatewaySlug, amount); err != nil {
			s.Used -= amount
			s.UsageCount--
			if rbErr := l.store.Update(ctx, s); rbErr != nil {
				return nil, fmt.Errorf("gateway volume update failed: %v (session revert also failed: %w)", err, rbErr)
			}
			return nil, fmt.Errorf("gateway volume update failed: %w", err)
		}
	}

	metrics.UsageRecordsTotal.Inc()
	metrics.UsageVolumeTotal.Add(float64(amount))
	return s, nil
}

// Settle closes the session and emits its settlement record. Either
// party may settle; a second settle fails with ErrSessionNotActive
// rather than re-emitting.
func (l *Ledger) Settle(ctx context.Context, caller, sessionID string) (*Session, error) {
	ctx, span := traces.StartSpan(ctx, "session.Settle",
		traces.SessionID(sessionID), traces.Caller(caller))
	defer span.End()

	unlock, err := l.locks.LockContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := l.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if caller != s.Agent && caller != s.Provider {
		return nil, ErrUnauthorized
	}
	if err := requireActive(s.State); err != nil {
		return nil, err
	}

	s.State = StateSettled
	if err := l.store.Update(ctx, s); err != nil {
		return nil, err
	}

	if l.emitter != nil {
		gw, err := l.gateways.Get(ctx, s.GatewaySlug)
		if err != nil {
			return nil, fmt.Errorf("session settled but gateway lookup for record failed: %w", err)
		}
		if err := l.emitter.EmitSettlement(ctx, s.ID, s.AgentEVMAddress, gw.ProviderEVMAddress, s.Used, l.now()); err != nil {
			return nil, fmt.Errorf("session settled but record emission failed: %w", err)
		}
	}

	metrics.SettlementsTotal.Inc()
	l.notify("session.settled", s)
	return s, nil
}

// Cancel voids an unused session. Only the agent may cancel, and only
// before any usage was recorded.
func (l *Ledger) Cancel(ctx context.Context, caller, sessionID string) (*Session, error) {
	ctx, span := traces.StartSpan(ctx, "session.Cancel",
		traces.SessionID(sessionID), traces.Caller(caller))
	defer span.End()

	unlock, err := l.locks.LockContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := l.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if caller != s.Agent {
		return nil, ErrUnauthorized
	}
	if err := requireActive(s.State); err != nil {
		return nil, err
	}
	if s.Used != 0 {
		return nil, ErrCannotCancelWithUsage
	}

	s.State = StateCancelled
	if err := l.store.Update(ctx, s); err != nil {
		return nil, err
	}

	metrics.CancellationsTotal.Inc()
	l.notify("session.cancelled", s)
	return s, nil
}

// Get returns a session by ID.
func (l *Ledger) Get(ctx context.Context, id string) (*Session, error) {
	return l.store.Get(ctx, id)
}

// ListByAgent returns an agent's sessions, newest first.
func (l *Ledger) ListByAgent(ctx context.Context, agent string, limit int, opts ...ListOption) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListByAgent(ctx, agent, limit, opts...)
}

// List returns sessions across all agents, newest first.
func (l *Ledger) List(ctx context.Context, limit int, opts ...ListOption) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.List(ctx, limit, opts...)
}

// requireActive is the single exhaustive gate for mutating operations.
// Unknown states are rejected, never treated as a silent default.
func requireActive(st State) error {
	switch st {
	case StateActive:
		return nil
	case StateNone, StateSettled, StateCancelled, StateExpired:
		return ErrSessionNotActive
	default:
		return fmt.Errorf("%w: %q", ErrUnknownState, st)
	}
}

func (l *Ledger) meterFail(err error, reason string) error {
	metrics.MeteringFailuresTotal.WithLabelValues(reason).Inc()
	return err
}

func (l *Ledger) notify(event string, s *Session) {
	if l.notifier != nil {
		l.notifier.Notify(event, s)
	}
}
