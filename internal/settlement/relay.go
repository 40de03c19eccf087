package settlement

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/metergate/metergate/internal/circuitbreaker"
	"github.com/metergate/metergate/internal/idgen"
	"github.com/metergate/metergate/internal/metrics"
	"github.com/metergate/metergate/internal/retry"
	"github.com/metergate/metergate/internal/syncutil"
)

// Dispatcher relays emitted settlement records to registered
// subscriptions. Delivery is best-effort: each send runs on its own
// goroutine, transient failures are retried with backoff, and endpoints
// that keep failing are circuit-broken until they recover.
type Dispatcher struct {
	subs    SubscriptionStore
	client  *http.Client
	breaker *circuitbreaker.Breaker
	locks   syncutil.ShardedMutex
	logger  *slog.Logger
}

// NewDispatcher creates a relay dispatcher.
func NewDispatcher(subs SubscriptionStore, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &Dispatcher{
		subs:    subs,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
	d.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		d.logger.Warn("relay circuit state change",
			"subscription", key, "from", from.String(), "to", to.String())
	})
	return d
}

// Subscribe registers a relay endpoint for the caller identity.
func (d *Dispatcher) Subscribe(ctx context.Context, owner string, req SubscribeRequest) (*Subscription, error) {
	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		Owner:     owner,
		URL:       req.URL,
		Secret:    req.Secret,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := d.subs.Create(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe removes a subscription owned by the caller.
func (d *Dispatcher) Unsubscribe(ctx context.Context, owner, id string) error {
	sub, err := d.subs.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub.Owner != owner {
		return ErrNotSubscriptionOwner
	}
	return d.subs.Delete(ctx, id)
}

// Subscriptions lists the caller's subscriptions.
func (d *Dispatcher) Subscriptions(ctx context.Context, owner string) ([]*Subscription, error) {
	return d.subs.ListByOwner(ctx, owner)
}

// Dispatch sends a record to every active subscription, async.
func (d *Dispatcher) Dispatch(ctx context.Context, r *Record) {
	subs, err := d.subs.ListActive(ctx)
	if err != nil {
		d.logger.Warn("relay subscription lookup failed", "record", r.ID, "error", err)
		return
	}

	for _, sub := range subs {
		if !d.breaker.Allow(sub.ID) {
			metrics.RelayDeliveriesTotal.WithLabelValues("skipped").Inc()
			continue
		}
		go d.send(sub, r)
	}
}

// send delivers one record to one subscription. Transient failures
// (network errors, 5xx) are retried up to three times; 4xx responses
// are not.
func (d *Dispatcher) send(sub *Subscription, r *Record) {
	// Deliveries to the same subscription serialize so the breaker and
	// last-success bookkeeping never interleave.
	unlock := d.locks.Lock(sub.ID)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*d.client.Timeout)
	defer cancel()

	payload, err := json.Marshal(r)
	if err != nil {
		d.updateError(sub, "failed to marshal record")
		return
	}

	err = retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		return d.post(ctx, sub, r, payload)
	})
	if err != nil {
		d.breaker.RecordFailure(sub.ID)
		d.updateError(sub, err.Error())
		return
	}
	d.breaker.RecordSuccess(sub.ID)
	d.updateSuccess(sub)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, r *Record, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Relay-Record", r.ID)
	req.Header.Set("X-Relay-Timestamp", fmt.Sprintf("%d", r.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Relay-Signature", signPayload(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func signPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// bookkeepingContext is fresh on every use: the delivery deadline has
// often already passed when an error needs recording, and the write
// must not inherit it.
func bookkeepingContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (d *Dispatcher) updateSuccess(sub *Subscription) {
	metrics.RelayDeliveriesTotal.WithLabelValues("success").Inc()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""

	ctx, cancel := bookkeepingContext()
	defer cancel()
	if err := d.subs.Update(ctx, sub); err != nil {
		d.logger.Warn("relay subscription update failed", "subscription", sub.ID, "error", err)
	}
}

func (d *Dispatcher) updateError(sub *Subscription, errMsg string) {
	metrics.RelayDeliveriesTotal.WithLabelValues("error").Inc()
	sub.LastError = errMsg

	ctx, cancel := bookkeepingContext()
	defer cancel()
	if err := d.subs.Update(ctx, sub); err != nil {
		d.logger.Warn("relay subscription update failed", "subscription", sub.ID, "error", err)
	}
}
