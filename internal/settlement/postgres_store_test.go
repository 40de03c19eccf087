//go:build integration

package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/metergate/metergate/internal/gateway"
	"github.com/metergate/metergate/internal/session"
	"github.com/metergate/metergate/internal/testutil"
)

// seedSettledSession creates the gateway and session rows the settlements
// foreign key needs, and returns the session id.
func seedSettledSession(t *testing.T, ctx context.Context, gwStore *gateway.PostgresStore, sessStore *session.PostgresStore, slug string, nonce int64) string {
	t.Helper()

	now := time.Now().UTC().Truncate(time.Microsecond)
	if _, err := gwStore.Get(ctx, slug); err != nil {
		err := gwStore.Create(ctx, &gateway.Gateway{
			Slug:               slug,
			Provider:           "idn_provider",
			ProviderEVMAddress: common.HexToAddress("0x2222222222222222222222222222222222222222"),
			PricePerRequest:    100,
			IsActive:           true,
			CreatedAt:          now,
		})
		if err != nil {
			t.Fatalf("seed gateway: %v", err)
		}
	}

	id := session.DeriveID("idn_agent", slug, nonce)
	err := sessStore.Create(ctx, &session.Session{
		ID:               id,
		Agent:            "idn_agent",
		AgentEVMAddress:  common.HexToAddress("0x1111111111111111111111111111111111111111"),
		GatewaySlug:      slug,
		Provider:         "idn_provider",
		EstimatedDeposit: 1000,
		Used:             300,
		Nonce:            nonce,
		ExpiresAt:        now.Add(time.Hour),
		State:            session.StateSettled,
		UsageCount:       1,
		CreatedAt:        now,
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return id
}

func testRecord(id, sessionID string) *Record {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Record{
		ID:                 id,
		SessionID:          sessionID,
		AgentEVMAddress:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
		ProviderEVMAddress: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		UsedAmount:         300,
		Timestamp:          now,
		PayloadHash:        "abc",
		Signature:          "def",
		CreatedAt:          now,
	}
}

func TestPostgres_RecordRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	gwStore := gateway.NewPostgresStore(db)
	sessStore := session.NewPostgresStore(db)
	store := NewPostgresStore(db)

	sessionID := seedSettledSession(t, ctx, gwStore, sessStore, "weather-api", 1)

	r := testRecord("set_one", sessionID)
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "set_one")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.SessionID != sessionID {
		t.Errorf("Expected session %q, got %q", sessionID, got.SessionID)
	}
	if got.UsedAmount != 300 {
		t.Errorf("Expected used amount 300, got %d", got.UsedAmount)
	}
	if got.Signature != "def" {
		t.Errorf("Expected signature preserved, got %q", got.Signature)
	}

	bySession, err := store.GetBySession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetBySession failed: %v", err)
	}
	if bySession.ID != "set_one" {
		t.Errorf("Expected record set_one, got %q", bySession.ID)
	}
}

func TestPostgres_RecordOnePerSession(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	gwStore := gateway.NewPostgresStore(db)
	sessStore := session.NewPostgresStore(db)
	store := NewPostgresStore(db)

	sessionID := seedSettledSession(t, ctx, gwStore, sessStore, "weather-api", 2)

	if err := store.Create(ctx, testRecord("set_a", sessionID)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, testRecord("set_b", sessionID)); !errors.Is(err, ErrRecordExists) {
		t.Errorf("Expected ErrRecordExists, got %v", err)
	}
}

func TestPostgres_RecordMissing(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if _, err := store.Get(ctx, "set_missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
	if _, err := store.GetBySession(ctx, "ses_missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
}

func TestPostgres_Subscriptions(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewSubscriptionPostgresStore(db)
	ctx := context.Background()

	sub := &Subscription{
		ID:        "sub_one",
		Owner:     "idn_provider",
		URL:       "https://relay.example.com/hook",
		Secret:    "hmac-secret",
		Active:    true,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "sub_one")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != sub.URL {
		t.Errorf("Expected url %q, got %q", sub.URL, got.URL)
	}
	if got.Secret != "hmac-secret" {
		t.Errorf("Expected secret preserved, got %q", got.Secret)
	}

	// Delivery bookkeeping round-trips
	now := time.Now().UTC().Truncate(time.Microsecond)
	got.LastSuccess = &now
	got.LastError = "timeout"
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, err = store.Get(ctx, "sub_one")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.LastSuccess == nil || !got.LastSuccess.Equal(now) {
		t.Errorf("Expected last success %v, got %v", now, got.LastSuccess)
	}
	if got.LastError != "timeout" {
		t.Errorf("Expected last error preserved, got %q", got.LastError)
	}

	// Inactive subscriptions drop out of ListActive
	got.Active = false
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("Expected no active subscriptions, got %d", len(active))
	}

	byOwner, err := store.ListByOwner(ctx, "idn_provider")
	if err != nil {
		t.Fatalf("ListByOwner failed: %v", err)
	}
	if len(byOwner) != 1 {
		t.Errorf("Expected 1 subscription, got %d", len(byOwner))
	}

	if err := store.Delete(ctx, "sub_one"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "sub_one"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}
}
