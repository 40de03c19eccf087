//go:build integration

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/metergate/metergate/internal/gateway"
	"github.com/metergate/metergate/internal/testutil"
)

func seedGateway(t *testing.T, store *gateway.PostgresStore, slug string) {
	t.Helper()
	err := store.Create(context.Background(), &gateway.Gateway{
		Slug:               slug,
		Provider:           "idn_provider",
		ProviderEVMAddress: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		PricePerRequest:    100,
		IsActive:           true,
		CreatedAt:          time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed gateway: %v", err)
	}
}

func testSession(id, gatewaySlug string, nonce int64) *Session {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Session{
		ID:               id,
		Agent:            "idn_agent",
		AgentEVMAddress:  common.HexToAddress("0x1111111111111111111111111111111111111111"),
		GatewaySlug:      gatewaySlug,
		Provider:         "idn_provider",
		EstimatedDeposit: 1000,
		Used:             0,
		Nonce:            nonce,
		ExpiresAt:        now.Add(time.Hour),
		State:            StateActive,
		CreatedAt:        now,
	}
}

func TestPostgres_SessionRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	gwStore := gateway.NewPostgresStore(db)
	seedGateway(t, gwStore, "weather-api")

	store := NewPostgresStore(db)
	ctx := context.Background()

	s := testSession(DeriveID("idn_agent", "weather-api", 1), "weather-api", 1)
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Agent != s.Agent {
		t.Errorf("Expected agent %q, got %q", s.Agent, got.Agent)
	}
	if got.EstimatedDeposit != 1000 {
		t.Errorf("Expected deposit 1000, got %d", got.EstimatedDeposit)
	}
	if got.State != StateActive {
		t.Errorf("Expected active state, got %q", got.State)
	}
	if got.Nonce != 1 {
		t.Errorf("Expected nonce 1, got %d", got.Nonce)
	}
}

func TestPostgres_SessionNonceReuse(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	gwStore := gateway.NewPostgresStore(db)
	seedGateway(t, gwStore, "weather-api")

	store := NewPostgresStore(db)
	ctx := context.Background()

	id := DeriveID("idn_agent", "weather-api", 7)
	if err := store.Create(ctx, testSession(id, "weather-api", 7)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, testSession(id, "weather-api", 7)); !errors.Is(err, ErrSessionExists) {
		t.Errorf("Expected ErrSessionExists, got %v", err)
	}
}

func TestPostgres_SessionUpdate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	gwStore := gateway.NewPostgresStore(db)
	seedGateway(t, gwStore, "weather-api")

	store := NewPostgresStore(db)
	ctx := context.Background()

	s := testSession(DeriveID("idn_agent", "weather-api", 2), "weather-api", 2)
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	s.Used = 300
	s.UsageCount = 3
	s.State = StateSettled
	if err := store.Update(ctx, s); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Used != 300 {
		t.Errorf("Expected used 300, got %d", got.Used)
	}
	if got.UsageCount != 3 {
		t.Errorf("Expected usage count 3, got %d", got.UsageCount)
	}
	if got.State != StateSettled {
		t.Errorf("Expected settled state, got %q", got.State)
	}
}

func TestPostgres_SessionListByAgent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	gwStore := gateway.NewPostgresStore(db)
	seedGateway(t, gwStore, "weather-api")

	store := NewPostgresStore(db)
	ctx := context.Background()

	for nonce := int64(1); nonce <= 3; nonce++ {
		s := testSession(DeriveID("idn_agent", "weather-api", nonce), "weather-api", nonce)
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	other := testSession(DeriveID("idn_other", "weather-api", 1), "weather-api", 1)
	other.Agent = "idn_other"
	if err := store.Create(ctx, other); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sessions, err := store.ListByAgent(ctx, "idn_agent", 10)
	if err != nil {
		t.Fatalf("ListByAgent failed: %v", err)
	}
	if len(sessions) != 3 {
		t.Errorf("Expected 3 sessions, got %d", len(sessions))
	}

	all, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("Expected 4 sessions, got %d", len(all))
	}
}

func TestPostgres_CreateAndCount(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	gwStore := gateway.NewPostgresStore(db)
	seedGateway(t, gwStore, "weather-api")

	store := NewPostgresStore(db)
	ctx := context.Background()

	s := testSession(DeriveID("idn_agent", "weather-api", 1), "weather-api", 1)
	if err := store.CreateAndCount(ctx, s); err != nil {
		t.Fatalf("CreateAndCount failed: %v", err)
	}

	gw, err := gwStore.Get(ctx, "weather-api")
	if err != nil {
		t.Fatalf("Gateway lookup failed: %v", err)
	}
	if gw.TotalSessions != 1 {
		t.Errorf("Expected session counter 1, got %d", gw.TotalSessions)
	}

	// A duplicate insert rolls back, so the counter does not move.
	if err := store.CreateAndCount(ctx, s); !errors.Is(err, ErrSessionExists) {
		t.Errorf("Expected ErrSessionExists, got %v", err)
	}
	gw, _ = gwStore.Get(ctx, "weather-api")
	if gw.TotalSessions != 1 {
		t.Errorf("Expected session counter unchanged at 1, got %d", gw.TotalSessions)
	}
}

func TestPostgres_AddUsage(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	gwStore := gateway.NewPostgresStore(db)
	seedGateway(t, gwStore, "weather-api")

	store := NewPostgresStore(db)
	ctx := context.Background()

	s := testSession(DeriveID("idn_agent", "weather-api", 1), "weather-api", 1)
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.AddUsage(ctx, s.ID, 300)
	if err != nil {
		t.Fatalf("AddUsage failed: %v", err)
	}
	if got.Used != 300 || got.UsageCount != 1 {
		t.Errorf("Expected used=300 count=1, got used=%d count=%d", got.Used, got.UsageCount)
	}

	gw, _ := gwStore.Get(ctx, "weather-api")
	if gw.TotalVolume != 300 {
		t.Errorf("Expected gateway volume 300, got %d", gw.TotalVolume)
	}

	// Past the deposit cap the conditional update matches nothing and
	// neither row moves.
	if _, err := store.AddUsage(ctx, s.ID, 800); !errors.Is(err, ErrUsageExceedsDeposit) {
		t.Errorf("Expected ErrUsageExceedsDeposit, got %v", err)
	}
	cur, _ := store.Get(ctx, s.ID)
	if cur.Used != 300 || cur.UsageCount != 1 {
		t.Errorf("Expected no partial effect, got used=%d count=%d", cur.Used, cur.UsageCount)
	}
	gw, _ = gwStore.Get(ctx, "weather-api")
	if gw.TotalVolume != 300 {
		t.Errorf("Expected gateway volume unchanged at 300, got %d", gw.TotalVolume)
	}

	// A settled session rejects further usage.
	cur.State = StateSettled
	if err := store.Update(ctx, cur); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := store.AddUsage(ctx, s.ID, 10); !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("Expected ErrSessionNotActive, got %v", err)
	}
}

func TestPostgres_SessionGetMissing(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	if _, err := store.Get(context.Background(), "ses_missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}
