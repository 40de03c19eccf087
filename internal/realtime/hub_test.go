package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventSessionOpened, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventSessionSettled, EventRecordEmitted},
	}}

	settled := &Event{Type: EventSessionSettled}
	emitted := &Event{Type: EventRecordEmitted}
	opened := &Event{Type: EventSessionOpened}

	if !h.shouldSend(client, settled) {
		t.Error("Should receive session.settled events")
	}
	if !h.shouldSend(client, emitted) {
		t.Error("Should receive settlement.emitted events")
	}
	if h.shouldSend(client, opened) {
		t.Error("Should NOT receive session.opened events")
	}
}

func TestShouldSend_GatewayFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		GatewaySlugs: []string{"weather-api"},
	}}

	matching := &Event{
		Type: EventSessionOpened,
		Data: map[string]any{"gatewaySlug": "weather-api"},
	}
	notMatching := &Event{
		Type: EventSessionOpened,
		Data: map[string]any{"gatewaySlug": "vision-api"},
	}
	matchingSlug := &Event{
		Type: EventGatewayRegistered,
		Data: map[string]any{"slug": "weather-api"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on gatewaySlug")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other gateways")
	}
	if !h.shouldSend(client, matchingSlug) {
		t.Error("Should match on slug for gateway events")
	}
}

func TestShouldSend_AgentFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Agents: []string{"idn_watcher"},
	}}

	asAgent := &Event{
		Type: EventSessionOpened,
		Data: map[string]any{"agent": "idn_watcher", "provider": "idn_other"},
	}
	asProvider := &Event{
		Type: EventSessionSettled,
		Data: map[string]any{"agent": "idn_other", "provider": "idn_watcher"},
	}
	unrelated := &Event{
		Type: EventSessionOpened,
		Data: map[string]any{"agent": "idn_a", "provider": "idn_b"},
	}

	if !h.shouldSend(client, asAgent) {
		t.Error("Should match on agent identity")
	}
	if !h.shouldSend(client, asProvider) {
		t.Error("Should match on provider identity")
	}
	if h.shouldSend(client, unrelated) {
		t.Error("Should NOT match unrelated identities")
	}
}

func TestShouldSend_CombinedFilters(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes:   []EventType{EventSessionSettled},
		GatewaySlugs: []string{"weather-api"},
	}}

	both := &Event{
		Type: EventSessionSettled,
		Data: map[string]any{"gatewaySlug": "weather-api"},
	}
	wrongType := &Event{
		Type: EventSessionOpened,
		Data: map[string]any{"gatewaySlug": "weather-api"},
	}
	wrongGateway := &Event{
		Type: EventSessionSettled,
		Data: map[string]any{"gatewaySlug": "vision-api"},
	}

	if !h.shouldSend(client, both) {
		t.Error("Should match when every filter matches")
	}
	if h.shouldSend(client, wrongType) {
		t.Error("Should NOT match on wrong event type")
	}
	if h.shouldSend(client, wrongGateway) {
		t.Error("Should NOT match on wrong gateway")
	}
}

// ---------------------------------------------------------------------------
// hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_RegisterBroadcastUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 4),
		sub:  Subscription{AllEvents: true},
	}
	h.register <- client

	h.Broadcast(&Event{Type: EventSessionOpened, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected serialized event bytes")
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for broadcast")
	}

	h.unregister <- client

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("Expected send channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for unregister")
	}
}

func TestHub_NotifyFlattensPayload(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 4),
		sub:  Subscription{GatewaySlugs: []string{"weather-api"}},
	}
	h.register <- client

	type payload struct {
		GatewaySlug string `json:"gatewaySlug"`
		Agent       string `json:"agent"`
	}
	h.Notify("session.opened", payload{GatewaySlug: "weather-api", Agent: "idn_a"})

	select {
	case <-client.send:
	case <-time.After(time.Second):
		t.Fatal("Expected notify payload to pass the gateway filter")
	}
}

func TestHub_Stats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 1), sub: Subscription{AllEvents: true}}
	h.register <- client

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.Stats()["connectedClients"].(int) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Expected 1 connected client, stats: %v", h.Stats())
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 1), sub: Subscription{AllEvents: true}}
	h.register <- client

	cancel()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("Expected send channel closed on shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for shutdown close")
	}
}
