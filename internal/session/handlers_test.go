package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/metergate/metergate/internal/auth"
	"github.com/metergate/metergate/internal/gateway"
)

func setupTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gwStore := gateway.NewMemoryStore()
	reg := gateway.NewRegistry(gwStore)
	if _, err := reg.Register(context.Background(), "idn_provider", gateway.RegisterRequest{
		Slug:               "weather-api",
		PricePerRequest:    100,
		ProviderEVMAddress: providerAddr,
	}); err != nil {
		t.Fatalf("Register gateway failed: %v", err)
	}

	handler := NewHandler(NewLedger(NewMemoryStore(), gwStore))

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	// Test stand-in for the auth middleware.
	authGroup := v1.Group("")
	authGroup.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Identity"); id != "" {
			c.Set(auth.ContextKeyIdentity, id)
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(authGroup)

	return r
}

func doJSON(router *gin.Engine, method, path, identity string, payload any) *httptest.ResponseRecorder {
	var body *bytes.Reader
	if payload != nil {
		b, _ := json.Marshal(payload)
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if identity != "" {
		req.Header.Set("X-Identity", identity)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type sessionResp struct {
	Session struct {
		ID         string `json:"id"`
		State      string `json:"state"`
		Used       uint64 `json:"used"`
		UsageCount uint32 `json:"usageCount"`
	} `json:"session"`
}

func openViaHTTP(t *testing.T, router *gin.Engine, nonce int64) sessionResp {
	t.Helper()

	w := doJSON(router, "POST", "/v1/sessions", "idn_agent", OpenRequest{
		GatewaySlug:      "weather-api",
		EstimatedDeposit: 1000,
		DurationSeconds:  3600,
		Nonce:            nonce,
		AgentEVMAddress:  agentAddr,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp sessionResp
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	return resp
}

func TestHandler_SessionLifecycle(t *testing.T) {
	router := setupTestRouter(t)

	resp := openViaHTTP(t, router, 1)
	if resp.Session.State != "active" {
		t.Errorf("Expected state active, got %s", resp.Session.State)
	}

	// Provider records usage.
	w := doJSON(router, "POST", "/v1/sessions/"+resp.Session.ID+"/usage", "idn_provider", UsageRequest{Amount: 300})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var used sessionResp
	if err := json.Unmarshal(w.Body.Bytes(), &used); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if used.Session.Used != 300 || used.Session.UsageCount != 1 {
		t.Errorf("Expected used=300 count=1, got used=%d count=%d", used.Session.Used, used.Session.UsageCount)
	}

	// Over-deposit usage conflicts.
	w = doJSON(router, "POST", "/v1/sessions/"+resp.Session.ID+"/usage", "idn_provider", UsageRequest{Amount: 800})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}

	// Agent settles.
	w = doJSON(router, "POST", "/v1/sessions/"+resp.Session.ID+"/settle", "idn_agent", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var settled sessionResp
	if err := json.Unmarshal(w.Body.Bytes(), &settled); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if settled.Session.State != "settled" {
		t.Errorf("Expected state settled, got %s", settled.Session.State)
	}

	// Second settle conflicts.
	w = doJSON(router, "POST", "/v1/sessions/"+resp.Session.ID+"/settle", "idn_agent", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_CancelFlow(t *testing.T) {
	router := setupTestRouter(t)

	resp := openViaHTTP(t, router, 5)

	w := doJSON(router, "POST", "/v1/sessions/"+resp.Session.ID+"/cancel", "idn_agent", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(router, "POST", "/v1/sessions/"+resp.Session.ID+"/cancel", "idn_agent", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 on second cancel, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_UsageByWrongCaller(t *testing.T) {
	router := setupTestRouter(t)

	resp := openViaHTTP(t, router, 1)

	w := doJSON(router, "POST", "/v1/sessions/"+resp.Session.ID+"/usage", "idn_agent", UsageRequest{Amount: 10})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_OpenValidation(t *testing.T) {
	router := setupTestRouter(t)

	// Zero deposit.
	w := doJSON(router, "POST", "/v1/sessions", "idn_agent", OpenRequest{
		GatewaySlug: "weather-api", EstimatedDeposit: 0, DurationSeconds: 60, AgentEVMAddress: agentAddr,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}

	// Bad EVM address.
	w = doJSON(router, "POST", "/v1/sessions", "idn_agent", OpenRequest{
		GatewaySlug: "weather-api", EstimatedDeposit: 100, DurationSeconds: 60, AgentEVMAddress: "nope",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}

	// Unknown gateway.
	w = doJSON(router, "POST", "/v1/sessions", "idn_agent", OpenRequest{
		GatewaySlug: "missing", EstimatedDeposit: 100, DurationSeconds: 60, AgentEVMAddress: agentAddr,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_NonceReuseConflicts(t *testing.T) {
	router := setupTestRouter(t)

	openViaHTTP(t, router, 9)

	w := doJSON(router, "POST", "/v1/sessions", "idn_agent", OpenRequest{
		GatewaySlug: "weather-api", EstimatedDeposit: 1000, DurationSeconds: 3600,
		Nonce: 9, AgentEVMAddress: agentAddr,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_ListSessions(t *testing.T) {
	router := setupTestRouter(t)

	openViaHTTP(t, router, 1)
	openViaHTTP(t, router, 2)

	w := doJSON(router, "GET", "/v1/sessions", "idn_agent", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("Expected 2 sessions, got %d", resp.Count)
	}

	// Another identity sees none of them.
	w = doJSON(router, "GET", "/v1/sessions", "idn_other", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp.Count != 0 {
		t.Errorf("Expected 0 sessions for idn_other, got %d", resp.Count)
	}
}

func TestHandler_ListSessionsPagination(t *testing.T) {
	router := setupTestRouter(t)

	for nonce := int64(1); nonce <= 3; nonce++ {
		openViaHTTP(t, router, nonce)
	}

	type listResp struct {
		Sessions   []Session `json:"sessions"`
		Count      int       `json:"count"`
		NextCursor string    `json:"nextCursor"`
		HasMore    bool      `json:"hasMore"`
	}

	w := doJSON(router, "GET", "/v1/sessions?limit=2", "idn_agent", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var first listResp
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if first.Count != 2 || !first.HasMore || first.NextCursor == "" {
		t.Fatalf("Expected full first page with cursor, got %+v", first)
	}

	w = doJSON(router, "GET", "/v1/sessions?limit=2&cursor="+first.NextCursor, "idn_agent", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var second listResp
	if err := json.Unmarshal(w.Body.Bytes(), &second); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if second.Count != 1 || second.HasMore || second.NextCursor != "" {
		t.Fatalf("Expected final page of 1, got %+v", second)
	}

	// No overlap between pages.
	seen := map[string]bool{}
	for _, s := range append(first.Sessions, second.Sessions...) {
		if seen[s.ID] {
			t.Errorf("Session %s returned on both pages", s.ID)
		}
		seen[s.ID] = true
	}
}

func TestHandler_GetMissingSession(t *testing.T) {
	router := setupTestRouter(t)

	w := doJSON(router, "GET", "/v1/sessions/ses_missing", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}
}
