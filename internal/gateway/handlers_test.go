package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/metergate/metergate/internal/auth"
)

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(NewRegistry(NewMemoryStore()))

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

func registerTestGateway(t *testing.T, router *gin.Engine, identity, slug string, price uint64) {
	t.Helper()

	body, _ := json.Marshal(RegisterRequest{
		Slug:               slug,
		PricePerRequest:    price,
		ProviderEVMAddress: testAddr,
	})
	req := httptest.NewRequest("POST", "/v1/gateways", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Identity", identity)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_RegisterAndGetGateway(t *testing.T) {
	router := setupTestRouter()

	registerTestGateway(t, router, "idn_prov", "weather-api", 5)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/gateways/weather-api", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Gateway struct {
			Slug            string `json:"slug"`
			Provider        string `json:"provider"`
			PricePerRequest uint64 `json:"pricePerRequest"`
			IsActive        bool   `json:"isActive"`
		} `json:"gateway"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp.Gateway.Slug != "weather-api" {
		t.Errorf("Expected slug weather-api, got %s", resp.Gateway.Slug)
	}
	if resp.Gateway.Provider != "idn_prov" {
		t.Errorf("Expected provider idn_prov, got %s", resp.Gateway.Provider)
	}
	if resp.Gateway.PricePerRequest != 5 {
		t.Errorf("Expected price 5, got %d", resp.Gateway.PricePerRequest)
	}
	if !resp.Gateway.IsActive {
		t.Error("Expected gateway to be active")
	}
}

func TestHandler_RegisterDuplicateSlug(t *testing.T) {
	router := setupTestRouter()

	registerTestGateway(t, router, "idn_a", "translate", 3)

	body, _ := json.Marshal(RegisterRequest{
		Slug:               "translate",
		PricePerRequest:    3,
		ProviderEVMAddress: testAddr,
	})
	req := httptest.NewRequest("POST", "/v1/gateways", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Identity", "idn_b")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_RegisterInvalidAddress(t *testing.T) {
	router := setupTestRouter()

	body, _ := json.Marshal(RegisterRequest{
		Slug:               "bad-addr",
		PricePerRequest:    1,
		ProviderEVMAddress: "not-an-address",
	})
	req := httptest.NewRequest("POST", "/v1/gateways", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Identity", "idn_p")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_UpdatePrice(t *testing.T) {
	router := setupTestRouter()

	registerTestGateway(t, router, "idn_owner", "vision", 10)

	body, _ := json.Marshal(UpdatePriceRequest{PricePerRequest: 25})
	req := httptest.NewRequest("PUT", "/v1/gateways/vision/price", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Identity", "idn_owner")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Non-owner gets 403.
	req = httptest.NewRequest("PUT", "/v1/gateways/vision/price", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Identity", "idn_intruder")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_Deactivate(t *testing.T) {
	router := setupTestRouter()

	registerTestGateway(t, router, "idn_owner", "speech", 2)

	req := httptest.NewRequest("DELETE", "/v1/gateways/speech", nil)
	req.Header.Set("X-Identity", "idn_owner")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Gateway struct {
			IsActive bool `json:"isActive"`
		} `json:"gateway"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp.Gateway.IsActive {
		t.Error("Expected gateway to be inactive")
	}
}

func TestHandler_ListGateways(t *testing.T) {
	router := setupTestRouter()

	registerTestGateway(t, router, "idn_p", "one", 1)
	registerTestGateway(t, router, "idn_p", "two", 2)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/gateways", nil)
	router.ServeHTTP(w, req)

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
		t.Errorf("Expected 2 gateways, got %d", resp.Count)
	}
}

func TestHandler_GetMissingGateway(t *testing.T) {
	router := setupTestRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/gateways/nope", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}
}
