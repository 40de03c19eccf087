package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Metergate API.
type Config struct {
	APIURL string // base URL, e.g. "http://localhost:8080"
	APIKey string // API key, e.g. "mk_..."
}

// MetergateClient is a pure HTTP client for the Metergate API.
type MetergateClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewMetergateClient creates a new client for the Metergate API.
func NewMetergateClient(cfg Config) *MetergateClient {
	return &MetergateClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *MetergateClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListGateways fetches registered gateways.
func (c *MetergateClient) ListGateways(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/gateways", q, nil)
}

// OpenSession opens a metering session.
func (c *MetergateClient) OpenSession(ctx context.Context, gatewaySlug string, deposit uint64, durationSeconds, nonce int64, agentAddr string) (json.RawMessage, error) {
	body := map[string]any{
		"gatewaySlug":      gatewaySlug,
		"estimatedDeposit": deposit,
		"durationSeconds":  durationSeconds,
		"nonce":            nonce,
		"agentEvmAddress":  agentAddr,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/sessions", nil, body)
}

// RecordUsage records usage against a session.
func (c *MetergateClient) RecordUsage(ctx context.Context, sessionID string, amount uint64) (json.RawMessage, error) {
	body := map[string]any{"amount": amount}
	return c.doRequest(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/usage", nil, body)
}

// SettleSession settles a session.
func (c *MetergateClient) SettleSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/settle", nil, nil)
}

// GetSession fetches a session.
func (c *MetergateClient) GetSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/sessions/"+sessionID, nil, nil)
}

// GetSettlementBySession fetches the settlement record for a session.
func (c *MetergateClient) GetSettlementBySession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("session", sessionID)
	return c.doRequest(ctx, http.MethodGet, "/v1/settlements", q, nil)
}
