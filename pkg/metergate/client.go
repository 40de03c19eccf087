package metergate

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

// Client talks to a metergate server. The zero value is not usable;
// construct with NewClient.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a client for the given server. apiKey may be empty
// for read-only use of the public endpoints; issue one with NewIdentity.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpClient = h
	return c
}

// NewIdentity issues a fresh identity and API key. The key is returned
// exactly once.
func (c *Client) NewIdentity(ctx context.Context, name string) (*Identity, error) {
	var out Identity
	body := map[string]string{"name": name}
	if err := c.do(ctx, "POST", "/v1/identities", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterGateway registers a gateway owned by the caller.
func (c *Client) RegisterGateway(ctx context.Context, req RegisterGatewayRequest) (*Gateway, error) {
	var out struct {
		Gateway Gateway `json:"gateway"`
	}
	if err := c.do(ctx, "POST", "/v1/gateways", nil, req, &out); err != nil {
		return nil, err
	}
	return &out.Gateway, nil
}

// Gateway fetches one gateway by slug.
func (c *Client) Gateway(ctx context.Context, slug string) (*Gateway, error) {
	var out struct {
		Gateway Gateway `json:"gateway"`
	}
	if err := c.do(ctx, "GET", "/v1/gateways/"+url.PathEscape(slug), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Gateway, nil
}

// Gateways lists registered gateways, newest first.
func (c *Client) Gateways(ctx context.Context, limit int) ([]Gateway, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Gateways []Gateway `json:"gateways"`
	}
	if err := c.do(ctx, "GET", "/v1/gateways", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Gateways, nil
}

// UpdatePrice sets a gateway's per-request price. Provider only.
func (c *Client) UpdatePrice(ctx context.Context, slug string, newPrice uint64) (*Gateway, error) {
	var out struct {
		Gateway Gateway `json:"gateway"`
	}
	body := map[string]uint64{"pricePerRequest": newPrice}
	if err := c.do(ctx, "PUT", "/v1/gateways/"+url.PathEscape(slug)+"/price", nil, body, &out); err != nil {
		return nil, err
	}
	return &out.Gateway, nil
}

// DeactivateGateway blocks new sessions on a gateway. Provider only.
func (c *Client) DeactivateGateway(ctx context.Context, slug string) (*Gateway, error) {
	var out struct {
		Gateway Gateway `json:"gateway"`
	}
	if err := c.do(ctx, "DELETE", "/v1/gateways/"+url.PathEscape(slug), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Gateway, nil
}

// OpenSession opens a prepaid session against a gateway.
func (c *Client) OpenSession(ctx context.Context, req OpenSessionRequest) (*Session, error) {
	var out struct {
		Session Session `json:"session"`
	}
	if err := c.do(ctx, "POST", "/v1/sessions", nil, req, &out); err != nil {
		return nil, err
	}
	return &out.Session, nil
}

// Session fetches one session by ID.
func (c *Client) Session(ctx context.Context, id string) (*Session, error) {
	var out struct {
		Session Session `json:"session"`
	}
	if err := c.do(ctx, "GET", "/v1/sessions/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Session, nil
}

// Sessions lists the caller's sessions, newest first. Pass the previous
// page's NextCursor to continue; empty cursor starts from the top.
func (c *Client) Sessions(ctx context.Context, limit int, cursor string) (*SessionPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out SessionPage
	if err := c.do(ctx, "GET", "/v1/sessions", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordUsage adds metered usage to a session. Provider only.
func (c *Client) RecordUsage(ctx context.Context, sessionID string, amount uint64) (*Session, error) {
	var out struct {
		Session Session `json:"session"`
	}
	body := map[string]uint64{"amount": amount}
	if err := c.do(ctx, "POST", "/v1/sessions/"+url.PathEscape(sessionID)+"/usage", nil, body, &out); err != nil {
		return nil, err
	}
	return &out.Session, nil
}

// SettleSession closes a session and triggers settlement record emission.
func (c *Client) SettleSession(ctx context.Context, sessionID string) (*Session, error) {
	var out struct {
		Session Session `json:"session"`
	}
	if err := c.do(ctx, "POST", "/v1/sessions/"+url.PathEscape(sessionID)+"/settle", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Session, nil
}

// CancelSession voids an unused session. Agent only.
func (c *Client) CancelSession(ctx context.Context, sessionID string) (*Session, error) {
	var out struct {
		Session Session `json:"session"`
	}
	if err := c.do(ctx, "POST", "/v1/sessions/"+url.PathEscape(sessionID)+"/cancel", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Session, nil
}

// Settlement fetches a settlement record by ID.
func (c *Client) Settlement(ctx context.Context, id string) (*SettlementRecord, error) {
	var out struct {
		Record SettlementRecord `json:"record"`
	}
	if err := c.do(ctx, "GET", "/v1/settlements/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Record, nil
}

// SettlementBySession fetches the settlement record for a settled session.
func (c *Client) SettlementBySession(ctx context.Context, sessionID string) (*SettlementRecord, error) {
	q := url.Values{}
	q.Set("session", sessionID)
	var out struct {
		Records []SettlementRecord `json:"records"`
	}
	if err := c.do(ctx, "GET", "/v1/settlements", q, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Records) == 0 {
		return nil, &APIError{Status: http.StatusNotFound, Code: "not_found", Message: "no settlement record for session"}
	}
	return &out.Records[0], nil
}

// VerifySettlement checks a record's signature server-side.
func (c *Client) VerifySettlement(ctx context.Context, recordID string) (*VerifyResult, error) {
	var out VerifyResult
	body := map[string]string{"recordId": recordID}
	if err := c.do(ctx, "POST", "/v1/settlements/verify", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubscribeRelay registers a relay endpoint that receives settlement
// records as they are emitted. secret, if set, is used to HMAC-sign
// deliveries (X-Relay-Signature header).
func (c *Client) SubscribeRelay(ctx context.Context, endpoint, secret string) (*Subscription, error) {
	var out struct {
		Subscription Subscription `json:"subscription"`
	}
	body := map[string]string{"url": endpoint, "secret": secret}
	if err := c.do(ctx, "POST", "/v1/relay/subscriptions", nil, body, &out); err != nil {
		return nil, err
	}
	return &out.Subscription, nil
}

// RelaySubscriptions lists the caller's relay subscriptions.
func (c *Client) RelaySubscriptions(ctx context.Context) ([]Subscription, error) {
	var out struct {
		Subscriptions []Subscription `json:"subscriptions"`
	}
	if err := c.do(ctx, "GET", "/v1/relay/subscriptions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Subscriptions, nil
}

// UnsubscribeRelay removes a relay subscription owned by the caller.
func (c *Client) UnsubscribeRelay(ctx context.Context, id string) error {
	return c.do(ctx, "DELETE", "/v1/relay/subscriptions/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("metergate: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("metergate: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("metergate: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("metergate: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("metergate: decode response: %w", err)
	}
	return nil
}
