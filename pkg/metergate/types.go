// Package metergate is the Go client for the metergate HTTP API.
// It covers the full metering lifecycle: register a gateway, open a
// session against it, record usage, then settle or cancel.
package metergate

import (
	"fmt"
	"time"
)

// Identity is the credential set returned when a new identity is issued.
// The APIKey is shown once; store it securely.
type Identity struct {
	Identity string `json:"identity"`
	APIKey   string `json:"apiKey"`
	KeyID    string `json:"keyId"`
}

// Gateway is a provider's registered API endpoint with per-request pricing.
type Gateway struct {
	Slug               string    `json:"slug"`
	Provider           string    `json:"provider"`
	ProviderEVMAddress string    `json:"providerEvmAddress"`
	PricePerRequest    uint64    `json:"pricePerRequest"`
	IsActive           bool      `json:"isActive"`
	TotalSessions      uint64    `json:"totalSessions"`
	TotalVolume        uint64    `json:"totalVolume"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Session is a prepaid metering window an agent holds against a gateway.
type Session struct {
	ID               string    `json:"id"`
	Agent            string    `json:"agent"`
	AgentEVMAddress  string    `json:"agentEvmAddress"`
	GatewaySlug      string    `json:"gatewaySlug"`
	Provider         string    `json:"provider"`
	EstimatedDeposit uint64    `json:"estimatedDeposit"`
	Used             uint64    `json:"used"`
	Nonce            int64     `json:"nonce"`
	ExpiresAt        time.Time `json:"expiresAt"`
	State            string    `json:"state"`
	UsageCount       uint32    `json:"usageCount"`
	CreatedAt        time.Time `json:"createdAt"`
}

// SessionPage is one page of a session listing.
type SessionPage struct {
	Sessions   []Session `json:"sessions"`
	Count      int       `json:"count"`
	NextCursor string    `json:"nextCursor"`
	HasMore    bool      `json:"hasMore"`
}

// SettlementRecord is the signed artifact emitted when a session settles.
type SettlementRecord struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"sessionId"`
	AgentEVMAddress    string    `json:"agentEvmAddress"`
	ProviderEVMAddress string    `json:"providerEvmAddress"`
	UsedAmount         uint64    `json:"usedAmount"`
	Timestamp          time.Time `json:"timestamp"`
	PayloadHash        string    `json:"payloadHash"`
	Signature          string    `json:"signature"`
	CreatedAt          time.Time `json:"createdAt"`
}

// VerifyResult reports whether a settlement record's signature checks out.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	RecordID string `json:"recordId"`
	Error    string `json:"error,omitempty"`
}

// Subscription is a registered relay endpoint for settlement records.
type Subscription struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	URL         string     `json:"url"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// RegisterGatewayRequest creates a gateway.
type RegisterGatewayRequest struct {
	Slug               string `json:"slug"`
	PricePerRequest    uint64 `json:"pricePerRequest"`
	ProviderEVMAddress string `json:"providerEvmAddress"`
}

// OpenSessionRequest opens a session against a gateway.
type OpenSessionRequest struct {
	GatewaySlug      string `json:"gatewaySlug"`
	EstimatedDeposit uint64 `json:"estimatedDeposit"`
	DurationSeconds  int64  `json:"durationSeconds"`
	Nonce            int64  `json:"nonce"`
	AgentEVMAddress  string `json:"agentEvmAddress"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("metergate: %s (status %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("metergate: %s: %s", e.Code, e.Message)
}
