package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *MetergateClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *MetergateClient) *Handlers {
	return &Handlers{client: client}
}

type gatewayView struct {
	Slug            string `json:"slug"`
	PricePerRequest uint64 `json:"pricePerRequest"`
	IsActive        bool   `json:"isActive"`
	TotalSessions   uint64 `json:"totalSessions"`
	TotalVolume     uint64 `json:"totalVolume"`
}

type sessionView struct {
	ID               string    `json:"id"`
	GatewaySlug      string    `json:"gatewaySlug"`
	EstimatedDeposit uint64    `json:"estimatedDeposit"`
	Used             uint64    `json:"used"`
	UsageCount       uint32    `json:"usageCount"`
	State            string    `json:"state"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// HandleListGateways lists registered gateways.
func (h *Handlers) HandleListGateways(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 50)

	raw, err := h.client.ListGateways(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list gateways: %v", err)), nil
	}

	var resp struct {
		Gateways []gatewayView `json:"gateways"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse gateways: %v", err)), nil
	}

	if len(resp.Gateways) == 0 {
		return mcp.NewToolResultText("No gateways registered."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d gateway(s):\n\n", len(resp.Gateways))
	for _, gw := range resp.Gateways {
		status := "active"
		if !gw.IsActive {
			status = "inactive"
		}
		fmt.Fprintf(&sb, "- %s (%s): %d units/request, %d sessions, %d total volume\n",
			gw.Slug, status, gw.PricePerRequest, gw.TotalSessions, gw.TotalVolume)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleOpenSession opens a metering session.
func (h *Handlers) HandleOpenSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slug := req.GetString("gateway_slug", "")
	if slug == "" {
		return mcp.NewToolResultError("gateway_slug is required"), nil
	}
	deposit := req.GetInt("estimated_deposit", 0)
	if deposit <= 0 {
		return mcp.NewToolResultError("estimated_deposit must be greater than 0"), nil
	}
	duration := req.GetInt("duration_seconds", 0)
	if duration <= 0 {
		return mcp.NewToolResultError("duration_seconds must be greater than 0"), nil
	}
	nonce := req.GetInt("nonce", 0)
	agentAddr := req.GetString("agent_evm_address", "")
	if agentAddr == "" {
		return mcp.NewToolResultError("agent_evm_address is required"), nil
	}

	raw, err := h.client.OpenSession(ctx, slug, uint64(deposit), int64(duration), int64(nonce), agentAddr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open session: %v", err)), nil
	}

	s, err := parseSession(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Session opened.\n\nSession ID: %s\nGateway: %s\nDeposit: %d units\nExpires: %s\n\n"+
			"Keep the session ID; you need it to settle or cancel.",
		s.ID, s.GatewaySlug, s.EstimatedDeposit, s.ExpiresAt.Format(time.RFC3339))), nil
}

// HandleRecordUsage records usage on a session.
func (h *Handlers) HandleRecordUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	amount := req.GetInt("amount", 0)
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be greater than 0"), nil
	}

	raw, err := h.client.RecordUsage(ctx, sessionID, uint64(amount))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to record usage: %v", err)), nil
	}

	s, err := parseSession(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Usage recorded.\n\nSession: %s\nUsed: %d / %d units (%d records)\nRemaining: %d units",
		s.ID, s.Used, s.EstimatedDeposit, s.UsageCount, s.EstimatedDeposit-s.Used)), nil
}

// HandleSettleSession settles a session and reports its record.
func (h *Handlers) HandleSettleSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.client.SettleSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to settle session: %v", err)), nil
	}

	s, err := parseSession(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Session settled.\n\nSession: %s\nFinal usage: %d units\n", s.ID, s.Used)

	// The record is emitted synchronously; fetch it for the caller.
	if recRaw, err := h.client.GetSettlementBySession(ctx, sessionID); err == nil {
		var recResp struct {
			Records []struct {
				ID        string `json:"id"`
				Signature string `json:"signature"`
			} `json:"records"`
		}
		if json.Unmarshal(recRaw, &recResp) == nil && len(recResp.Records) > 0 {
			fmt.Fprintf(&sb, "Settlement record: %s", recResp.Records[0].ID)
			if recResp.Records[0].Signature != "" {
				sb.WriteString(" (signed)")
			}
			sb.WriteString("\n")
		}
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetSession fetches a session's current state.
func (h *Handlers) HandleGetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.client.GetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get session: %v", err)), nil
	}

	s, err := parseSession(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Session %s\nGateway: %s\nState: %s\nUsed: %d / %d units (%d records)\nExpires: %s",
		s.ID, s.GatewaySlug, s.State, s.Used, s.EstimatedDeposit, s.UsageCount,
		s.ExpiresAt.Format(time.RFC3339))), nil
}

func parseSession(raw json.RawMessage) (*sessionView, error) {
	var resp struct {
		Session sessionView `json:"session"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Session.ID == "" {
		return nil, fmt.Errorf("response carried no session")
	}
	return &resp.Session, nil
}
