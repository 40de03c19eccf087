package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Metergate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListGateways = mcp.NewTool("list_gateways",
	mcp.WithDescription(
		"Browse the pay-per-call API gateways registered on Metergate. "+
			"Returns each gateway's slug, per-request price, active flag, and "+
			"lifetime counters. Use this to find a gateway before opening a session."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of gateways to return (default 50)")),
)

var ToolOpenSession = mcp.NewTool("open_session",
	mcp.WithDescription(
		"Open a prepaid metering session against a gateway. "+
			"You commit an estimated deposit (in usage units) and a time window; "+
			"the provider then meters your calls against that deposit. "+
			"Pick a nonce you have never used for this gateway."),
	mcp.WithString("gateway_slug",
		mcp.Required(),
		mcp.Description("Slug of the gateway to meter against (e.g. 'weather-api')")),
	mcp.WithNumber("estimated_deposit",
		mcp.Required(),
		mcp.Description("Maximum usage units this session may consume (must be > 0)")),
	mcp.WithNumber("duration_seconds",
		mcp.Required(),
		mcp.Description("Length of the metering window in seconds (must be > 0)")),
	mcp.WithNumber("nonce",
		mcp.Required(),
		mcp.Description("Caller-chosen number, unique per (you, gateway). Reuse is rejected.")),
	mcp.WithString("agent_evm_address",
		mcp.Required(),
		mcp.Description("Your 20-byte EVM address (e.g. '0x1234...') carried into the settlement record")),
)

var ToolRecordUsage = mcp.NewTool("record_usage",
	mcp.WithDescription(
		"Record metered usage on an active session. Provider-side tool: only the "+
			"gateway's provider identity may record. Fails if the session is not "+
			"active, the window has expired, or the amount would exceed the deposit."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID (e.g. 'ses_...')")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Usage units to add (must be > 0)")),
)

var ToolSettleSession = mcp.NewTool("settle_session",
	mcp.WithDescription(
		"Settle an active session, freezing its usage and emitting the signed "+
			"settlement record. Either party may settle; a second settle fails."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID to settle")),
)

var ToolGetSession = mcp.NewTool("get_session",
	mcp.WithDescription(
		"Fetch a session's current state: used amount, deposit, usage count, "+
			"expiry, and lifecycle state."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID to look up")),
)
