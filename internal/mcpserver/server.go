package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Metergate tools
// registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("metergate", "1.0.0")
	client := NewMetergateClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolListGateways, h.HandleListGateways)
	s.AddTool(ToolOpenSession, h.HandleOpenSession)
	s.AddTool(ToolRecordUsage, h.HandleRecordUsage)
	s.AddTool(ToolSettleSession, h.HandleSettleSession)
	s.AddTool(ToolGetSession, h.HandleGetSession)

	return s
}
