package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/rodrigojille/kustodia-sub014/internal/apiclient"
)

// NewMCPServer creates an MCP server exposing the arbitration tools.
func NewMCPServer(cfg apiclient.Config, version string) *server.MCPServer {
	s := server.NewMCPServer("kustodia", version)
	h := NewHandlers(apiclient.New(cfg))

	s.AddTool(ToolGetPayment, h.HandleGetPayment)
	s.AddTool(ToolListPaymentEvents, h.HandleListPaymentEvents)
	s.AddTool(ToolListDisputes, h.HandleListDisputes)
	s.AddTool(ToolGetDisputeTimeline, h.HandleGetDisputeTimeline)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)

	return s
}
