package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rodrigojille/kustodia-sub014/internal/apiclient"
)

// API is the part of the platform client the tools call.
type API interface {
	GetPayment(ctx context.Context, paymentID string) (json.RawMessage, error)
	ListPaymentEvents(ctx context.Context, paymentID string) (json.RawMessage, error)
	ListDisputes(ctx context.Context, paymentID string) (json.RawMessage, error)
	GetDisputeTimeline(ctx context.Context, disputeID string) (json.RawMessage, error)
	ResolveDispute(ctx context.Context, disputeID string, res apiclient.Resolution) (json.RawMessage, error)
}

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	api API
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(api API) *Handlers {
	return &Handlers{api: api}
}

// HandleGetPayment summarises a payment and its escrow.
func (h *Handlers) HandleGetPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	raw, err := h.api.GetPayment(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payment: %v", err)), nil
	}

	text, err := formatPayment(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payment: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListPaymentEvents lists the payment's audit trail.
func (h *Handlers) HandleListPaymentEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	raw, err := h.api.ListPaymentEvents(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list events: %v", err)), nil
	}

	text, err := formatEntries(raw, "events", "createdAt", "No events recorded.")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse events: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListDisputes lists disputes on a payment.
func (h *Handlers) HandleListDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	raw, err := h.api.ListDisputes(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}

	text, err := formatDisputeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse disputes: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetDisputeTimeline returns a dispute's history.
func (h *Handlers) HandleGetDisputeTimeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}

	raw, err := h.api.GetDisputeTimeline(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get timeline: %v", err)), nil
	}

	text, err := formatEntries(raw, "timeline", "at", "Timeline is empty.")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse timeline: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleResolveDispute records an admin decision.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	if _, ok := req.GetArguments()["approved"]; !ok {
		return mcp.NewToolResultError("approved is required"), nil
	}
	notes := strings.TrimSpace(req.GetString("admin_notes", ""))
	if notes == "" {
		return mcp.NewToolResultError("admin_notes is required"), nil
	}

	res := apiclient.Resolution{
		Approved:   req.GetBool("approved", false),
		AdminNotes: notes,
		CanReapply: req.GetBool("can_reapply", false),
	}
	raw, err := h.api.ResolveDispute(ctx, id, res)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve dispute: %v", err)), nil
	}

	var resp struct {
		Dispute map[string]any `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Dispute == nil {
		return mcp.NewToolResultText("Dispute resolved.\n\n" + formatJSON(raw)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s resolved: %s\n", getString(resp.Dispute, "id"), getString(resp.Dispute, "status"))
	if res.Approved {
		sb.WriteString("The custody amount is being refunded to the payer.\n")
	} else {
		sb.WriteString("The escrow will release to the payee when custody ends.\n")
		if res.CanReapply {
			sb.WriteString("The payer may raise a new dispute.\n")
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- formatting ---

func formatPayment(raw json.RawMessage) (string, error) {
	var resp struct {
		Payment map[string]any `json:"payment"`
		Escrow  map[string]any `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Payment == nil {
		return "", fmt.Errorf("no payment in response")
	}
	p := resp.Payment
	currency := getString(p, "currency")

	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment %s\n", getString(p, "id"))
	fmt.Fprintf(&sb, "  Payer: %s\n", getString(p, "payerId"))
	fmt.Fprintf(&sb, "  Payee: %s\n", getString(p, "payeeId"))
	fmt.Fprintf(&sb, "  Amount: %s %s (commission %s, total %s)\n",
		getString(p, "amount"), currency, getString(p, "commissionAmount"), getString(p, "totalAmount"))
	fmt.Fprintf(&sb, "  Status: %s (automation: %s)\n", getString(p, "status"), getString(p, "automationState"))
	if v, ok := getFloat(p, "custodyPercent"); ok && v > 0 {
		fmt.Fprintf(&sb, "  Custody: %.0f%%\n", v)
	}
	if v := getString(p, "description"); v != "" {
		fmt.Fprintf(&sb, "  Description: %s\n", v)
	}
	if v := getString(p, "failureReason"); v != "" {
		fmt.Fprintf(&sb, "  Failure: %s\n", v)
	}

	if e := resp.Escrow; e != nil {
		sb.WriteString("Escrow:\n")
		fmt.Fprintf(&sb, "  Status: %s\n", getString(e, "status"))
		fmt.Fprintf(&sb, "  In custody: %s %s\n", getString(e, "custodyAmount"), currency)
		fmt.Fprintf(&sb, "  Released immediately: %s %s\n", getString(e, "immediateAmount"), currency)
		if v := getString(e, "custodyEnd"); v != "" {
			fmt.Fprintf(&sb, "  Custody ends: %s\n", v)
		}
	}
	return sb.String(), nil
}

func formatDisputeList(raw json.RawMessage) (string, error) {
	var resp struct {
		Disputes []map[string]any `json:"disputes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Disputes) == 0 {
		return "No disputes on this payment.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d dispute(s):\n\n", len(resp.Disputes))
	for i, d := range resp.Disputes {
		fmt.Fprintf(&sb, "%d. %s [%s] raised by %s\n", i+1, getString(d, "id"), getString(d, "status"), getString(d, "raisedBy"))
		fmt.Fprintf(&sb, "   Reason: %s\n", getString(d, "reason"))
		if v := getString(d, "adminNotes"); v != "" {
			fmt.Fprintf(&sb, "   Admin notes: %s\n", v)
		}
	}
	return sb.String(), nil
}

// formatEntries renders events and timeline entries, which share the
// type/description/actor shape.
func formatEntries(raw json.RawMessage, key, timeKey, empty string) (string, error) {
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	var entries []map[string]any
	if list, ok := resp[key]; ok {
		if err := json.Unmarshal(list, &entries); err != nil {
			return "", err
		}
	}
	if len(entries) == 0 {
		return empty, nil
	}

	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s  %s: %s", getString(e, timeKey), getString(e, "type"), getString(e, "description"))
		if actor := getString(e, "actor"); actor != "" {
			fmt.Fprintf(&sb, " (by %s)", actor)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
