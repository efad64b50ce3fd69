package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodrigojille/kustodia-sub014/internal/apiclient"
)

// --- Test helpers ---

type fakeAPI struct {
	reply    string
	err      error
	lastID   string
	resolved *apiclient.Resolution
}

func (f *fakeAPI) answer(id string) (json.RawMessage, error) {
	f.lastID = id
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.reply), nil
}

func (f *fakeAPI) GetPayment(_ context.Context, id string) (json.RawMessage, error) {
	return f.answer(id)
}

func (f *fakeAPI) ListPaymentEvents(_ context.Context, id string) (json.RawMessage, error) {
	return f.answer(id)
}

func (f *fakeAPI) ListDisputes(_ context.Context, id string) (json.RawMessage, error) {
	return f.answer(id)
}

func (f *fakeAPI) GetDisputeTimeline(_ context.Context, id string) (json.RawMessage, error) {
	return f.answer(id)
}

func (f *fakeAPI) ResolveDispute(_ context.Context, id string, res apiclient.Resolution) (json.RawMessage, error) {
	f.resolved = &res
	return f.answer(id)
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Tool handlers
// ============================================================

func TestHandleGetPayment(t *testing.T) {
	api := &fakeAPI{reply: `{
		"payment": {"id":"pay_1","payerId":"u_payer","payeeId":"u_payee","amount":"1000","currency":"MXN",
			"commissionAmount":"20","totalAmount":"1020","status":"in_custody","automationState":"escrow_created",
			"custodyPercent":50,"description":"used car"},
		"escrow": {"status":"active","custodyAmount":"500","immediateAmount":"500","custodyEnd":"2026-03-08T12:00:00Z"}
	}`}
	h := NewHandlers(api)

	result, err := h.HandleGetPayment(context.Background(), makeRequest(map[string]any{"payment_id": "pay_1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)

	assert.Equal(t, "pay_1", api.lastID)
	assert.Contains(t, text, "Payment pay_1")
	assert.Contains(t, text, "Amount: 1000 MXN (commission 20, total 1020)")
	assert.Contains(t, text, "Status: in_custody (automation: escrow_created)")
	assert.Contains(t, text, "Custody: 50%")
	assert.Contains(t, text, "In custody: 500 MXN")
	assert.Contains(t, text, "Custody ends: 2026-03-08T12:00:00Z")
}

func TestHandleGetPayment_WithoutEscrow(t *testing.T) {
	h := NewHandlers(&fakeAPI{reply: `{"payment":{"id":"pay_2","status":"pending","currency":"MXN"}}`})

	result, err := h.HandleGetPayment(context.Background(), makeRequest(map[string]any{"payment_id": "pay_2"}))
	require.NoError(t, err)
	assert.NotContains(t, resultText(t, result), "Escrow:")
}

func TestHandlers_RequireIDs(t *testing.T) {
	h := NewHandlers(&fakeAPI{})
	ctx := context.Background()

	for name, call := range map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"get_payment":          h.HandleGetPayment,
		"list_payment_events":  h.HandleListPaymentEvents,
		"list_disputes":        h.HandleListDisputes,
		"get_dispute_timeline": h.HandleGetDisputeTimeline,
		"resolve_dispute":      h.HandleResolveDispute,
	} {
		t.Run(name, func(t *testing.T) {
			result, err := call(ctx, makeRequest(nil))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), "is required")
		})
	}
}

func TestHandlers_APIErrorsBecomeToolErrors(t *testing.T) {
	h := NewHandlers(&fakeAPI{err: &apiclient.Error{StatusCode: 404, Code: "not_found", Message: "payment not found"}})

	result, err := h.HandleGetPayment(context.Background(), makeRequest(map[string]any{"payment_id": "pay_x"}))
	require.NoError(t, err, "API failures are reported to the model, not returned")
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "payment not found")
}

func TestHandleListPaymentEvents(t *testing.T) {
	h := NewHandlers(&fakeAPI{reply: `{"events":[
		{"type":"payment.created","description":"payment created","actor":"u_payer","createdAt":"2026-03-01T12:00:00Z"},
		{"type":"deposit.received","description":"deposit of 1020 MXN","createdAt":"2026-03-01T12:05:00Z"}
	],"count":2}`})

	result, err := h.HandleListPaymentEvents(context.Background(), makeRequest(map[string]any{"payment_id": "pay_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "2026-03-01T12:00:00Z  payment.created: payment created (by u_payer)")
	assert.Contains(t, text, "deposit.received: deposit of 1020 MXN\n")
}

func TestHandleListPaymentEvents_Empty(t *testing.T) {
	h := NewHandlers(&fakeAPI{reply: `{"events":[],"count":0}`})

	result, err := h.HandleListPaymentEvents(context.Background(), makeRequest(map[string]any{"payment_id": "pay_1"}))
	require.NoError(t, err)
	assert.Equal(t, "No events recorded.", resultText(t, result))
}

func TestHandleListDisputes(t *testing.T) {
	h := NewHandlers(&fakeAPI{reply: `{"disputes":[
		{"id":"dsp_1","status":"rejected","raisedBy":"u_payer","reason":"late delivery","adminNotes":"delivered on time"},
		{"id":"dsp_2","status":"pending","raisedBy":"u_payer","reason":"item damaged"}
	],"count":2}`})

	result, err := h.HandleListDisputes(context.Background(), makeRequest(map[string]any{"payment_id": "pay_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 dispute(s)")
	assert.Contains(t, text, "1. dsp_1 [rejected] raised by u_payer")
	assert.Contains(t, text, "Admin notes: delivered on time")
	assert.Contains(t, text, "2. dsp_2 [pending]")
}

func TestHandleGetDisputeTimeline(t *testing.T) {
	api := &fakeAPI{reply: `{"timeline":[
		{"at":"2026-03-02T09:00:00Z","type":"raised","description":"item damaged","actor":"u_payer"},
		{"at":"2026-03-02T10:00:00Z","type":"evidence","description":"photo of box","actor":"u_payer"}
	],"count":2}`}
	h := NewHandlers(api)

	result, err := h.HandleGetDisputeTimeline(context.Background(), makeRequest(map[string]any{"dispute_id": "dsp_2"}))
	require.NoError(t, err)
	assert.Equal(t, "dsp_2", api.lastID)
	assert.Contains(t, resultText(t, result), "evidence: photo of box (by u_payer)")
}

func TestHandleResolveDispute(t *testing.T) {
	tests := []struct {
		name     string
		args     map[string]any
		reply    string
		want     apiclient.Resolution
		contains []string
	}{
		{
			name:     "approve refunds payer",
			args:     map[string]any{"dispute_id": "dsp_2", "approved": true, "admin_notes": "photos show damage"},
			reply:    `{"dispute":{"id":"dsp_2","status":"approved"}}`,
			want:     apiclient.Resolution{Approved: true, AdminNotes: "photos show damage"},
			contains: []string{"Dispute dsp_2 resolved: approved", "refunded to the payer"},
		},
		{
			name:     "reject with reapply",
			args:     map[string]any{"dispute_id": "dsp_2", "approved": false, "admin_notes": "need tracking number", "can_reapply": true},
			reply:    `{"dispute":{"id":"dsp_2","status":"rejected"}}`,
			want:     apiclient.Resolution{Approved: false, AdminNotes: "need tracking number", CanReapply: true},
			contains: []string{"resolved: rejected", "release to the payee", "may raise a new dispute"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeAPI{reply: tc.reply}
			result, err := NewHandlers(api).HandleResolveDispute(context.Background(), makeRequest(tc.args))
			require.NoError(t, err)
			require.False(t, result.IsError, resultText(t, result))
			require.NotNil(t, api.resolved)
			assert.Equal(t, tc.want, *api.resolved)
			for _, s := range tc.contains {
				assert.Contains(t, resultText(t, result), s)
			}
		})
	}
}

func TestHandleResolveDispute_Validation(t *testing.T) {
	api := &fakeAPI{}
	h := NewHandlers(api)
	ctx := context.Background()

	result, err := h.HandleResolveDispute(ctx, makeRequest(map[string]any{"dispute_id": "dsp_1", "admin_notes": "x"}))
	require.NoError(t, err)
	assert.Equal(t, "approved is required", resultText(t, result))

	result, err = h.HandleResolveDispute(ctx, makeRequest(map[string]any{"dispute_id": "dsp_1", "approved": true, "admin_notes": "  "}))
	require.NoError(t, err)
	assert.Equal(t, "admin_notes is required", resultText(t, result))
	assert.Nil(t, api.resolved, "nothing is sent without a reason")
}

func TestHandleResolveDispute_Conflict(t *testing.T) {
	api := &fakeAPI{err: errors.New("API error (409): dispute is not pending")}

	result, err := NewHandlers(api).HandleResolveDispute(context.Background(),
		makeRequest(map[string]any{"dispute_id": "dsp_1", "approved": true, "admin_notes": "refund"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not pending")
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(apiclient.Config{APIURL: "http://localhost:8080", Token: "t"}, "test")
	require.NotNil(t, s)
}

func TestFormatJSON(t *testing.T) {
	assert.Equal(t, "{\n  \"a\": 1\n}", formatJSON(json.RawMessage(`{"a":1}`)))
	assert.Equal(t, "not json", formatJSON(json.RawMessage(`not json`)))
}
