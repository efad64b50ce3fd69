package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func newServer(t *testing.T, status int, reply string) (*Client, *recorded) {
	t.Helper()
	rec := &recorded{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.EscapedPath()
		rec.auth = r.Header.Get("Authorization")
		if r.ContentLength > 0 {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(ts.Close)
	return New(Config{APIURL: ts.URL + "/", Token: "jwt-abc"}), rec
}

func TestRoutes(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name       string
		call       func(c *Client) (json.RawMessage, error)
		wantMethod string
		wantPath   string
	}{
		{"get payment", func(c *Client) (json.RawMessage, error) { return c.GetPayment(ctx, "pay_1") }, http.MethodGet, "/v1/payments/pay_1"},
		{"payment events", func(c *Client) (json.RawMessage, error) { return c.ListPaymentEvents(ctx, "pay_1") }, http.MethodGet, "/v1/payments/pay_1/events"},
		{"disputes", func(c *Client) (json.RawMessage, error) { return c.ListDisputes(ctx, "pay_1") }, http.MethodGet, "/v1/payments/pay_1/disputes"},
		{"timeline", func(c *Client) (json.RawMessage, error) { return c.GetDisputeTimeline(ctx, "dsp_9") }, http.MethodGet, "/v1/disputes/dsp_9/timeline"},
		{"force expire", func(c *Client) (json.RawMessage, error) { return c.ForceExpire(ctx, "pay_1") }, http.MethodPost, "/v1/admin/payments/pay_1/force-expire"},
		{"reconcile", func(c *Client) (json.RawMessage, error) { return c.RunReconciliation(ctx) }, http.MethodPost, "/v1/admin/reconciliation/run"},
		{"escaped id", func(c *Client) (json.RawMessage, error) { return c.GetPayment(ctx, "../admin") }, http.MethodGet, "/v1/payments/..%2Fadmin"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, rec := newServer(t, http.StatusOK, `{"ok":true}`)
			raw, err := tc.call(c)
			require.NoError(t, err)
			assert.JSONEq(t, `{"ok":true}`, string(raw))
			assert.Equal(t, tc.wantMethod, rec.method)
			assert.Equal(t, tc.wantPath, rec.path)
			assert.Equal(t, "Bearer jwt-abc", rec.auth)
		})
	}
}

func TestResolveDisputeBody(t *testing.T) {
	c, rec := newServer(t, http.StatusOK, `{"dispute":{"id":"dsp_1","status":"approved"}}`)

	_, err := c.ResolveDispute(context.Background(), "dsp_1", Resolution{Approved: true, AdminNotes: "goods never shipped"})
	require.NoError(t, err)
	assert.Equal(t, "/v1/admin/disputes/dsp_1/resolve", rec.path)
	assert.Equal(t, true, rec.body["approved"])
	assert.Equal(t, "goods never shipped", rec.body["admin_notes"])
	assert.Equal(t, false, rec.body["can_reapply"])
}

func TestErrors(t *testing.T) {
	c, _ := newServer(t, http.StatusConflict, `{"error":"conflict","message":"dispute already resolved"}`)
	_, err := c.GetDisputeTimeline(context.Background(), "dsp_1")

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "conflict", apiErr.Code)
	assert.Equal(t, "API error (409): dispute already resolved", err.Error())

	c, _ = newServer(t, http.StatusBadGateway, "upstream timeout\n")
	_, err = c.GetPayment(context.Background(), "pay_1")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream timeout", apiErr.Message)
}

func TestConnectionRefused(t *testing.T) {
	_, err := New(Config{APIURL: "http://127.0.0.1:1"}).GetPayment(context.Background(), "pay_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}
