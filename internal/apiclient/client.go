// Package apiclient is a thin HTTP client for the Kustodia API, shared by
// the MCP server and kustodiactl.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseBytes = 4 << 20

// Config holds the connection settings.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // Bearer JWT
}

// Client calls the platform API. Responses come back as raw JSON so
// callers decide how to render them.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Error is a non-2xx answer from the API.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Code)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		var parsed struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &parsed) == nil && (parsed.Error != "" || parsed.Message != "") {
			apiErr.Code, apiErr.Message = parsed.Error, parsed.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return nil, apiErr
	}

	return json.RawMessage(respBody), nil
}

func paymentPath(id string) string {
	return "/v1/payments/" + url.PathEscape(id)
}

// GetPayment returns the payment and, once funded, its escrow.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, paymentPath(paymentID), nil)
}

// ListPaymentEvents returns the payment's audit trail.
func (c *Client) ListPaymentEvents(ctx context.Context, paymentID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, paymentPath(paymentID)+"/events", nil)
}

// ListDisputes returns every dispute raised on a payment.
func (c *Client) ListDisputes(ctx context.Context, paymentID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, paymentPath(paymentID)+"/disputes", nil)
}

// GetDisputeTimeline returns a dispute's history, evidence included.
func (c *Client) GetDisputeTimeline(ctx context.Context, disputeID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/disputes/"+url.PathEscape(disputeID)+"/timeline", nil)
}

// Resolution is an admin decision on a dispute.
type Resolution struct {
	Approved   bool   `json:"approved"`
	AdminNotes string `json:"admin_notes,omitempty"`
	CanReapply bool   `json:"can_reapply"`
}

// ResolveDispute decides a dispute. Requires an admin token.
func (c *Client) ResolveDispute(ctx context.Context, disputeID string, res Resolution) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/admin/disputes/"+url.PathEscape(disputeID)+"/resolve", res)
}

// ForceExpire ends a payment's custody period now. Requires an admin token
// and a non-production server.
func (c *Client) ForceExpire(ctx context.Context, paymentID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/admin/payments/"+url.PathEscape(paymentID)+"/force-expire", nil)
}

// RunReconciliation triggers a reconciliation pass. Requires an admin token.
func (c *Client) RunReconciliation(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/admin/reconciliation/run", nil)
}
