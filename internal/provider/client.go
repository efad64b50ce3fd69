package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rodrigojille/kustodia-sub014/internal/circuitbreaker"
	"github.com/rodrigojille/kustodia-sub014/internal/metrics"
)

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 1 << 20

// envelope is the provider response wrapper: {"success":..,"payload":..}.
type envelope struct {
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload"`
}

// Client is a signed JSON HTTP client for one provider.
type Client struct {
	name       string
	baseURL    string
	signer     *Signer
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithBreaker shares a circuit breaker across clients.
func WithBreaker(b *circuitbreaker.Breaker) ClientOption {
	return func(c *Client) { c.breaker = b }
}

// NewClient creates a client for provider name at baseURL.
func NewClient(name, baseURL, apiKey, apiSecret string, opts ...ClientOption) *Client {
	c := &Client{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		signer:     NewSigner(apiKey, apiSecret),
		httpClient: &http.Client{Timeout: 20 * time.Second},
		breaker:    circuitbreaker.New(5, 30*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider name used in errors and metrics.
func (c *Client) Name() string { return c.name }

// Do sends a signed request and decodes the payload into out (may be nil).
// Transport failures and 5xx come back as retryable *Error values, 4xx
// as terminal ones. idempotencyKey, when set, travels as X-Idempotency-Key.
func (c *Client) Do(ctx context.Context, op, method, path string, query url.Values, idempotencyKey string, body, out any) error {
	start := time.Now()
	err := c.breaker.Execute(c.name, IsRetryable, func() error {
		return c.do(ctx, op, method, path, query, idempotencyKey, body, out)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = Retryable(c.name, op, err)
	}
	metrics.ObserveAdapterCall(c.name, op, Result(err), time.Since(start))
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, idempotencyKey string, body, out any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		payload = data
	}

	signedPath := path
	if len(query) > 0 {
		signedPath = path + "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+signedPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Authorization", c.signer.Authorization(method, signedPath, payload))
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Retryable(c.name, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Retryable(c.name, op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		return FromStatus(c.name, op, resp.StatusCode, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err == nil && env.Payload != nil {
		respBody = env.Payload
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return Terminal(c.name, op, "decode_error", fmt.Sprintf("decode response: %v", err))
	}
	return nil
}
