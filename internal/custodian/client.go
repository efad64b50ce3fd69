package custodian

import (
	"context"
	"net/http"
	"net/url"

	"github.com/rodrigojille/kustodia-sub014/internal/provider"
)

// Client is the HTTP binding of Custodian.
type Client struct {
	api *provider.Client
}

var _ Custodian = (*Client)(nil)

// NewClient creates a custodian client.
func NewClient(baseURL, apiKey, apiSecret string, opts ...provider.ClientOption) *Client {
	return &Client{api: provider.NewClient(ProviderName, baseURL, apiKey, apiSecret, opts...)}
}

func (c *Client) MintFromFiat(ctx context.Context, req ConversionRequest) (*ConversionResult, error) {
	var resp ConversionResult
	if err := c.api.Do(ctx, "mint", http.MethodPost, "/mint_platform/v1/issuance", nil, req.IdempotencyKey, req, &resp); err != nil {
		return nil, err
	}
	if resp.ExternalID == "" {
		return nil, provider.Retryable(ProviderName, "mint", errMissingID)
	}
	return &resp, nil
}

func (c *Client) WithdrawToFiat(ctx context.Context, req WithdrawalRequest) (*WithdrawalResult, error) {
	var resp WithdrawalResult
	if err := c.api.Do(ctx, "redeem", http.MethodPost, "/mint_platform/v1/redemptions", nil, req.IdempotencyKey, req, &resp); err != nil {
		return nil, err
	}
	if resp.Status == TxFailed {
		return &resp, provider.Terminal(ProviderName, "redeem", "redemption_failed", "custodian rejected redemption "+resp.ExternalID)
	}
	return &resp, nil
}

func (c *Client) TransactionStatus(ctx context.Context, externalID string) (TxStatus, error) {
	var resp struct {
		Status TxStatus `json:"status"`
	}
	path := "/mint_platform/v1/transactions/" + url.PathEscape(externalID)
	if err := c.api.Do(ctx, "status", http.MethodGet, path, nil, "", nil, &resp); err != nil {
		return "", err
	}
	switch resp.Status {
	case TxPending, TxCompleted, TxFailed:
		return resp.Status, nil
	default:
		return TxPending, nil
	}
}
