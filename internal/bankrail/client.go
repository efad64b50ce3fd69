package bankrail

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/rodrigojille/kustodia-sub014/internal/provider"
	"github.com/shopspring/decimal"
)

// Client is the HTTP binding of Rail.
type Client struct {
	api *provider.Client
}

var _ Rail = (*Client)(nil)

// NewClient creates a bank rail client.
func NewClient(baseURL, apiKey, apiSecret string, opts ...provider.ClientOption) *Client {
	return &Client{api: provider.NewClient(ProviderName, baseURL, apiKey, apiSecret, opts...)}
}

func (c *Client) IssueAccount(ctx context.Context, reference string) (string, error) {
	var resp struct {
		CLABE string `json:"clabe"`
	}
	body := map[string]string{"reference": reference}
	if err := c.api.Do(ctx, "issue_account", http.MethodPost, "/spei/v1/clabes", nil, reference, body, &resp); err != nil {
		return "", err
	}
	if !ValidCLABE(resp.CLABE) {
		return "", provider.Terminal(ProviderName, "issue_account", "invalid_clabe",
			fmt.Sprintf("provider returned invalid CLABE %q", resp.CLABE))
	}
	return resp.CLABE, nil
}

type depositRecord struct {
	FID       string          `json:"fid"`
	Account   string          `json:"clabe"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status"`
	SettledAt time.Time       `json:"settled_at"`
}

func (c *Client) DetectDeposit(ctx context.Context, account string) (*DepositEvent, error) {
	q := url.Values{}
	q.Set("clabe", account)
	q.Set("status", "settled")

	var records []depositRecord
	if err := c.api.Do(ctx, "detect_deposit", http.MethodGet, "/spei/v1/deposits", q, "", nil, &records); err != nil {
		return nil, err
	}

	settled := records[:0]
	for _, r := range records {
		if r.Status == "settled" && r.Account == account {
			settled = append(settled, r)
		}
	}
	if len(settled) == 0 {
		return nil, nil
	}
	// Oldest settled deposit first; later deposits are surplus.
	sort.Slice(settled, func(i, j int) bool { return settled[i].SettledAt.Before(settled[j].SettledAt) })

	r := settled[0]
	return &DepositEvent{
		Account:      r.Account,
		Amount:       r.Amount,
		Currency:     r.Currency,
		ExternalTxID: r.FID,
		SettledAt:    r.SettledAt,
	}, nil
}

func (c *Client) Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	if req.Reference == "" {
		return nil, provider.Terminal(ProviderName, "payout", "missing_reference", "payout requires an idempotency reference")
	}
	if !ValidCLABE(req.Account) {
		return nil, provider.Terminal(ProviderName, "payout", "invalid_clabe", ErrInvalidCLABE.Error())
	}

	var resp PayoutResult
	if err := c.api.Do(ctx, "payout", http.MethodPost, "/spei/v1/withdrawals", nil, req.Reference, req, &resp); err != nil {
		return nil, err
	}
	if resp.Reference == "" {
		resp.Reference = req.Reference
	}
	if resp.Status == PayoutFailed {
		return &resp, provider.Terminal(ProviderName, "payout", "payout_failed", "provider rejected payout "+resp.ExternalID)
	}
	return &resp, nil
}
