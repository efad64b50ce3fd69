// Package custodian binds the stablecoin custodian: fiat to stablecoin
// conversion after a deposit settles, conversion back to fiat at release,
// and transaction status queries for reconciliation.
package custodian

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ProviderName labels this adapter in errors, metrics and webhook routes.
const ProviderName = "custodian"

var errMissingID = errors.New("custodian response missing transaction id")

// TxStatus is the custodian-side state of a conversion.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

// ConversionRequest credits custody-ready stablecoin for a settled deposit.
// IdempotencyKey is derived from the payment id and the settled amount.
type ConversionRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	PaymentID      string          `json:"reference"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
}

// ConversionResult carries the external id recorded as the payment's
// withdrawal_id.
type ConversionResult struct {
	ExternalID string          `json:"id"`
	Status     TxStatus        `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
}

// WithdrawalRequest redeems stablecoin back to fiat for a beneficiary.
type WithdrawalRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	PaymentID      string          `json:"reference"`
	Amount         decimal.Decimal `json:"amount"`
	Beneficiary    string          `json:"beneficiary"`
}

// WithdrawalResult is the custodian's answer to a redemption.
type WithdrawalResult struct {
	ExternalID string   `json:"id"`
	Status     TxStatus `json:"status"`
}

// Custodian is the stablecoin contract consumed by the payment engine.
type Custodian interface {
	MintFromFiat(ctx context.Context, req ConversionRequest) (*ConversionResult, error)
	WithdrawToFiat(ctx context.Context, req WithdrawalRequest) (*WithdrawalResult, error)
	TransactionStatus(ctx context.Context, externalID string) (TxStatus, error)
}
