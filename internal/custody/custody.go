// Package custody binds the escrow/custody contract: a custody record
// locking an amount for a period, full or partial releases, and the
// dispute flag. Every operation is safe to retry: creation is keyed by a
// caller idempotency key and releases by a caller release id.
package custody

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ProviderName labels this adapter in errors and metrics.
const ProviderName = "custody"

var (
	ErrNotFound       = errors.New("custody: record not found")
	ErrKeyConflict    = errors.New("custody: idempotency key reused with different parameters")
	ErrDisputed       = errors.New("custody: record is flagged disputed")
	ErrExceedsBalance = errors.New("custody: release exceeds locked balance")
	ErrInvalidRequest = errors.New("custody: invalid request")
)

// Ref is the durable external reference of a custody record.
type Ref struct {
	ID        string    `json:"id"`
	TxHash    string    `json:"txHash,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateRequest locks Amount for Period. A second call with the same
// IdempotencyKey returns the original Ref and never creates a second record.
type CreateRequest struct {
	IdempotencyKey string
	PaymentID      string
	Amount         decimal.Decimal
	Period         time.Duration
}

// ReleaseRequest moves Amount out of custody Ref to Recipient. Repeating a
// ReleaseID returns the first result without moving funds again.
type ReleaseRequest struct {
	ReleaseID string
	Ref       string
	Amount    decimal.Decimal
	Recipient string
}

// ReleaseResult describes an executed release.
type ReleaseResult struct {
	ReleaseID  string          `json:"releaseId"`
	Ref        string          `json:"ref"`
	Amount     decimal.Decimal `json:"amount"`
	Recipient  string          `json:"recipient"`
	TxHash     string          `json:"txHash,omitempty"`
	ReleasedAt time.Time       `json:"releasedAt"`
}

// Contract is the custody capability consumed by the payment engine.
type Contract interface {
	CreateCustody(ctx context.Context, req CreateRequest) (*Ref, error)
	Release(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error)
	FlagDisputed(ctx context.Context, ref string) error
	ClearDispute(ctx context.Context, ref string) error
}

func validateCreate(req CreateRequest) error {
	if req.IdempotencyKey == "" || req.PaymentID == "" {
		return ErrInvalidRequest
	}
	if !req.Amount.IsPositive() || req.Period < 0 {
		return ErrInvalidRequest
	}
	return nil
}

func validateRelease(req ReleaseRequest) error {
	if req.ReleaseID == "" || req.Ref == "" || req.Recipient == "" || !req.Amount.IsPositive() {
		return ErrInvalidRequest
	}
	return nil
}
