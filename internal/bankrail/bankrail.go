// Package bankrail binds the SPEI bank rail: per-payment receiving
// accounts (CLABEs), settled-deposit detection, and outbound payouts.
package bankrail

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ProviderName labels this adapter in errors, metrics and webhook routes.
const ProviderName = "bankrail"

var ErrInvalidCLABE = errors.New("invalid CLABE")

// DepositEvent is a cleared deposit into a payment's receiving account.
type DepositEvent struct {
	Account      string          `json:"account"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	ExternalTxID string          `json:"externalTxId"`
	SettledAt    time.Time       `json:"settledAt"`
}

// PayoutStatus is the provider-side state of an outbound transfer.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutCompleted PayoutStatus = "completed"
	PayoutFailed    PayoutStatus = "failed"
)

// PayoutRequest describes an outbound transfer. Reference is the
// caller-supplied idempotency reference: one reference, one payout.
type PayoutRequest struct {
	Beneficiary string          `json:"beneficiary"`
	Account     string          `json:"clabe"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Reference   string          `json:"reference"`
}

// PayoutResult is the provider's answer to a payout.
type PayoutResult struct {
	ExternalID string       `json:"id"`
	Status     PayoutStatus `json:"status"`
	Reference  string       `json:"reference"`
}

// PayoutUpdate is a payout status change pushed by the rail after the
// payout call returned.
type PayoutUpdate struct {
	ExternalID string       `json:"id"`
	Reference  string       `json:"reference"`
	Status     PayoutStatus `json:"status"`
	Reason     string       `json:"reason,omitempty"`
}

// Rail is the bank rail contract consumed by the payment engine.
type Rail interface {
	// IssueAccount returns a new receiving CLABE tagged with reference.
	IssueAccount(ctx context.Context, reference string) (string, error)
	// DetectDeposit returns the settled deposit into account, or nil.
	DetectDeposit(ctx context.Context, account string) (*DepositEvent, error)
	// Payout sends funds; a repeated Reference never creates a second transfer.
	Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
}

var clabeWeights = [3]int{3, 7, 1}

// CLABEChecksum computes the control digit for the first 17 digits.
func CLABEChecksum(first17 string) (byte, error) {
	if len(first17) != 17 {
		return 0, ErrInvalidCLABE
	}
	sum := 0
	for i := 0; i < 17; i++ {
		c := first17[i]
		if c < '0' || c > '9' {
			return 0, ErrInvalidCLABE
		}
		sum += (int(c-'0') * clabeWeights[i%3]) % 10
	}
	return byte('0' + (10-sum%10)%10), nil
}

// ValidCLABE reports whether s is an 18-digit CLABE with a correct control digit.
func ValidCLABE(s string) bool {
	if len(s) != 18 {
		return false
	}
	check, err := CLABEChecksum(s[:17])
	return err == nil && check == s[17]
}

// BuildCLABE appends the control digit to bank(3) + branch(3) + account(11).
func BuildCLABE(bank, branch, account string) (string, error) {
	check, err := CLABEChecksum(bank + branch + account)
	if err != nil {
		return "", err
	}
	return bank + branch + account + string(check), nil
}
