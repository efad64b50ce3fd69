// Package payment implements the payment automation state machine.
//
// A payment moves through:
//
//	created → deposit_detected → withdrawal_pending → withdrawal_complete
//	  → escrow_pending → escrow_complete → executing → released
//
// with refunded reachable from the dispute branch and failed reachable
// from every non-terminal state. Every write is a conditional update on the
// expected automation state and version, so concurrent workers (webhooks,
// sweepers, admin actions) never lose updates or replay an earlier step.
// Escrow creation additionally runs under the lock ledger.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rodrigojille/kustodia-sub014/internal/lockledger"
)

var (
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrEscrowNotFound      = errors.New("escrow not found")
	ErrEscrowExists        = errors.New("escrow already exists for payment")
	ErrInvalidState        = errors.New("invalid payment state for this operation")
	ErrInvalidTransition   = errors.New("illegal automation state transition")
	ErrConflict            = errors.New("payment was modified concurrently")
	ErrUnauthorized        = errors.New("not a participant of this payment")
	ErrInvalidRequest      = errors.New("invalid payment request")
	ErrDuplicateWithdrawal = errors.New("a different withdrawal is already recorded")
	ErrStaleWithdrawal     = errors.New("withdrawal id does not match the current attempt")
	ErrWithdrawalInFlight  = errors.New("withdrawal already in flight")
	ErrNotDue              = errors.New("custody period has not elapsed")
	ErrReleaseSuspended    = errors.New("release suspended by dispute")
	ErrReleaseInProgress   = errors.New("escrow funds already leaving custody")
	ErrForceExpireDisabled = errors.New("force-expire is disabled in this environment")
	ErrDuplicateAccount    = errors.New("deposit account already assigned")
)

// Status is the coarse, user-facing lifecycle of a payment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFunded    Status = "funded"
	StatusInCustody Status = "in_custody"
	StatusDisputed  Status = "disputed"
	StatusReleasing Status = "releasing"
	StatusCompleted Status = "completed"
	StatusRefunded  Status = "refunded"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transition can happen.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// WithdrawalStatus tracks the stablecoin conversion of the deposit.
type WithdrawalStatus string

const (
	WithdrawalNone      WithdrawalStatus = ""
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalFailed    WithdrawalStatus = "failed"
	WithdrawalVerified  WithdrawalStatus = "verified" // confirmed by polling the custodian
)

// Period is a custody duration. It marshals as a Go duration string and
// also accepts a whole number of days ("7d") or seconds (604800).
type Period time.Duration

// Duration returns p as a time.Duration.
func (p Period) Duration() time.Duration { return time.Duration(p) }

func (p Period) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(p).String())
}

func (p *Period) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var secs int64
		if err := json.Unmarshal(b, &secs); err != nil {
			return fmt.Errorf("custody period: %w", err)
		}
		*p = Period(time.Duration(secs) * time.Second)
		return nil
	}
	d, err := ParsePeriod(s)
	if err != nil {
		return err
	}
	*p = d
	return nil
}

// ParsePeriod parses "168h", "90m" or "7d".
func ParsePeriod(s string) (Period, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("custody period %q: invalid day count", s)
		}
		return Period(time.Duration(n) * 24 * time.Hour), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("custody period %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("custody period %q: negative", s)
	}
	return Period(d), nil
}

// Payment is the central aggregate.
type Payment struct {
	ID                      string           `json:"id"`
	PayerID                 string           `json:"payerId"`
	PayeeID                 string           `json:"payeeId"`
	CommissionBeneficiaryID string           `json:"commissionBeneficiaryId,omitempty"`
	CommissionAccount       string           `json:"commissionAccount,omitempty"`
	Amount                  decimal.Decimal  `json:"amount"`
	Currency                string           `json:"currency"`
	CommissionAmount        decimal.Decimal  `json:"commissionAmount"`
	TotalAmount             decimal.Decimal  `json:"totalAmount"`
	CustodyPercent          int              `json:"custodyPercent"`
	CustodyPeriod           Period           `json:"custodyPeriod"`
	DepositAccount          string           `json:"depositAccount"`
	PayoutAccount           string           `json:"payoutAccount"`
	RefundAccount           string           `json:"refundAccount,omitempty"`
	Description             string           `json:"description,omitempty"`
	Status                  Status           `json:"status"`
	AutomationState         AutomationState  `json:"automationState"`
	WithdrawalStatus        WithdrawalStatus `json:"withdrawalStatus,omitempty"`
	WithdrawalID            string           `json:"withdrawalId,omitempty"`
	WithdrawalAttempts      int              `json:"withdrawalAttempts"`
	WithdrawalRequestedAt   *time.Time       `json:"withdrawalRequestedAt,omitempty"`
	DepositTxID             string           `json:"depositTxId,omitempty"`
	SettledAmount           decimal.Decimal  `json:"settledAmount"`
	EscrowCreationLocked    bool             `json:"escrowCreationLocked"`
	EscrowLockExpiresAt     *time.Time       `json:"escrowLockExpiresAt,omitempty"`
	EscrowLockToken         string           `json:"-"`
	PayerApproved           bool             `json:"payerApproved"`
	PayeeApproved           bool             `json:"payeeApproved"`
	FailureReason           string           `json:"failureReason,omitempty"`
	Version                 int64            `json:"version"`
	CreatedAt               time.Time        `json:"createdAt"`
	UpdatedAt               time.Time        `json:"updatedAt"`
}

// IsParticipant reports whether userID is the payer or the payee.
func (p *Payment) IsParticipant(userID string) bool {
	return userID != "" && (userID == p.PayerID || userID == p.PayeeID)
}

// EscrowStatus is the state of the custody lock tied to a payment.
type EscrowStatus string

const (
	EscrowPending   EscrowStatus = "pending"
	EscrowActive    EscrowStatus = "active"
	EscrowExecuting EscrowStatus = "executing"
	EscrowReleased  EscrowStatus = "released"
	EscrowDisputed  EscrowStatus = "disputed"
	EscrowExpired   EscrowStatus = "expired" // creation abandoned after a terminal failure
)

// Release recipients.
const (
	RecipientPayee = "payee"
	RecipientPayer = "payer"
)

// Escrow is the custody lock, 1:1 with its payment.
type Escrow struct {
	ID              string          `json:"id"`
	PaymentID       string          `json:"paymentId"`
	CustodyAmount   decimal.Decimal `json:"custodyAmount"`
	ImmediateAmount decimal.Decimal `json:"immediateAmount"`
	Status          EscrowStatus    `json:"status"`
	CustodyStart    *time.Time      `json:"custodyStart,omitempty"`
	CustodyEnd      *time.Time      `json:"custodyEnd,omitempty"`
	ExternalRef     string          `json:"externalRef,omitempty"`
	ReleaseIntent   string          `json:"releaseIntent,omitempty"`
	ReleaseRef      string          `json:"releaseRef,omitempty"`
	Recipient       string          `json:"recipient,omitempty"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// LeavingCustody reports whether a release or refund has been committed
// to the custody contract. From then on a dispute can no longer hold the
// funds back.
func (e *Escrow) LeavingCustody() bool {
	return e.Status == EscrowExecuting && (e.ReleaseIntent != "" || e.ReleaseRef != "")
}

// Due reports whether custody has elapsed at now.
func (e *Escrow) Due(now time.Time) bool {
	return e.CustodyEnd != nil && !now.Before(*e.CustodyEnd)
}

// Event is an append-only audit entry.
type Event struct {
	ID          string            `json:"id"`
	PaymentID   string            `json:"paymentId"`
	Type        string            `json:"type"`
	Description string            `json:"description"`
	Actor       string            `json:"actor,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Store persists payments. It also carries the lock ledger fields.
type Store interface {
	lockledger.Store

	// Create inserts p. ErrDuplicateAccount if the deposit account is taken.
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByDepositAccount(ctx context.Context, account string) (*Payment, error)
	// CompareAndSwap writes p only if the stored row is still at
	// expectedState and expectedVersion, then sets p.Version to the new
	// version. ErrConflict otherwise.
	CompareAndSwap(ctx context.Context, p *Payment, expectedState AutomationState, expectedVersion int64) error
	ListForUser(ctx context.Context, userID string, limit int) ([]*Payment, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Payment, error)
	// ListByAutomationState returns payments in state last updated before
	// updatedBefore, oldest first.
	ListByAutomationState(ctx context.Context, state AutomationState, updatedBefore time.Time, limit int) ([]*Payment, error)
}

// EscrowStore persists escrows.
type EscrowStore interface {
	// CreateEscrow inserts e, or returns the payment's existing escrow
	// with ErrEscrowExists.
	CreateEscrow(ctx context.Context, e *Escrow) (*Escrow, error)
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	GetEscrowByPayment(ctx context.Context, paymentID string) (*Escrow, error)
	// UpdateEscrow writes e only if the stored row is still at
	// expectedStatus and expectedVersion. ErrConflict otherwise.
	UpdateEscrow(ctx context.Context, e *Escrow, expectedStatus EscrowStatus, expectedVersion int64) error
	// ListDueEscrows returns active escrows whose custody ended by now.
	ListDueEscrows(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
	// ListStaleExecuting returns executing escrows untouched since before.
	ListStaleExecuting(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
}

// EventStore persists the audit trail.
type EventStore interface {
	AppendEvent(ctx context.Context, ev *Event) error
	ListEvents(ctx context.Context, paymentID string) ([]*Event, error)
}
