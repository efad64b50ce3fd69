package payment

import (
	"context"
	"time"
)

// Notification types emitted to the notification sink.
const (
	NotifyPaymentCreated        = "payment_created"
	NotifyFundsReceived         = "funds_received"
	NotifyEscrowCreated         = "escrow_created"
	NotifyEscrowExecuting       = "escrow_executing"
	NotifyEscrowFinished        = "escrow_finished"
	NotifyPaymentReleased       = "payment_released"
	NotifyDisputeStarted        = "dispute_started"
	NotifyPayoutCompleted       = "payout_completed"
	NotifyPayoutProcessingError = "payout_processing_error"
	NotifyEscrowError           = "escrow_error"
)

// Audit event types. Notification types double as event types.
const (
	EventDepositInsufficient = "deposit_insufficient"
	EventDepositIgnored      = "deposit_ignored"
	EventWithdrawalRequested = "withdrawal_requested"
	EventWithdrawalError     = "withdrawal_error"
	EventWithdrawalCompleted = "withdrawal_completed"
	EventWithdrawalFailed    = "withdrawal_failed"
	EventEscrowCreateError   = "escrow_create_error"
	EventPartialRelease      = "partial_release"
	EventCustodyReleaseError = "custody_release_error"
	EventConversionError     = "conversion_error"
	EventPayoutError         = "payout_error"
	EventPaymentFailed       = "payment_failed"
	EventReleaseApproved     = "release_approved"
	EventPaymentCancelled    = "payment_cancelled"
	EventForceExpired        = "custody_force_expired"
	EventReleaseSuspended    = "release_suspended"
	EventReleaseResumed      = "release_resumed"
	EventRefundCompleted     = "refund_completed"
	EventReleaseConflict     = "release_conflict"
	EventDisputeFlagError    = "dispute_flag_error"
	EventPayoutConfirmed     = "payout_confirmed"
	EventPayoutReturned      = "payout_returned"
)

// Notification is what the state machine hands to the notification sink.
type Notification struct {
	Type       string            `json:"type"`
	PaymentID  string            `json:"paymentId"`
	Details    map[string]string `json:"details"`
	Recipients []string          `json:"recipients,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Notifier delivers notifications. Implementations must not block the
// caller on network I/O.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NopNotifier drops notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) {}
