package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/rodrigojille/kustodia-sub014/internal/logging"
	"github.com/rodrigojille/kustodia-sub014/internal/metrics"
	"github.com/rodrigojille/kustodia-sub014/internal/traces"
)

// Participants returns the payment and its escrow, for authorizing and
// validating a dispute.
func (e *Engine) Participants(ctx context.Context, paymentID string) (*Payment, *Escrow, error) {
	p, err := e.store.Get(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}
	esc, err := e.escrows.GetEscrowByPayment(ctx, paymentID)
	if err != nil {
		return p, nil, err
	}
	return p, esc, nil
}

// SuspendRelease flags the escrow disputed so no sweep releases it. An
// executing escrow can still be suspended until a release intent is
// recorded for it.
func (e *Engine) SuspendRelease(ctx context.Context, paymentID, actor string) (*Escrow, error) {
	ctx = logging.WithPaymentID(ctx, paymentID)
	esc, err := e.escrows.GetEscrowByPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	switch esc.Status {
	case EscrowActive:
	case EscrowExecuting:
		if esc.LeavingCustody() {
			return nil, ErrReleaseInProgress
		}
	default:
		return nil, ErrInvalidState
	}

	from := esc.Status
	expected := esc.Version
	esc.Status = EscrowDisputed
	esc.UpdatedAt = e.now()
	if err := e.escrows.UpdateEscrow(ctx, esc, from, expected); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrReleaseInProgress
		}
		return nil, err
	}

	if esc.ExternalRef != "" {
		if err := e.callAdapter(ctx, paymentID, EventDisputeFlagError, "flag_disputed", func(ctx context.Context) error {
			return e.custody.FlagDisputed(ctx, esc.ExternalRef)
		}); err != nil {
			// The escrow row is already disputed, which is what sweeps check.
			logging.L(ctx).Error("custody dispute flag failed", "escrowId", esc.ID, "error", err)
		}
	}

	if _, err := e.update(ctx, paymentID, func(next Payment) (*Payment, error) {
		if next.Status == StatusDisputed {
			return nil, nil
		}
		next.Status = StatusDisputed
		return &next, nil
	}); err != nil {
		logging.L(ctx).Error("failed to mark payment disputed", "error", err)
	}

	e.recordEvent(ctx, paymentID, EventReleaseSuspended, "release suspended by dispute", actor, map[string]string{"escrowId": esc.ID})
	return esc, nil
}

// ResumeRelease returns a disputed escrow to the normal path. If custody
// already elapsed the release runs now; otherwise the sweeper picks it up.
func (e *Engine) ResumeRelease(ctx context.Context, paymentID, actor string) (*Escrow, error) {
	ctx = logging.WithPaymentID(ctx, paymentID)
	esc, err := e.escrows.GetEscrowByPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if esc.Status != EscrowDisputed {
		return nil, ErrInvalidState
	}

	expected := esc.Version
	esc.Status = EscrowActive
	esc.UpdatedAt = e.now()
	if err := e.escrows.UpdateEscrow(ctx, esc, EscrowDisputed, expected); err != nil {
		return nil, err
	}

	if esc.ExternalRef != "" {
		if err := e.callAdapter(ctx, paymentID, EventDisputeFlagError, "clear_dispute", func(ctx context.Context) error {
			return e.custody.ClearDispute(ctx, esc.ExternalRef)
		}); err != nil {
			logging.L(ctx).Error("custody dispute clear failed", "escrowId", esc.ID, "error", err)
		}
	}

	if _, err := e.update(ctx, paymentID, func(next Payment) (*Payment, error) {
		if next.Status != StatusDisputed {
			return nil, nil
		}
		next.Status = StatusInCustody
		return &next, nil
	}); err != nil {
		logging.L(ctx).Error("failed to clear payment dispute status", "error", err)
	}
	e.recordEvent(ctx, paymentID, EventReleaseResumed, "release resumed after dispute", actor, map[string]string{"escrowId": esc.ID})

	if esc.Due(e.now()) {
		released, err := e.executeRelease(ctx, paymentID, TriggerDisputeRejected, false)
		if err != nil && !IsBenign(err) {
			return nil, err
		}
		if released != nil {
			return released, nil
		}
	}
	return e.escrows.GetEscrowByPayment(ctx, paymentID)
}

// Refund redirects a disputed escrow's custody amount to the payer.
func (e *Engine) Refund(ctx context.Context, paymentID, actor string) (*Escrow, error) {
	return e.refund(ctx, paymentID, actor, false)
}

func (e *Engine) refund(ctx context.Context, paymentID, actor string, resume bool) (esc *Escrow, err error) {
	ctx = logging.WithPaymentID(ctx, paymentID)
	ctx, span := traces.StartSpan(ctx, "payment.Refund", traces.PaymentID(paymentID))
	defer func() { traces.End(span, err) }()

	p, err := e.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	esc, err = e.escrows.GetEscrowByPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if esc.Status == EscrowReleased && esc.Recipient == RecipientPayer {
		return esc, nil
	}
	if p.AutomationState != StateEscrowComplete && p.AutomationState != StateExecuting {
		return nil, ErrInvalidState
	}

	from := EscrowDisputed
	if resume {
		from = EscrowExecuting
	}
	if esc.Status != from {
		return nil, ErrInvalidState
	}
	if err = e.claimEscrow(ctx, esc, from, RecipientPayer); err != nil {
		return nil, err
	}

	if esc.ExternalRef != "" {
		err = e.callAdapter(ctx, paymentID, EventDisputeFlagError, "clear_dispute", func(ctx context.Context) error {
			return e.custody.ClearDispute(ctx, esc.ExternalRef)
		})
		if err != nil {
			e.failPayment(ctx, paymentID, NotifyPayoutProcessingError, fmt.Sprintf("custody dispute clear failed: %v", err))
			return nil, err
		}
	}

	if err = e.releaseFromCustody(ctx, p, esc, "refund", RecipientPayer); err != nil {
		if !IsBenign(err) {
			e.failPayment(ctx, paymentID, NotifyPayoutProcessingError, fmt.Sprintf("custody refund failed: %v", err))
		}
		return nil, err
	}

	if esc.CustodyAmount.IsPositive() {
		if _, err = e.payOut(ctx, p, "refund_payout", esc.CustodyAmount, p.PayerID, p.RefundAccount); err != nil {
			e.failPayment(ctx, paymentID, NotifyPayoutProcessingError, fmt.Sprintf("refund payout failed: %v", err))
			return nil, err
		}
	}

	if err = e.finishEscrow(ctx, esc); err != nil {
		return nil, err
	}
	final, err := e.update(ctx, paymentID, func(next Payment) (*Payment, error) {
		if next.AutomationState == StateRefunded {
			return nil, nil
		}
		next.AutomationState = StateRefunded
		next.Status = StatusRefunded
		return &next, nil
	})
	if err != nil {
		logging.Critical(ctx, "refund paid out but payment not marked refunded", "error", err)
		return nil, err
	}

	metrics.EscrowsReleasedTotal.WithLabelValues(RecipientPayer, TriggerDisputeApproved).Inc()
	amount := esc.CustodyAmount.String()
	e.recordEvent(ctx, paymentID, EventRefundCompleted, "custody refunded to payer", actor, map[string]string{"amount": amount})
	e.recordEvent(ctx, paymentID, NotifyEscrowFinished, "escrow finished", "system", nil)
	e.notify(ctx, final, NotifyPayoutCompleted, map[string]string{"amount": amount, "recipient": RecipientPayer})
	e.notify(ctx, final, NotifyEscrowFinished, nil)
	logging.L(ctx).Info("escrow refunded", "recipient", RecipientPayer, "amount", amount)
	return esc, nil
}

// Announce sends a notification about paymentID to both parties.
func (e *Engine) Announce(ctx context.Context, paymentID, notifyType string, details map[string]string) {
	p, err := e.store.Get(ctx, paymentID)
	if err != nil {
		logging.L(ctx).Warn("notification skipped: payment not loaded", "type", notifyType, "error", err)
		return
	}
	e.notify(ctx, p, notifyType, details)
}
