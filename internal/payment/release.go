package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/rodrigojille/kustodia-sub014/internal/custody"
	"github.com/rodrigojille/kustodia-sub014/internal/logging"
	"github.com/rodrigojille/kustodia-sub014/internal/metrics"
	"github.com/rodrigojille/kustodia-sub014/internal/traces"
)

// Release triggers.
const (
	TriggerExpiry          = "expiry"
	TriggerMutual          = "mutual"
	TriggerDisputeRejected = "dispute_rejected"
	TriggerDisputeApproved = "dispute_approved"
)

const maxUpdateAttempts = 5

// update applies mutate to the latest payment and writes it, retrying on
// concurrent modification. mutate returning nil means nothing to write.
func (e *Engine) update(ctx context.Context, paymentID string, mutate func(cur Payment) (*Payment, error)) (*Payment, error) {
	for i := 0; i < maxUpdateAttempts; i++ {
		cur, err := e.store.Get(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		next, err := mutate(*cur)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return cur, nil
		}
		err = e.transition(ctx, cur, next)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	}
	return nil, ErrConflict
}

// ExecuteRelease releases a due escrow to the payee. Before custody ends
// it returns ErrNotDue unless both parties approved.
func (e *Engine) ExecuteRelease(ctx context.Context, paymentID string) (*Escrow, error) {
	p, err := e.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	trigger := TriggerExpiry
	if p.PayerApproved && p.PayeeApproved {
		trigger = TriggerMutual
	}
	return e.executeRelease(ctx, paymentID, trigger, false)
}

// ApproveRelease records one party's confirmation. Once payer and payee
// have both approved, the escrow releases without waiting for expiry.
func (e *Engine) ApproveRelease(ctx context.Context, paymentID, userID string) (*Payment, error) {
	ctx = logging.WithPaymentID(ctx, paymentID)
	esc, err := e.escrows.GetEscrowByPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if esc.Status != EscrowActive {
		return nil, ErrInvalidState
	}

	p, err := e.update(ctx, paymentID, func(next Payment) (*Payment, error) {
		if !next.IsParticipant(userID) {
			return nil, ErrUnauthorized
		}
		if next.AutomationState != StateEscrowComplete && next.AutomationState != StateExecuting {
			return nil, ErrInvalidState
		}
		if userID == next.PayerID {
			if next.PayerApproved {
				return nil, nil
			}
			next.PayerApproved = true
		} else {
			if next.PayeeApproved {
				return nil, nil
			}
			next.PayeeApproved = true
		}
		return &next, nil
	})
	if err != nil {
		return nil, err
	}
	e.recordEvent(ctx, paymentID, EventReleaseApproved, "release approved", userID, nil)

	if p.PayerApproved && p.PayeeApproved {
		if _, err := e.executeRelease(ctx, paymentID, TriggerMutual, false); err != nil && !IsBenign(err) {
			return nil, err
		}
		return e.store.Get(ctx, paymentID)
	}
	return p, nil
}

// ForceExpire rewinds custody_end to now so the next sweep releases the
// escrow. Disabled in production.
func (e *Engine) ForceExpire(ctx context.Context, paymentID, actor string) (*Escrow, error) {
	if !e.cfg.AllowForceExpire {
		return nil, ErrForceExpireDisabled
	}
	for i := 0; i < maxUpdateAttempts; i++ {
		esc, err := e.escrows.GetEscrowByPayment(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		if esc.Status != EscrowActive && esc.Status != EscrowDisputed {
			return nil, ErrInvalidState
		}
		now := e.now()
		expected := esc.Version
		esc.CustodyEnd = &now
		esc.UpdatedAt = now
		err = e.escrows.UpdateEscrow(ctx, esc, esc.Status, expected)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		e.recordEvent(ctx, paymentID, EventForceExpired, "custody end rewound to now", actor, nil)
		return esc, nil
	}
	return nil, ErrConflict
}

// ResumeStale finishes a release or refund whose worker stopped while the
// escrow was executing.
func (e *Engine) ResumeStale(ctx context.Context, paymentID string) (*Escrow, error) {
	esc, err := e.escrows.GetEscrowByPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if esc.Recipient == RecipientPayer {
		return e.refund(ctx, paymentID, "system", true)
	}
	return e.executeRelease(ctx, paymentID, TriggerExpiry, true)
}

// claimEscrow moves esc into executing. With resume the escrow must
// already be executing; the version bump still makes the claim exclusive.
func (e *Engine) claimEscrow(ctx context.Context, esc *Escrow, from EscrowStatus, recipient string) error {
	expected := esc.Version
	esc.Status = EscrowExecuting
	esc.Recipient = recipient
	esc.UpdatedAt = e.now()
	return e.escrows.UpdateEscrow(ctx, esc, from, expected)
}

func (e *Engine) executeRelease(ctx context.Context, paymentID, trigger string, resume bool) (esc *Escrow, err error) {
	ctx = logging.WithPaymentID(ctx, paymentID)
	ctx, span := traces.StartSpan(ctx, "payment.ExecuteRelease", traces.PaymentID(paymentID))
	defer func() { traces.End(span, err) }()

	p, err := e.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	esc, err = e.escrows.GetEscrowByPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("escrowId", esc.ID))

	if esc.Status == EscrowReleased {
		return esc, nil
	}
	if p.AutomationState != StateEscrowComplete && p.AutomationState != StateExecuting {
		return nil, ErrInvalidState
	}

	from := EscrowActive
	if resume {
		from = EscrowExecuting
	}
	switch {
	case esc.Status == EscrowDisputed:
		return nil, ErrReleaseSuspended
	case esc.Status != from:
		return nil, ErrConflict
	case !resume && trigger != TriggerMutual && !esc.Due(e.now()):
		return nil, ErrNotDue
	}

	if err = e.claimEscrow(ctx, esc, from, RecipientPayee); err != nil {
		return nil, err
	}

	if _, err = e.update(ctx, paymentID, func(next Payment) (*Payment, error) {
		switch next.AutomationState {
		case StateEscrowComplete:
			next.AutomationState = StateExecuting
		case StateExecuting:
			if next.Status == StatusReleasing {
				return nil, nil
			}
		default:
			return nil, ErrInvalidState
		}
		next.Status = StatusReleasing
		return &next, nil
	}); err != nil {
		return nil, err
	}
	if !resume {
		e.recordEvent(ctx, paymentID, NotifyEscrowExecuting, "escrow release started", "system", map[string]string{"trigger": trigger})
		e.notify(ctx, p, NotifyEscrowExecuting, map[string]string{"trigger": trigger})
	}

	if err = e.releaseFromCustody(ctx, p, esc, "release", RecipientPayee); err != nil {
		if !IsBenign(err) {
			e.failPayment(ctx, paymentID, NotifyPayoutProcessingError, fmt.Sprintf("custody release failed: %v", err))
		}
		return nil, err
	}

	if esc.CustodyAmount.IsPositive() {
		if _, err = e.payOut(ctx, p, "payout", esc.CustodyAmount, p.PayeeID, p.PayoutAccount); err != nil {
			e.failPayment(ctx, paymentID, NotifyPayoutProcessingError, fmt.Sprintf("payout to payee failed: %v", err))
			return nil, err
		}
	}

	if p.CommissionBeneficiaryID != "" && p.CommissionAmount.IsPositive() {
		if _, cErr := e.payOut(ctx, p, "commission_payout", p.CommissionAmount, p.CommissionBeneficiaryID, p.CommissionAccount); cErr != nil {
			// The payee is paid; the commission is settled by operators.
			e.notify(ctx, p, NotifyPayoutProcessingError, map[string]string{"reason": "commission payout failed", "error": cErr.Error()})
			logging.L(ctx).Error("commission payout failed", "error", cErr)
		}
	}

	if err = e.finishEscrow(ctx, esc); err != nil {
		return nil, err
	}

	final, err := e.update(ctx, paymentID, func(next Payment) (*Payment, error) {
		if next.AutomationState == StateReleased {
			return nil, nil
		}
		next.AutomationState = StateReleased
		next.Status = StatusCompleted
		return &next, nil
	})
	if err != nil {
		logging.Critical(ctx, "funds paid out but payment not marked released", "error", err)
		return nil, err
	}

	metrics.EscrowsReleasedTotal.WithLabelValues(RecipientPayee, trigger).Inc()
	if esc.CustodyStart != nil {
		metrics.EscrowCustodyDuration.Observe(e.now().Sub(*esc.CustodyStart).Seconds())
	}
	amount := esc.CustodyAmount.String()
	e.recordEvent(ctx, paymentID, NotifyPaymentReleased, "custody released to payee", "system", map[string]string{"amount": amount, "trigger": trigger})
	e.recordEvent(ctx, paymentID, NotifyPayoutCompleted, "payout to payee completed", "system", map[string]string{"amount": amount})
	e.recordEvent(ctx, paymentID, NotifyEscrowFinished, "escrow finished", "system", nil)
	e.notify(ctx, final, NotifyPaymentReleased, map[string]string{"amount": amount, "kind": "custody"})
	e.notify(ctx, final, NotifyPayoutCompleted, map[string]string{"amount": amount, "recipient": RecipientPayee})
	e.notify(ctx, final, NotifyEscrowFinished, nil)
	logging.L(ctx).Info("escrow released", "recipient", RecipientPayee, "trigger", trigger, "amount", amount)
	return esc, nil
}

// releaseFromCustody moves the custody amount out of the contract and
// checkpoints the release reference on the escrow. The release intent is
// written under the executing version first, so a dispute either lands
// before it (ErrReleaseSuspended, nothing moved) or is refused after it.
func (e *Engine) releaseFromCustody(ctx context.Context, p *Payment, esc *Escrow, step, recipient string) error {
	if !esc.CustodyAmount.IsPositive() || esc.ReleaseRef != "" {
		return nil
	}

	releaseID := p.ID + ":" + step
	if esc.ReleaseIntent != releaseID {
		expected := esc.Version
		esc.ReleaseIntent = releaseID
		esc.UpdatedAt = e.now()
		if err := e.escrows.UpdateEscrow(ctx, esc, EscrowExecuting, expected); err != nil {
			if cur, getErr := e.escrows.GetEscrow(ctx, esc.ID); getErr == nil && cur.Status == EscrowDisputed {
				return ErrReleaseSuspended
			}
			return err
		}
	}

	var res *custody.ReleaseResult
	err := e.callAdapter(ctx, p.ID, EventCustodyReleaseError, "custody_release", func(ctx context.Context) error {
		var callErr error
		res, callErr = e.custody.Release(ctx, custody.ReleaseRequest{
			ReleaseID: releaseID,
			Ref:       esc.ExternalRef,
			Amount:    esc.CustodyAmount,
			Recipient: recipient,
		})
		return callErr
	})
	if err != nil {
		return err
	}

	expected := esc.Version
	esc.ReleaseRef = res.ReleaseID
	esc.UpdatedAt = e.now()
	if err := e.escrows.UpdateEscrow(ctx, esc, EscrowExecuting, expected); err != nil {
		logging.Critical(ctx, "custody released but escrow changed concurrently", "releaseId", res.ReleaseID, "error", err)
		e.recordEvent(ctx, p.ID, EventReleaseConflict, "custody released while escrow changed concurrently", "system",
			map[string]string{"releaseId": res.ReleaseID})
		return ErrConflict
	}
	return nil
}

func (e *Engine) finishEscrow(ctx context.Context, esc *Escrow) error {
	expected := esc.Version
	esc.Status = EscrowReleased
	esc.UpdatedAt = e.now()
	if err := e.escrows.UpdateEscrow(ctx, esc, EscrowExecuting, expected); err != nil {
		logging.Critical(ctx, "funds paid out but escrow not marked released", "error", err)
		return err
	}
	return nil
}
