package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/rodrigojille/kustodia-sub014/internal/custodian"
	"github.com/rodrigojille/kustodia-sub014/internal/logging"
	"github.com/rodrigojille/kustodia-sub014/internal/money"
	"github.com/rodrigojille/kustodia-sub014/internal/provider"
	"github.com/rodrigojille/kustodia-sub014/internal/retry"
	"github.com/rodrigojille/kustodia-sub014/internal/traces"
)

// WithdrawalKey is the custodian idempotency key for one conversion
// attempt. Retrying the same attempt reuses the key, so the custodian
// never performs two conversions for it.
func WithdrawalKey(p *Payment) string {
	return fmt.Sprintf("%s:withdrawal:%d:%s", p.ID, p.WithdrawalAttempts, money.Fingerprint(p.SettledAmount))
}

// RequestWithdrawal converts the settled deposit to stablecoin.
//
// From deposit_detected it opens attempt 1. In withdrawal_pending it opens
// the next attempt after a recorded failure, re-sends the same attempt if
// no withdrawal id was ever recorded and the timeout elapsed, and polls the
// custodian for a recorded id past the timeout. Anything else in flight
// returns ErrWithdrawalInFlight.
func (e *Engine) RequestWithdrawal(ctx context.Context, paymentID string) (*Payment, error) {
	p, err := e.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithPaymentID(ctx, p.ID)
	ctx, span := traces.StartSpan(ctx, "payment.RequestWithdrawal", traces.PaymentID(p.ID))
	defer func() { traces.End(span, err) }()

	now := e.now()
	next := *p
	next.AutomationState = StateWithdrawalPending
	next.WithdrawalStatus = WithdrawalPending
	next.WithdrawalRequestedAt = &now

	switch {
	case p.AutomationState == StateDepositDetected:
		next.WithdrawalAttempts = 1
		next.WithdrawalID = ""

	case p.AutomationState == StateWithdrawalPending && p.WithdrawalStatus == WithdrawalFailed:
		if p.WithdrawalAttempts >= e.cfg.WithdrawalMaxAttempts {
			e.failPayment(ctx, p.ID, NotifyEscrowError, "stablecoin conversion failed after maximum attempts")
			return nil, ErrInvalidState
		}
		next.WithdrawalAttempts = p.WithdrawalAttempts + 1
		next.WithdrawalID = ""

	case p.AutomationState == StateWithdrawalPending && p.WithdrawalStatus == WithdrawalPending:
		if p.WithdrawalRequestedAt != nil && now.Sub(*p.WithdrawalRequestedAt) < e.cfg.WithdrawalTimeout {
			return p, ErrWithdrawalInFlight
		}
		if p.WithdrawalID != "" {
			return e.pollWithdrawal(ctx, p)
		}
		// Crashed before the id was recorded: resend the same attempt.

	default:
		err = ErrInvalidState
		return p, err
	}

	if err = e.transition(ctx, p, &next); err != nil {
		return nil, err
	}
	e.recordEvent(ctx, p.ID, EventWithdrawalRequested, "stablecoin conversion requested", "system", map[string]string{
		"attempt":        fmt.Sprint(next.WithdrawalAttempts),
		"idempotencyKey": WithdrawalKey(&next),
	})

	var res *custodian.ConversionResult
	err = e.callAdapter(ctx, p.ID, EventWithdrawalError, "mint_from_fiat", func(ctx context.Context) error {
		var callErr error
		res, callErr = e.custodian.MintFromFiat(ctx, custodian.ConversionRequest{
			IdempotencyKey: WithdrawalKey(&next),
			PaymentID:      p.ID,
			Amount:         next.SettledAmount,
			Currency:       next.Currency,
		})
		return callErr
	})
	if err != nil {
		return nil, e.handleMintFailure(ctx, &next, err)
	}

	recorded, err := e.recordWithdrawalID(ctx, p.ID, next.WithdrawalAttempts, res.ExternalID)
	if err != nil {
		return nil, err
	}

	switch res.Status {
	case custodian.TxCompleted:
		return e.CompleteWithdrawal(ctx, p.ID, res.ExternalID)
	case custodian.TxFailed:
		return e.FailWithdrawal(ctx, p.ID, res.ExternalID, "custodian rejected conversion")
	}
	return recorded, nil
}

func (e *Engine) handleMintFailure(ctx context.Context, p *Payment, err error) error {
	if provider.IsTerminal(err) {
		e.failPayment(ctx, p.ID, NotifyEscrowError, fmt.Sprintf("stablecoin conversion rejected: %v", err))
		return err
	}
	if retry.IsExhausted(err) {
		// Count the attempt as failed; the sweeper opens the next one.
		cur, getErr := e.store.Get(ctx, p.ID)
		if getErr != nil {
			return err
		}
		if cur.AutomationState == StateWithdrawalPending && cur.WithdrawalAttempts == p.WithdrawalAttempts && cur.WithdrawalID == "" {
			failed := *cur
			failed.WithdrawalStatus = WithdrawalFailed
			if tErr := e.transition(ctx, cur, &failed); tErr == nil && failed.WithdrawalAttempts >= e.cfg.WithdrawalMaxAttempts {
				e.failPayment(ctx, p.ID, NotifyEscrowError, "stablecoin conversion failed after maximum attempts")
			}
		}
	}
	return err
}

// recordWithdrawalID stores the custodian's id for attempt. A different id
// already recorded for the same attempt is rejected.
func (e *Engine) recordWithdrawalID(ctx context.Context, paymentID string, attempt int, withdrawalID string) (*Payment, error) {
	if withdrawalID == "" {
		return nil, fmt.Errorf("custodian returned no withdrawal id")
	}
	for {
		p, err := e.store.Get(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		if p.AutomationState != StateWithdrawalPending || p.WithdrawalAttempts != attempt {
			if p.WithdrawalID == withdrawalID {
				return p, nil
			}
			return nil, ErrStaleWithdrawal
		}
		switch p.WithdrawalID {
		case withdrawalID:
			return p, nil
		case "":
		default:
			return nil, ErrDuplicateWithdrawal
		}

		next := *p
		next.WithdrawalID = withdrawalID
		err = e.transition(ctx, p, &next)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &next, nil
	}
}

// pollWithdrawal resolves a timed-out withdrawal by asking the custodian.
func (e *Engine) pollWithdrawal(ctx context.Context, p *Payment) (*Payment, error) {
	status, err := e.custodian.TransactionStatus(ctx, p.WithdrawalID)
	if err != nil {
		e.recordEvent(ctx, p.ID, EventWithdrawalError, fmt.Sprintf("status poll failed: %v", err), "system", nil)
		return nil, err
	}
	switch status {
	case custodian.TxCompleted:
		return e.completeWithdrawal(ctx, p.ID, p.WithdrawalID, WithdrawalVerified)
	case custodian.TxFailed:
		return e.FailWithdrawal(ctx, p.ID, p.WithdrawalID, "custodian reports conversion failed")
	}
	return p, ErrWithdrawalInFlight
}

// CompleteWithdrawal applies the custodian's confirmation and continues
// with escrow creation. Replays for an already-applied id are no-ops.
func (e *Engine) CompleteWithdrawal(ctx context.Context, paymentID, withdrawalID string) (*Payment, error) {
	return e.completeWithdrawal(ctx, paymentID, withdrawalID, WithdrawalCompleted)
}

// VerifyWithdrawal is CompleteWithdrawal for confirmations obtained by
// polling rather than pushed by webhook.
func (e *Engine) VerifyWithdrawal(ctx context.Context, paymentID, withdrawalID string) (*Payment, error) {
	return e.completeWithdrawal(ctx, paymentID, withdrawalID, WithdrawalVerified)
}

func (e *Engine) completeWithdrawal(ctx context.Context, paymentID, withdrawalID string, status WithdrawalStatus) (*Payment, error) {
	p, err := e.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithPaymentID(ctx, p.ID)

	if p.WithdrawalID != withdrawalID {
		e.recordEvent(ctx, p.ID, EventWithdrawalError, "stale withdrawal confirmation rejected", "system",
			map[string]string{"withdrawalId": withdrawalID, "current": p.WithdrawalID})
		return nil, ErrStaleWithdrawal
	}
	if p.AutomationState.Rank() > StateWithdrawalPending.Rank() {
		return p, nil
	}
	if p.AutomationState != StateWithdrawalPending || p.WithdrawalStatus != WithdrawalPending {
		return nil, ErrInvalidState
	}

	next := *p
	next.AutomationState = StateWithdrawalComplete
	next.WithdrawalStatus = status
	if err := e.transition(ctx, p, &next); err != nil {
		if errors.Is(err, ErrConflict) {
			return e.store.Get(ctx, p.ID)
		}
		return nil, err
	}
	e.recordEvent(ctx, p.ID, EventWithdrawalCompleted, "stablecoin conversion completed", "custodian",
		map[string]string{"withdrawalId": withdrawalID, "status": string(status)})

	if _, err := e.CreateEscrow(ctx, p.ID); err != nil && !IsBenign(err) {
		logging.L(ctx).Warn("escrow creation after withdrawal did not complete", "error", err)
	}
	return e.store.Get(ctx, p.ID)
}

// FailWithdrawal records a failed conversion for the current attempt. The
// next attempt opens immediately until the attempt bound is reached, then
// the payment fails.
func (e *Engine) FailWithdrawal(ctx context.Context, paymentID, withdrawalID, reason string) (*Payment, error) {
	p, err := e.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithPaymentID(ctx, p.ID)

	if p.WithdrawalID != withdrawalID {
		return nil, ErrStaleWithdrawal
	}
	if p.AutomationState != StateWithdrawalPending || p.WithdrawalStatus != WithdrawalPending {
		return nil, ErrInvalidState
	}

	next := *p
	next.WithdrawalStatus = WithdrawalFailed
	if err := e.transition(ctx, p, &next); err != nil {
		return nil, err
	}
	e.recordEvent(ctx, p.ID, EventWithdrawalFailed, reason, "custodian", map[string]string{
		"withdrawalId": withdrawalID,
		"attempt":      fmt.Sprint(p.WithdrawalAttempts),
	})

	if next.WithdrawalAttempts >= e.cfg.WithdrawalMaxAttempts {
		e.failPayment(ctx, p.ID, NotifyEscrowError, "stablecoin conversion failed after maximum attempts")
		return e.store.Get(ctx, p.ID)
	}
	return e.RequestWithdrawal(ctx, p.ID)
}
