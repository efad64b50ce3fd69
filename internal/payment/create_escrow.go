package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rodrigojille/kustodia-sub014/internal/bankrail"
	"github.com/rodrigojille/kustodia-sub014/internal/custodian"
	"github.com/rodrigojille/kustodia-sub014/internal/custody"
	"github.com/rodrigojille/kustodia-sub014/internal/idgen"
	"github.com/rodrigojille/kustodia-sub014/internal/lockledger"
	"github.com/rodrigojille/kustodia-sub014/internal/logging"
	"github.com/rodrigojille/kustodia-sub014/internal/money"
	"github.com/rodrigojille/kustodia-sub014/internal/traces"
)

// CreateEscrow locks the custody share of a converted payment and pays
// out the immediate share, under the payment's escrow-creation lock.
// ErrLockHeld means another worker is already creating it.
func (e *Engine) CreateEscrow(ctx context.Context, paymentID string) (*Escrow, error) {
	p, err := e.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithPaymentID(ctx, p.ID)
	ctx, span := traces.StartSpan(ctx, "payment.CreateEscrow", traces.PaymentID(p.ID))
	defer func() { traces.End(span, err) }()

	switch p.AutomationState {
	case StateWithdrawalComplete, StateEscrowPending:
	case StateEscrowComplete, StateExecuting, StateReleased, StateRefunded:
		return e.escrows.GetEscrowByPayment(ctx, p.ID)
	default:
		err = ErrInvalidState
		return nil, err
	}

	var esc *Escrow
	err = e.locks.WithLock(ctx, p.ID, func(ctx context.Context) error {
		var lockedErr error
		esc, lockedErr = e.createEscrowLocked(ctx, p.ID)
		return lockedErr
	})
	if errors.Is(err, lockledger.ErrLockHeld) {
		logging.L(ctx).Info("escrow creation already in progress elsewhere")
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if esc.Status == EscrowActive && esc.Due(e.now()) {
		if _, relErr := e.executeRelease(ctx, p.ID, "expiry", false); relErr != nil && !IsBenign(relErr) {
			logging.L(ctx).Warn("release of already-due escrow did not complete", "error", relErr)
		}
	}
	return e.escrows.GetEscrowByPayment(ctx, p.ID)
}

func (e *Engine) createEscrowLocked(ctx context.Context, paymentID string) (*Escrow, error) {
	// Re-read under the lock: a previous holder may have finished.
	p, err := e.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	switch p.AutomationState {
	case StateWithdrawalComplete:
		next := *p
		next.AutomationState = StateEscrowPending
		if err := e.transition(ctx, p, &next); err != nil {
			return nil, err
		}
		p = &next
	case StateEscrowPending:
		logging.L(ctx).Info("resuming escrow creation")
	case StateEscrowComplete, StateExecuting, StateReleased, StateRefunded:
		return e.escrows.GetEscrowByPayment(ctx, p.ID)
	default:
		return nil, ErrInvalidState
	}

	custodyAmt, immediate, err := money.Split(p.Amount, p.CustodyPercent)
	if err != nil {
		return nil, err
	}

	now := e.now()
	esc, err := e.escrows.CreateEscrow(ctx, &Escrow{
		ID:              idgen.WithPrefix("esc_"),
		PaymentID:       p.ID,
		CustodyAmount:   custodyAmt,
		ImmediateAmount: immediate,
		Status:          EscrowPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil && !errors.Is(err, ErrEscrowExists) {
		return nil, fmt.Errorf("create escrow record: %w", err)
	}
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("escrowId", esc.ID))

	if esc.Status == EscrowPending {
		if custodyAmt.IsPositive() && esc.ExternalRef == "" {
			var ref *custody.Ref
			err = e.callAdapter(ctx, p.ID, EventEscrowCreateError, "create_custody", func(ctx context.Context) error {
				var callErr error
				ref, callErr = e.custody.CreateCustody(ctx, custody.CreateRequest{
					IdempotencyKey: p.ID + ":create_custody",
					PaymentID:      p.ID,
					Amount:         custodyAmt,
					Period:         p.CustodyPeriod.Duration(),
				})
				return callErr
			})
			if err != nil {
				e.abandonEscrow(ctx, esc)
				e.failPayment(ctx, p.ID, NotifyEscrowError, fmt.Sprintf("custody creation failed: %v", err))
				return nil, err
			}
			esc.ExternalRef = ref.ID
		}

		if immediate.IsPositive() {
			if _, err := e.payOut(ctx, p, "immediate_payout", immediate, p.PayeeID, p.PayoutAccount); err != nil {
				e.persistEscrowRef(ctx, esc)
				e.failPayment(ctx, p.ID, NotifyPayoutProcessingError, fmt.Sprintf("immediate release failed: %v", err))
				return nil, err
			}
			e.recordEvent(ctx, p.ID, EventPartialRelease, "immediate share released to payee", "system", map[string]string{
				"amount": immediate.String(), "custodyAmount": custodyAmt.String(),
			})
			e.notify(ctx, p, NotifyPaymentReleased, map[string]string{"amount": immediate.String(), "kind": "immediate"})
		}

		// Nothing held means nothing to wait for.
		start := e.now()
		end := start
		if custodyAmt.IsPositive() {
			end = start.Add(p.CustodyPeriod.Duration())
		}
		expected := esc.Version
		esc.Status = EscrowActive
		esc.CustodyStart = &start
		esc.CustodyEnd = &end
		esc.UpdatedAt = start
		if err := e.escrows.UpdateEscrow(ctx, esc, EscrowPending, expected); err != nil {
			return nil, fmt.Errorf("activate escrow: %w", err)
		}
	}

	next := *p
	next.AutomationState = StateEscrowComplete
	next.Status = StatusInCustody
	if err := e.transition(ctx, p, &next); err != nil {
		return nil, err
	}

	e.recordEvent(ctx, p.ID, NotifyEscrowCreated, "custody created", "system", map[string]string{
		"escrowId":      esc.ID,
		"custodyAmount": esc.CustodyAmount.String(),
		"externalRef":   esc.ExternalRef,
		"custodyEnd":    formatTime(esc.CustodyEnd),
	})
	e.notify(ctx, &next, NotifyEscrowCreated, map[string]string{
		"custodyAmount": esc.CustodyAmount.String(),
		"custodyEnd":    formatTime(esc.CustodyEnd),
	})
	return esc, nil
}

// abandonEscrow marks a never-activated escrow expired.
func (e *Engine) abandonEscrow(ctx context.Context, esc *Escrow) {
	expected := esc.Version
	esc.Status = EscrowExpired
	esc.UpdatedAt = e.now()
	if err := e.escrows.UpdateEscrow(ctx, esc, EscrowPending, expected); err != nil {
		logging.L(ctx).Error("failed to mark escrow abandoned", "escrowId", esc.ID, "error", err)
	}
}

// persistEscrowRef saves a custody ref obtained before a later step failed.
func (e *Engine) persistEscrowRef(ctx context.Context, esc *Escrow) {
	if esc.ExternalRef == "" {
		return
	}
	expected := esc.Version
	esc.UpdatedAt = e.now()
	if err := e.escrows.UpdateEscrow(ctx, esc, EscrowPending, expected); err != nil {
		logging.Critical(ctx, "custody created but reference not persisted", "externalRef", esc.ExternalRef, "error", err)
	}
}

// payOut converts amount back to fiat and sends it over the bank rail.
// step names the idempotency keys: <payment>:<step> for the transfer and
// <payment>:<step>:withdraw for the conversion.
func (e *Engine) payOut(ctx context.Context, p *Payment, step string, amount decimal.Decimal, beneficiary, account string) (*bankrail.PayoutResult, error) {
	reference := p.ID + ":" + step

	err := e.callAdapter(ctx, p.ID, EventConversionError, "withdraw_to_fiat", func(ctx context.Context) error {
		_, callErr := e.custodian.WithdrawToFiat(ctx, custodian.WithdrawalRequest{
			IdempotencyKey: reference + ":withdraw",
			PaymentID:      p.ID,
			Amount:         amount,
			Beneficiary:    beneficiary,
		})
		return callErr
	})
	if err != nil {
		return nil, err
	}

	var res *bankrail.PayoutResult
	err = e.callAdapter(ctx, p.ID, EventPayoutError, "payout", func(ctx context.Context) error {
		var callErr error
		res, callErr = e.rail.Payout(ctx, bankrail.PayoutRequest{
			Beneficiary: beneficiary,
			Account:     account,
			Amount:      amount,
			Currency:    p.Currency,
			Reference:   reference,
		})
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if res.Status == bankrail.PayoutFailed {
		return nil, fmt.Errorf("payout %s reported failed", res.ExternalID)
	}
	return res, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
