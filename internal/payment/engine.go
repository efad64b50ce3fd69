package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rodrigojille/kustodia-sub014/internal/bankrail"
	"github.com/rodrigojille/kustodia-sub014/internal/custodian"
	"github.com/rodrigojille/kustodia-sub014/internal/custody"
	"github.com/rodrigojille/kustodia-sub014/internal/idgen"
	"github.com/rodrigojille/kustodia-sub014/internal/lockledger"
	"github.com/rodrigojille/kustodia-sub014/internal/logging"
	"github.com/rodrigojille/kustodia-sub014/internal/metrics"
	"github.com/rodrigojille/kustodia-sub014/internal/money"
	"github.com/rodrigojille/kustodia-sub014/internal/provider"
	"github.com/rodrigojille/kustodia-sub014/internal/retry"
	"github.com/rodrigojille/kustodia-sub014/internal/traces"
)

// DefaultCurrency is the fiat currency of the bank rail.
const DefaultCurrency = "MXN"

// Config is the engine's policy.
type Config struct {
	CommissionPercent     decimal.Decimal
	WithdrawalTimeout     time.Duration
	WithdrawalMaxAttempts int
	AdapterMaxAttempts    int
	AdapterBaseDelay      time.Duration
	AdapterMaxDelay       time.Duration
	AllowForceExpire      bool
}

// DefaultConfig mirrors the config package defaults.
func DefaultConfig() Config {
	return Config{
		CommissionPercent:     decimal.NewFromInt(2),
		WithdrawalTimeout:     15 * time.Minute,
		WithdrawalMaxAttempts: 3,
		AdapterMaxAttempts:    4,
		AdapterBaseDelay:      500 * time.Millisecond,
		AdapterMaxDelay:       30 * time.Second,
	}
}

// Engine drives payments through the automation pipeline.
type Engine struct {
	store     Store
	escrows   EscrowStore
	events    EventStore
	locks     *lockledger.Ledger
	rail      bankrail.Rail
	custodian custodian.Custodian
	custody   custody.Contract
	notifier  Notifier
	cfg       Config
	now       func() time.Time
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Store     Store
	Escrows   EscrowStore
	Events    EventStore
	Locks     *lockledger.Ledger
	Rail      bankrail.Rail
	Custodian custodian.Custodian
	Custody   custody.Contract
	Notifier  Notifier
}

// NewEngine creates an engine.
func NewEngine(deps Deps, cfg Config) *Engine {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if cfg.AdapterMaxAttempts < 1 {
		cfg.AdapterMaxAttempts = 1
	}
	if cfg.WithdrawalMaxAttempts < 1 {
		cfg.WithdrawalMaxAttempts = 1
	}
	return &Engine{
		store:     deps.Store,
		escrows:   deps.Escrows,
		events:    deps.Events,
		locks:     deps.Locks,
		rail:      deps.Rail,
		custodian: deps.Custodian,
		custody:   deps.Custody,
		notifier:  notifier,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithClock replaces the time source (tests).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithNotifier replaces the notification sink.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// IsBenign reports errors that mean another worker already did, or is
// doing, the work: the caller should log and move on.
func IsBenign(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, lockledger.ErrLockHeld) ||
		errors.Is(err, ErrWithdrawalInFlight) ||
		errors.Is(err, ErrReleaseSuspended)
}

// CreateRequest is the payer's initiate-payment request.
type CreateRequest struct {
	PayerID                 string `json:"payerId"`
	PayeeID                 string `json:"payeeId" binding:"required"`
	CommissionBeneficiaryID string `json:"commissionBeneficiaryId"`
	CommissionAccount       string `json:"commissionAccount"`
	Amount                  string `json:"amount" binding:"required"`
	Currency                string `json:"currency"`
	CustodyPercent          int    `json:"custodyPercent"`
	CustodyPeriod           Period `json:"custodyPeriod"`
	PayoutAccount           string `json:"payoutAccount" binding:"required"`
	RefundAccount           string `json:"refundAccount"`
	Description             string `json:"description"`
}

// CreatePayment validates req, computes the commission and total, and
// issues the payment's unique deposit account.
func (e *Engine) CreatePayment(ctx context.Context, req CreateRequest) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payment.Create")
	var err error
	defer func() { traces.End(span, err) }()

	amount, err := money.Parse(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.PayerID == "" || req.PayeeID == "" || req.PayerID == req.PayeeID {
		err = fmt.Errorf("%w: payer and payee must be distinct", ErrInvalidRequest)
		return nil, err
	}
	if req.CustodyPercent < 0 || req.CustodyPercent > 100 {
		err = fmt.Errorf("%w: %v", ErrInvalidRequest, money.ErrInvalidPercent)
		return nil, err
	}
	if !bankrail.ValidCLABE(req.PayoutAccount) {
		err = fmt.Errorf("%w: payout account is not a valid CLABE", ErrInvalidRequest)
		return nil, err
	}
	if req.CustodyPercent > 0 && req.RefundAccount == "" {
		err = fmt.Errorf("%w: refund account is required when funds enter custody", ErrInvalidRequest)
		return nil, err
	}
	if req.RefundAccount != "" && !bankrail.ValidCLABE(req.RefundAccount) {
		err = fmt.Errorf("%w: refund account is not a valid CLABE", ErrInvalidRequest)
		return nil, err
	}
	if req.CommissionBeneficiaryID != "" && !bankrail.ValidCLABE(req.CommissionAccount) {
		err = fmt.Errorf("%w: commission beneficiary needs a valid CLABE", ErrInvalidRequest)
		return nil, err
	}
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = DefaultCurrency
	}

	commission, err := money.Commission(amount, e.cfg.CommissionPercent)
	if err != nil {
		return nil, err
	}

	now := e.now()
	p := &Payment{
		ID:                      idgen.WithPrefix("pay_"),
		PayerID:                 req.PayerID,
		PayeeID:                 req.PayeeID,
		CommissionBeneficiaryID: req.CommissionBeneficiaryID,
		CommissionAccount:       req.CommissionAccount,
		Amount:                  amount,
		Currency:                currency,
		CommissionAmount:        commission,
		TotalAmount:             amount.Add(commission),
		CustodyPercent:          req.CustodyPercent,
		CustodyPeriod:           req.CustodyPeriod,
		PayoutAccount:           req.PayoutAccount,
		RefundAccount:           req.RefundAccount,
		Description:             req.Description,
		Status:                  StatusPending,
		AutomationState:         StateCreated,
		SettledAmount:           decimal.Zero,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	ctx = logging.WithPaymentID(ctx, p.ID)

	err = retry.Policy{
		MaxAttempts: e.cfg.AdapterMaxAttempts,
		BaseDelay:   e.cfg.AdapterBaseDelay,
		MaxDelay:    e.cfg.AdapterMaxDelay,
		IsPermanent: provider.IsTerminal,
	}.Do(ctx, func(int) error {
		account, issueErr := e.rail.IssueAccount(ctx, p.ID)
		if issueErr != nil {
			return issueErr
		}
		p.DepositAccount = account
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("issue deposit account: %w", err)
	}

	if err = e.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	metrics.PaymentsCreatedTotal.Inc()

	e.recordEvent(ctx, p.ID, NotifyPaymentCreated, "payment created", p.PayerID, map[string]string{
		"amount": p.Amount.String(), "total": p.TotalAmount.String(), "depositAccount": p.DepositAccount,
	})
	e.notify(ctx, p, NotifyPaymentCreated, nil)
	logging.L(ctx).Info("payment created", "amount", p.Amount.String(), "custodyPercent", p.CustodyPercent)
	return p, nil
}

// HandleDeposit applies a settled deposit to the payment owning its
// account. Replays are logged and ignored; an underpayment leaves the
// payment in created. On success the pipeline continues with the
// stablecoin conversion.
func (e *Engine) HandleDeposit(ctx context.Context, dep bankrail.DepositEvent) (*Payment, error) {
	p, err := e.store.GetByDepositAccount(ctx, dep.Account)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithPaymentID(ctx, p.ID)
	ctx, span := traces.StartSpan(ctx, "payment.HandleDeposit", traces.PaymentID(p.ID), traces.Amount(dep.Amount.String()))
	defer func() { traces.End(span, err) }()

	if p.AutomationState != StateCreated || p.Status != StatusPending {
		e.recordEvent(ctx, p.ID, EventDepositIgnored, "deposit ignored: payment already past deposit detection", "bankrail",
			map[string]string{"externalTxId": dep.ExternalTxID, "state": string(p.AutomationState)})
		logging.L(ctx).Info("duplicate or late deposit ignored", "externalTxId", dep.ExternalTxID, "state", p.AutomationState)
		return p, nil
	}
	if dep.Amount.LessThan(p.TotalAmount) {
		e.recordEvent(ctx, p.ID, EventDepositInsufficient,
			fmt.Sprintf("deposit of %s is below the required %s", dep.Amount, p.TotalAmount), "bankrail",
			map[string]string{"externalTxId": dep.ExternalTxID, "amount": dep.Amount.String()})
		logging.L(ctx).Warn("insufficient deposit", "amount", dep.Amount.String(), "required", p.TotalAmount.String())
		return p, nil
	}

	next := *p
	next.AutomationState = StateDepositDetected
	next.Status = StatusFunded
	next.DepositTxID = dep.ExternalTxID
	next.SettledAmount = dep.Amount
	if err = e.transition(ctx, p, &next); err != nil {
		if errors.Is(err, ErrConflict) {
			return p, nil
		}
		return nil, err
	}

	e.recordEvent(ctx, p.ID, NotifyFundsReceived, "bank deposit settled", "bankrail",
		map[string]string{"externalTxId": dep.ExternalTxID, "amount": dep.Amount.String()})
	e.notify(ctx, &next, NotifyFundsReceived, map[string]string{"amount": dep.Amount.String()})

	if _, wErr := e.RequestWithdrawal(ctx, p.ID); wErr != nil && !IsBenign(wErr) {
		logging.L(ctx).Warn("withdrawal after deposit did not complete", "error", wErr)
	}
	return e.store.Get(ctx, p.ID)
}

// Get returns a payment.
func (e *Engine) Get(ctx context.Context, id string) (*Payment, error) {
	return e.store.Get(ctx, id)
}

// GetEscrow returns the payment's escrow.
func (e *Engine) GetEscrow(ctx context.Context, paymentID string) (*Escrow, error) {
	return e.escrows.GetEscrowByPayment(ctx, paymentID)
}

// ListForUser returns payments where userID is payer or payee.
func (e *Engine) ListForUser(ctx context.Context, userID string, limit int) ([]*Payment, error) {
	return e.store.ListForUser(ctx, userID, limit)
}

// ListByStatus returns payments in status (admin).
func (e *Engine) ListByStatus(ctx context.Context, status Status, limit int) ([]*Payment, error) {
	return e.store.ListByStatus(ctx, status, limit)
}

// Events returns the payment's audit trail.
func (e *Engine) Events(ctx context.Context, paymentID string) ([]*Event, error) {
	if _, err := e.store.Get(ctx, paymentID); err != nil {
		return nil, err
	}
	return e.events.ListEvents(ctx, paymentID)
}

// Cancel lets the payer abandon a payment before any deposit arrives.
func (e *Engine) Cancel(ctx context.Context, paymentID, userID string) (*Payment, error) {
	p, err := e.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.PayerID != userID {
		return nil, ErrUnauthorized
	}
	if p.AutomationState != StateCreated || p.Status != StatusPending {
		return nil, ErrInvalidState
	}

	next := *p
	next.Status = StatusCancelled
	if err := e.transition(ctx, p, &next); err != nil {
		return nil, err
	}
	e.recordEvent(ctx, p.ID, EventPaymentCancelled, "payment cancelled by payer", userID, nil)
	return &next, nil
}

// transition validates cur → next and writes next conditionally on cur's
// state and version.
func (e *Engine) transition(ctx context.Context, cur, next *Payment) error {
	if err := checkTransition(cur.AutomationState, next.AutomationState); err != nil {
		return err
	}
	next.UpdatedAt = e.now()
	if err := e.store.CompareAndSwap(ctx, next, cur.AutomationState, cur.Version); err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.TransitionConflictsTotal.Inc()
			logging.L(ctx).Info("transition lost to concurrent worker",
				"from", cur.AutomationState, "to", next.AutomationState)
		}
		return err
	}
	if cur.AutomationState != next.AutomationState {
		metrics.TransitionsTotal.WithLabelValues(string(cur.AutomationState), string(next.AutomationState)).Inc()
		logging.L(ctx).Info("automation state advanced", "from", cur.AutomationState, "to", next.AutomationState)
	}
	return nil
}

// failPayment moves p to failed from wherever it currently is, recording
// the reason and notifying operators.
func (e *Engine) failPayment(ctx context.Context, paymentID, notifyType, reason string) {
	for attempt := 0; attempt < 3; attempt++ {
		p, err := e.store.Get(ctx, paymentID)
		if err != nil {
			logging.Critical(ctx, "could not load payment to mark failed", "error", err, "reason", reason)
			return
		}
		if p.AutomationState.IsTerminal() {
			return
		}
		next := *p
		next.AutomationState = StateFailed
		next.Status = StatusFailed
		next.FailureReason = reason
		err = e.transition(ctx, p, &next)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			logging.Critical(ctx, "could not mark payment failed", "error", err, "reason", reason)
			return
		}
		e.recordEvent(ctx, p.ID, EventPaymentFailed, reason, "system", map[string]string{"from": string(p.AutomationState)})
		e.notify(ctx, &next, notifyType, map[string]string{"reason": reason})
		logging.L(ctx).Error("payment failed", "from", p.AutomationState, "reason", reason)
		return
	}
	logging.Critical(ctx, "gave up marking payment failed after repeated conflicts", "reason", reason)
}

// callAdapter runs fn under the adapter retry policy. Every failed attempt
// appends an errorEvent to the audit trail. Terminal errors stop at once.
func (e *Engine) callAdapter(ctx context.Context, paymentID, errorEvent, op string, fn func(ctx context.Context) error) error {
	return retry.Policy{
		MaxAttempts: e.cfg.AdapterMaxAttempts,
		BaseDelay:   e.cfg.AdapterBaseDelay,
		MaxDelay:    e.cfg.AdapterMaxDelay,
		IsPermanent: provider.IsTerminal,
		OnFailure: func(attempt int, err error) {
			e.recordEvent(ctx, paymentID, errorEvent, fmt.Sprintf("%s failed: %v", op, err), "system", map[string]string{
				"attempt": fmt.Sprint(attempt),
				"kind":    provider.Result(err),
			})
			logging.L(ctx).Warn("adapter call failed", "op", op, "attempt", attempt, "error", err)
		},
	}.Do(ctx, func(int) error { return fn(ctx) })
}

// RecordEvent appends an audit event for paymentID.
func (e *Engine) RecordEvent(ctx context.Context, paymentID, eventType, description, actor string, metadata map[string]string) {
	e.recordEvent(ctx, paymentID, eventType, description, actor, metadata)
}

func (e *Engine) recordEvent(ctx context.Context, paymentID, eventType, description, actor string, metadata map[string]string) {
	ev := &Event{
		ID:          idgen.WithPrefix("evt_"),
		PaymentID:   paymentID,
		Type:        eventType,
		Description: description,
		Actor:       actor,
		Metadata:    metadata,
		CreatedAt:   e.now(),
	}
	if err := e.events.AppendEvent(ctx, ev); err != nil {
		logging.L(ctx).Error("failed to append payment event", "type", eventType, "error", err)
	}
}

func (e *Engine) notify(ctx context.Context, p *Payment, notifyType string, extra map[string]string) {
	details := map[string]string{
		"amount":   p.Amount.String(),
		"currency": p.Currency,
		"status":   string(p.Status),
	}
	for k, v := range extra {
		details[k] = v
	}
	e.notifier.Notify(ctx, Notification{
		Type:       notifyType,
		PaymentID:  p.ID,
		Details:    details,
		Recipients: []string{p.PayerID, p.PayeeID},
		CreatedAt:  e.now(),
	})
}
