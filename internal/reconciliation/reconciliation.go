// Package reconciliation recovers provider events whose webhooks never
// arrived by polling the providers directly.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rodrigojille/kustodia-sub014/internal/bankrail"
	"github.com/rodrigojille/kustodia-sub014/internal/custodian"
	"github.com/rodrigojille/kustodia-sub014/internal/logging"
	"github.com/rodrigojille/kustodia-sub014/internal/payment"
)

const batchSize = 100

// PaymentLister finds payments waiting on a provider.
type PaymentLister interface {
	ListByAutomationState(ctx context.Context, state payment.AutomationState, updatedBefore time.Time, limit int) ([]*payment.Payment, error)
}

// Engine is the part of the payment engine recovered events are applied to.
type Engine interface {
	HandleDeposit(ctx context.Context, dep bankrail.DepositEvent) (*payment.Payment, error)
	VerifyWithdrawal(ctx context.Context, paymentID, withdrawalID string) (*payment.Payment, error)
	FailWithdrawal(ctx context.Context, paymentID, withdrawalID, reason string) (*payment.Payment, error)
}

// DepositDetector polls the bank rail for settled deposits.
type DepositDetector interface {
	DetectDeposit(ctx context.Context, account string) (*bankrail.DepositEvent, error)
}

// StatusPoller polls the custodian for a conversion's status.
type StatusPoller interface {
	TransactionStatus(ctx context.Context, externalID string) (custodian.TxStatus, error)
}

// Replayer retries webhook deliveries whose apply failed.
type Replayer interface {
	ReplayFailed(ctx context.Context, limit int) (int, error)
}

// Report summarises one run.
type Report struct {
	StartedAt           time.Time     `json:"startedAt"`
	Duration            time.Duration `json:"duration"`
	DepositsChecked     int           `json:"depositsChecked"`
	DepositsRecovered   int           `json:"depositsRecovered"`
	WithdrawalsPolled   int           `json:"withdrawalsPolled"`
	WithdrawalsResolved int           `json:"withdrawalsResolved"`
	WebhooksReplayed    int           `json:"webhooksReplayed"`
	Errors              []string      `json:"errors,omitempty"`
}

// Runner performs reconciliation passes.
type Runner struct {
	payments   PaymentLister
	engine     Engine
	rail       DepositDetector
	custodian  StatusPoller
	replayer   Replayer
	pollAfter  time.Duration
	depositAge time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewRunner creates a runner. Withdrawals are polled once they have been
// pending for pollAfter.
func NewRunner(payments PaymentLister, engine Engine, rail DepositDetector, cust StatusPoller, pollAfter time.Duration, logger *slog.Logger) *Runner {
	if pollAfter <= 0 {
		pollAfter = 5 * time.Minute
	}
	return &Runner{
		payments:   payments,
		engine:     engine,
		rail:       rail,
		custodian:  cust,
		pollAfter:  pollAfter,
		depositAge: time.Minute,
		logger:     logger,
		now:        time.Now,
	}
}

// WithReplayer enables replay of failed webhook deliveries.
func (r *Runner) WithReplayer(rep Replayer) *Runner {
	r.replayer = rep
	return r
}

// WithClock replaces the time source (tests).
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunAll runs every check. A failing check does not stop the others; the
// returned error reports how many failed.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	ctx = logging.WithLogger(ctx, r.logger.With("component", "reconciliation"))
	rep := &Report{StartedAt: r.now()}

	r.recoverDeposits(ctx, rep)
	r.pollWithdrawals(ctx, rep)
	r.replayWebhooks(ctx, rep)

	rep.Duration = r.now().Sub(rep.StartedAt)
	observe(rep)
	if len(rep.Errors) > 0 {
		return rep, fmt.Errorf("reconciliation: %d check(s) failed", len(rep.Errors))
	}
	return rep, nil
}

// recoverDeposits asks the bank rail about payments still waiting for
// funds. Fresh payments are skipped to give the webhook time to land.
func (r *Runner) recoverDeposits(ctx context.Context, rep *Report) {
	waiting, err := r.payments.ListByAutomationState(ctx, payment.StateCreated, rep.StartedAt.Add(-r.depositAge), batchSize)
	if err != nil {
		rep.Errors = append(rep.Errors, "list created payments: "+err.Error())
		return
	}
	for _, p := range waiting {
		if p.Status != payment.StatusPending || p.DepositAccount == "" {
			continue
		}
		rep.DepositsChecked++
		dep, err := r.rail.DetectDeposit(ctx, p.DepositAccount)
		if err != nil {
			logging.L(ctx).Warn("deposit poll failed", "paymentId", p.ID, "error", err)
			continue
		}
		if dep == nil {
			continue
		}
		got, err := r.engine.HandleDeposit(ctx, *dep)
		if err != nil && !payment.IsBenign(err) {
			logging.L(ctx).Warn("recovered deposit not applied", "paymentId", p.ID, "error", err)
			continue
		}
		if got != nil && got.AutomationState != payment.StateCreated {
			rep.DepositsRecovered++
			logging.L(ctx).Info("recovered missed deposit", "paymentId", p.ID, "externalTxId", dep.ExternalTxID)
		}
	}
}

// pollWithdrawals resolves conversions the custodian never called back
// about.
func (r *Runner) pollWithdrawals(ctx context.Context, rep *Report) {
	cutoff := rep.StartedAt.Add(-r.pollAfter)
	pending, err := r.payments.ListByAutomationState(ctx, payment.StateWithdrawalPending, cutoff, batchSize)
	if err != nil {
		rep.Errors = append(rep.Errors, "list pending withdrawals: "+err.Error())
		return
	}
	for _, p := range pending {
		if p.WithdrawalStatus != payment.WithdrawalPending || p.WithdrawalID == "" {
			continue
		}
		if p.WithdrawalRequestedAt != nil && p.WithdrawalRequestedAt.After(cutoff) {
			continue
		}
		rep.WithdrawalsPolled++
		status, err := r.custodian.TransactionStatus(ctx, p.WithdrawalID)
		if err != nil {
			logging.L(ctx).Warn("withdrawal poll failed", "paymentId", p.ID, "withdrawalId", p.WithdrawalID, "error", err)
			continue
		}

		switch status {
		case custodian.TxCompleted:
			_, err = r.engine.VerifyWithdrawal(ctx, p.ID, p.WithdrawalID)
		case custodian.TxFailed:
			_, err = r.engine.FailWithdrawal(ctx, p.ID, p.WithdrawalID, "custodian reports conversion failed")
		default:
			continue
		}
		if err != nil && !payment.IsBenign(err) {
			logging.L(ctx).Warn("polled withdrawal not applied", "paymentId", p.ID, "status", status, "error", err)
			continue
		}
		rep.WithdrawalsResolved++
	}
}

func (r *Runner) replayWebhooks(ctx context.Context, rep *Report) {
	if r.replayer == nil {
		return
	}
	n, err := r.replayer.ReplayFailed(ctx, batchSize)
	rep.WebhooksReplayed = n
	if err != nil {
		rep.Errors = append(rep.Errors, "replay webhooks: "+err.Error())
	}
}
