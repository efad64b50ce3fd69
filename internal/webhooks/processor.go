package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rodrigojille/kustodia-sub014/internal/bankrail"
	"github.com/rodrigojille/kustodia-sub014/internal/logging"
	"github.com/rodrigojille/kustodia-sub014/internal/metrics"
	"github.com/rodrigojille/kustodia-sub014/internal/payment"
)

// Applier is the part of the payment engine provider events drive.
type Applier interface {
	HandleDeposit(ctx context.Context, dep bankrail.DepositEvent) (*payment.Payment, error)
	CompleteWithdrawal(ctx context.Context, paymentID, withdrawalID string) (*payment.Payment, error)
	FailWithdrawal(ctx context.Context, paymentID, withdrawalID, reason string) (*payment.Payment, error)
	HandlePayoutUpdate(ctx context.Context, upd bankrail.PayoutUpdate) error
}

var _ Applier = (*payment.Engine)(nil)

const queueSize = 256

// Processor applies claimed inbox entries on a fixed pool of workers.
type Processor struct {
	inbox   Inbox
	applier Applier
	workers int
	jobs    chan *InboxEntry
	logger  *slog.Logger
	wg      sync.WaitGroup
	once    sync.Once
}

// NewProcessor creates a processor; workers <= 0 means one.
func NewProcessor(inbox Inbox, applier Applier, workers int, logger *slog.Logger) *Processor {
	if workers <= 0 {
		workers = 1
	}
	return &Processor{
		inbox:   inbox,
		applier: applier,
		workers: workers,
		jobs:    make(chan *InboxEntry, queueSize),
		logger:  logger,
	}
}

// Start launches the workers. They exit when ctx is cancelled; Wait
// blocks until they have.
func (p *Processor) Start(ctx context.Context) {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.work(ctx)
		}
	})
}

// Wait blocks until every worker has exited.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Enqueue hands a claimed entry to the pool without blocking.
func (p *Processor) Enqueue(entry *InboxEntry) error {
	select {
	case p.jobs <- entry:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Processor) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.drain(context.WithoutCancel(ctx))
			return
		case entry := <-p.jobs:
			p.process(ctx, entry)
		}
	}
}

// drain hands entries still queued at shutdown back to the inbox as
// failed, so the next replay or redelivery claims them.
func (p *Processor) drain(ctx context.Context) {
	for {
		select {
		case entry := <-p.jobs:
			if err := p.inbox.MarkFailed(ctx, entry.Provider, entry.ExternalID, "shutdown before apply"); err != nil {
				p.logger.Error("failed to release queued webhook", "provider", entry.Provider, "id", entry.ExternalID, "error", err)
			}
		default:
			return
		}
	}
}

// process applies one entry and records the outcome in the inbox.
func (p *Processor) process(ctx context.Context, entry *InboxEntry) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic applying webhook", "provider", entry.Provider, "id", entry.ExternalID, "panic", fmt.Sprint(r))
			_ = p.inbox.MarkFailed(context.WithoutCancel(ctx), entry.Provider, entry.ExternalID, "panic during apply")
		}
	}()

	ctx = logging.WithLogger(ctx, p.logger.With("provider", entry.Provider, "webhookId", entry.ExternalID))
	err := p.Apply(ctx, entry)
	result := "processed"
	switch {
	case err == nil:
		err = p.inbox.MarkProcessed(ctx, entry.Provider, entry.ExternalID)
	case isPermanent(err):
		result = "rejected"
		logging.L(ctx).Warn("webhook rejected", "eventType", entry.EventType, "error", err)
		err = p.inbox.MarkRejected(ctx, entry.Provider, entry.ExternalID, err.Error())
	default:
		result = "failed"
		logging.L(ctx).Error("webhook apply failed", "eventType", entry.EventType, "error", err)
		err = p.inbox.MarkFailed(ctx, entry.Provider, entry.ExternalID, err.Error())
	}
	if err != nil {
		logging.L(ctx).Error("webhook inbox update failed", "error", err)
	}
	metrics.WebhooksReceivedTotal.WithLabelValues(entry.Provider, string(entry.EventType), result).Inc()
}

// Apply decodes the entry payload and drives the payment engine. Conflicts
// and in-flight work count as applied.
func (p *Processor) Apply(ctx context.Context, entry *InboxEntry) error {
	err := p.apply(ctx, entry)
	if err != nil && payment.IsBenign(err) {
		logging.L(ctx).Info("webhook already applied by another worker", "eventType", entry.EventType, "error", err)
		return nil
	}
	return err
}

func (p *Processor) apply(ctx context.Context, entry *InboxEntry) error {
	switch entry.EventType {
	case EventDepositSettled:
		var dep bankrail.DepositEvent
		if err := decode(entry.Payload, &dep); err != nil {
			return err
		}
		if dep.ExternalTxID == "" {
			dep.ExternalTxID = entry.ExternalID
		}
		_, err := p.applier.HandleDeposit(ctx, dep)
		return err

	case EventWithdrawalCompleted, EventWithdrawalFailed:
		var w WithdrawalPayload
		if err := decode(entry.Payload, &w); err != nil {
			return err
		}
		if w.PaymentID == "" || w.WithdrawalID == "" {
			return fmt.Errorf("%w: payment_id and withdrawal_id are required", ErrMalformedPayload)
		}
		ctx = logging.WithPaymentID(ctx, w.PaymentID)
		if entry.EventType == EventWithdrawalCompleted {
			_, err := p.applier.CompleteWithdrawal(ctx, w.PaymentID, w.WithdrawalID)
			return err
		}
		reason := w.Reason
		if reason == "" {
			reason = "custodian reported conversion failed"
		}
		_, err := p.applier.FailWithdrawal(ctx, w.PaymentID, w.WithdrawalID, reason)
		return err

	case EventPayoutCompleted, EventPayoutFailed:
		var upd bankrail.PayoutUpdate
		if err := decode(entry.Payload, &upd); err != nil {
			return err
		}
		upd.Status = bankrail.PayoutCompleted
		if entry.EventType == EventPayoutFailed {
			upd.Status = bankrail.PayoutFailed
		}
		return p.applier.HandlePayoutUpdate(ctx, upd)
	}
	return fmt.Errorf("%w: %s", ErrUnknownEventType, entry.EventType)
}

// ReplayFailed re-claims failed entries, and received entries whose worker
// abandoned them, and applies them inline.
func (p *Processor) ReplayFailed(ctx context.Context, limit int) (int, error) {
	failed, err := p.inbox.ListFailed(ctx, limit)
	if err != nil {
		return 0, err
	}
	stranded, err := p.inbox.ListStranded(ctx, limit)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, entry := range append(failed, stranded...) {
		claimed, err := p.inbox.Claim(ctx, entry)
		if err != nil {
			return replayed, err
		}
		if !claimed {
			continue
		}
		p.process(ctx, entry)
		replayed++
	}
	return replayed, nil
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

// isPermanent reports errors a redelivery cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrUnknownEventType) ||
		errors.Is(err, payment.ErrPaymentNotFound) ||
		errors.Is(err, payment.ErrStaleWithdrawal) ||
		errors.Is(err, payment.ErrInvalidState) ||
		errors.Is(err, payment.ErrInvalidRequest)
}
