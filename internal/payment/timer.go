package payment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rodrigojille/kustodia-sub014/internal/logging"
	"github.com/rodrigojille/kustodia-sub014/internal/metrics"
)

const sweepBatch = 100

// Timer is the sweeper: it releases due escrows, resumes stalled
// releases, and re-drives payments stuck between automation steps.
type Timer struct {
	engine     *Engine
	store      Store
	escrows    EscrowStore
	interval   time.Duration
	staleAfter time.Duration
	stuckAfter time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	stopOnce   sync.Once
	running    atomic.Bool
}

// NewTimer creates a sweeper running every interval.
func NewTimer(engine *Engine, interval, staleAfter time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Timer{
		engine:     engine,
		store:      engine.store,
		escrows:    engine.escrows,
		interval:   interval,
		staleAfter: staleAfter,
		stuckAfter: 2 * interval,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop tells the sweeper to exit after the current pass. It is safe to call
// more than once, and before Start.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in payment sweeper", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass.
func (t *Timer) Sweep(ctx context.Context) {
	ctx = logging.WithLogger(ctx, t.logger)
	now := t.engine.now()

	t.releaseDue(ctx, now)
	t.resumeStale(ctx, now)
	t.redriveStuck(ctx, now)
}

func (t *Timer) releaseDue(ctx context.Context, now time.Time) {
	due, err := t.escrows.ListDueEscrows(ctx, now, sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list due escrows", "error", err)
		return
	}
	for _, esc := range due {
		_, err := t.engine.ExecuteRelease(ctx, esc.PaymentID)
		t.observe(ctx, "due", esc.PaymentID, err)
	}
}

func (t *Timer) resumeStale(ctx context.Context, now time.Time) {
	stale, err := t.escrows.ListStaleExecuting(ctx, now.Add(-t.staleAfter), sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list stale executing escrows", "error", err)
		return
	}
	for _, esc := range stale {
		p, err := t.store.Get(ctx, esc.PaymentID)
		if err != nil || p.AutomationState.IsTerminal() {
			continue
		}
		_, err = t.engine.ResumeStale(ctx, esc.PaymentID)
		t.observe(ctx, "stale_executing", esc.PaymentID, err)
	}
}

func (t *Timer) redriveStuck(ctx context.Context, now time.Time) {
	before := now.Add(-t.stuckAfter)
	steps := []struct {
		state AutomationState
		drive func(ctx context.Context, paymentID string) error
	}{
		{StateDepositDetected, t.requestWithdrawal},
		{StateWithdrawalPending, t.requestWithdrawal},
		{StateWithdrawalComplete, t.createEscrow},
		{StateEscrowPending, t.createEscrow},
	}

	for _, step := range steps {
		stuck, err := t.store.ListByAutomationState(ctx, step.state, before, sweepBatch)
		if err != nil {
			t.logger.Warn("failed to list stuck payments", "state", step.state, "error", err)
			continue
		}
		for _, p := range stuck {
			err := step.drive(ctx, p.ID)
			t.observe(ctx, string(step.state), p.ID, err)
		}
	}
}

func (t *Timer) requestWithdrawal(ctx context.Context, paymentID string) error {
	_, err := t.engine.RequestWithdrawal(ctx, paymentID)
	return err
}

func (t *Timer) createEscrow(ctx context.Context, paymentID string) error {
	_, err := t.engine.CreateEscrow(ctx, paymentID)
	return err
}

func (t *Timer) observe(ctx context.Context, sweep, paymentID string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case IsBenign(err):
		result = "skipped"
		t.logger.Debug("sweep item skipped", "sweep", sweep, "paymentId", paymentID, "reason", err)
	default:
		result = "error"
		t.logger.Warn("sweep item failed", "sweep", sweep, "paymentId", paymentID, "error", err)
	}
	metrics.SweepItemsTotal.WithLabelValues(sweep, result).Inc()
}
