package payment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodrigojille/kustodia-sub014/internal/bankrail"
	"github.com/rodrigojille/kustodia-sub014/internal/custodian"
	"github.com/rodrigojille/kustodia-sub014/internal/custody"
	"github.com/rodrigojille/kustodia-sub014/internal/lockledger"
	"github.com/rodrigojille/kustodia-sub014/internal/metrics"
	"github.com/rodrigojille/kustodia-sub014/internal/provider"
)

const day = 24 * time.Hour

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreatePayment_ComputesCommissionAndIssuesAccount(t *testing.T) {
	h := newHarness(t)

	p := h.create(t, "1500", 100, sevenDay)

	assert.True(t, p.Amount.Equal(dec("1500")))
	assert.True(t, p.CommissionAmount.Equal(dec("30")))
	assert.True(t, p.TotalAmount.Equal(dec("1530")))
	assert.Equal(t, DefaultCurrency, p.Currency)
	assert.Equal(t, StateCreated, p.AutomationState)
	assert.Equal(t, StatusPending, p.Status)
	assert.True(t, bankrail.ValidCLABE(p.DepositAccount), "deposit account %q", p.DepositAccount)

	assert.Equal(t, []string{NotifyPaymentCreated}, h.eventTypes(t, p.ID))
	assert.Equal(t, []string{NotifyPaymentCreated}, h.notifier.types())
}

func TestCreatePayment_Validation(t *testing.T) {
	h := newHarness(t)
	valid := CreateRequest{
		PayerID: payerID, PayeeID: payeeID, Amount: "100",
		CustodyPercent: 50, CustodyPeriod: sevenDay,
		PayoutAccount: clabeA, RefundAccount: clabeA,
	}

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"bad amount", func(r *CreateRequest) { r.Amount = "ten" }},
		{"zero amount", func(r *CreateRequest) { r.Amount = "0" }},
		{"same payer and payee", func(r *CreateRequest) { r.PayeeID = payerID }},
		{"percent over 100", func(r *CreateRequest) { r.CustodyPercent = 101 }},
		{"bad payout clabe", func(r *CreateRequest) { r.PayoutAccount = "002010077777777772" }},
		{"custody without refund account", func(r *CreateRequest) { r.RefundAccount = "" }},
		{"commission without account", func(r *CreateRequest) { r.CommissionBeneficiaryID = "user_platform" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := h.engine.CreatePayment(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	_, err := h.engine.CreatePayment(context.Background(), valid)
	assert.NoError(t, err)
}

func TestCreatePayment_IssueAccountFailure(t *testing.T) {
	h := newHarness(t)
	h.rail.issueErr = provider.Terminal(bankrail.ProviderName, "issue_account", "kyc_rejected", "payer not verified")

	_, err := h.engine.CreatePayment(context.Background(), CreateRequest{
		PayerID: payerID, PayeeID: payeeID, Amount: "100", PayoutAccount: clabeA,
	})
	require.Error(t, err)
	assert.True(t, provider.IsTerminal(err))
}

// Scenario: full custody, no dispute, released by the sweeper after expiry.
func TestEndToEnd_ReleaseAfterExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	released := promtestutil.ToFloat64(metrics.EscrowsReleasedTotal.WithLabelValues(RecipientPayee, TriggerExpiry))

	p := h.create(t, "1500", 100, sevenDay)
	got := h.deposit(t, p, "spei_1")

	assert.Equal(t, StateEscrowComplete, got.AutomationState)
	assert.Equal(t, StatusInCustody, got.Status)
	assert.Equal(t, WithdrawalCompleted, got.WithdrawalStatus)

	esc := h.escrow(t, p.ID)
	assert.Equal(t, EscrowActive, esc.Status)
	assert.True(t, esc.CustodyAmount.Equal(dec("1500")))
	assert.True(t, esc.ImmediateAmount.IsZero())
	require.NotNil(t, esc.CustodyEnd)
	assert.Equal(t, h.clock.Now().Add(7*day), *esc.CustodyEnd)
	assert.NotEmpty(t, esc.ExternalRef)
	assert.Equal(t, 0, h.rail.payoutCount(), "nothing is paid out before expiry")

	timer := NewTimer(h.engine, time.Minute, 0, discardLogger())

	// Day 6: not due yet.
	h.clock.Advance(6 * day)
	timer.Sweep(ctx)
	assert.Equal(t, EscrowActive, h.escrow(t, p.ID).Status)

	// Day 8: released.
	h.clock.Advance(2 * day)
	timer.Sweep(ctx)

	esc = h.escrow(t, p.ID)
	assert.Equal(t, EscrowReleased, esc.Status)
	assert.Equal(t, RecipientPayee, esc.Recipient)
	assert.NotEmpty(t, esc.ReleaseRef)

	final := h.get(t, p.ID)
	assert.Equal(t, StateReleased, final.AutomationState)
	assert.Equal(t, StatusCompleted, final.Status)

	payout, ok := h.rail.payout(p.ID + ":payout")
	require.True(t, ok)
	assert.True(t, payout.Amount.Equal(dec("1500")))
	assert.Equal(t, payeeID, payout.Beneficiary)
	assert.Equal(t, clabeA, payout.Account)

	rec, err := h.ledger.GetRecord(ctx, esc.ExternalRef)
	require.NoError(t, err)
	assert.True(t, rec.Released.Equal(dec("1500")))

	creates, releases := h.custody.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, releases)

	assert.Subset(t, h.notifier.types(), []string{
		NotifyPaymentCreated, NotifyFundsReceived, NotifyEscrowCreated,
		NotifyEscrowExecuting, NotifyPaymentReleased, NotifyPayoutCompleted, NotifyEscrowFinished,
	})
	assert.Equal(t, released+1, promtestutil.ToFloat64(metrics.EscrowsReleasedTotal.WithLabelValues(RecipientPayee, TriggerExpiry)))

	// Another sweep finds nothing to do.
	timer.Sweep(ctx)
	_, releases = h.custody.counts()
	assert.Equal(t, 1, releases)
}

// Scenario: a suspended escrow survives the expiry sweep and releases once
// the dispute is rejected.
func TestEndToEnd_SuspendedReleaseResumes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	timer := NewTimer(h.engine, time.Minute, 0, discardLogger())

	p := h.create(t, "1500", 100, sevenDay)
	h.deposit(t, p, "spei_1")

	h.clock.Advance(3 * day)
	esc, err := h.engine.SuspendRelease(ctx, p.ID, payerID)
	require.NoError(t, err)
	assert.Equal(t, EscrowDisputed, esc.Status)
	assert.Equal(t, StatusDisputed, h.get(t, p.ID).Status)

	rec, err := h.ledger.GetRecord(ctx, esc.ExternalRef)
	require.NoError(t, err)
	assert.True(t, rec.Disputed)

	h.clock.Advance(5 * day)
	timer.Sweep(ctx)
	assert.Equal(t, EscrowDisputed, h.escrow(t, p.ID).Status)
	assert.Equal(t, 0, h.rail.payoutCount())

	_, err = h.engine.ExecuteRelease(ctx, p.ID)
	assert.ErrorIs(t, err, ErrReleaseSuspended)

	esc, err = h.engine.ResumeRelease(ctx, p.ID, "admin_1")
	require.NoError(t, err)
	assert.Equal(t, EscrowReleased, esc.Status)

	final := h.get(t, p.ID)
	assert.Equal(t, StateReleased, final.AutomationState)
	assert.Equal(t, StatusCompleted, final.Status)

	rec, err = h.ledger.GetRecord(ctx, esc.ExternalRef)
	require.NoError(t, err)
	assert.False(t, rec.Disputed)
	assert.True(t, rec.Released.Equal(dec("1500")))

	types := h.eventTypes(t, p.ID)
	assert.Contains(t, types, EventReleaseSuspended)
	assert.Contains(t, types, EventReleaseResumed)
}

func TestResumeRelease_BeforeExpiryWaitsForSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.create(t, "1500", 100, sevenDay)
	h.deposit(t, p, "spei_1")
	_, err := h.engine.SuspendRelease(ctx, p.ID, payeeID)
	require.NoError(t, err)

	esc, err := h.engine.ResumeRelease(ctx, p.ID, "admin_1")
	require.NoError(t, err)
	assert.Equal(t, EscrowActive, esc.Status)
	assert.Equal(t, StatusInCustody, h.get(t, p.ID).Status)
}

func TestRefund_PaysPayer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.create(t, "1500", 100, sevenDay)
	h.deposit(t, p, "spei_1")

	_, err := h.engine.Refund(ctx, p.ID, "admin_1")
	assert.ErrorIs(t, err, ErrInvalidState, "refund requires a disputed escrow")

	_, err = h.engine.SuspendRelease(ctx, p.ID, payerID)
	require.NoError(t, err)

	esc, err := h.engine.Refund(ctx, p.ID, "admin_1")
	require.NoError(t, err)
	assert.Equal(t, EscrowReleased, esc.Status)
	assert.Equal(t, RecipientPayer, esc.Recipient)

	final := h.get(t, p.ID)
	assert.Equal(t, StateRefunded, final.AutomationState)
	assert.Equal(t, StatusRefunded, final.Status)

	payout, ok := h.rail.payout(p.ID + ":refund_payout")
	require.True(t, ok)
	assert.Equal(t, payerID, payout.Beneficiary)
	assert.True(t, payout.Amount.Equal(dec("1500")))
	_, paidPayee := h.rail.payout(p.ID + ":payout")
	assert.False(t, paidPayee)

	// Replays are no-ops.
	again, err := h.engine.Refund(ctx, p.ID, "admin_1")
	require.NoError(t, err)
	assert.Equal(t, esc.ID, again.ID)
	assert.Equal(t, 1, h.rail.payoutCount())
	assert.Contains(t, h.eventTypes(t, p.ID), EventRefundCompleted)
}

func TestSuspendRelease_RejectedOnceFundsLeftCustody(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.create(t, "1500", 100, sevenDay)
	h.deposit(t, p, "spei_1")

	esc := h.escrow(t, p.ID)
	esc.Status = EscrowExecuting
	esc.ReleaseRef = p.ID + ":release"
	require.NoError(t, h.store.UpdateEscrow(ctx, esc, EscrowActive, esc.Version))

	_, err := h.engine.SuspendRelease(ctx, p.ID, payerID)
	assert.ErrorIs(t, err, ErrReleaseInProgress)
}

func TestSuspendRelease_RejectedOnceReleaseIntentRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.create(t, "1500", 100, sevenDay)
	h.deposit(t, p, "spei_1")

	esc := h.escrow(t, p.ID)
	esc.Status = EscrowExecuting
	esc.ReleaseIntent = p.ID + ":release"
	require.NoError(t, h.store.UpdateEscrow(ctx, esc, EscrowActive, esc.Version))

	_, err := h.engine.SuspendRelease(ctx, p.ID, payerID)
	assert.ErrorIs(t, err, ErrReleaseInProgress)
	assert.Equal(t, EscrowExecuting, h.escrow(t, p.ID).Status)
}

// Scenario: a dispute raised while the contract is confirming the release
// must not strand funds that already left custody.
func TestDisputeDuringCustodyRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.create(t, "1500", 100, sevenDay)
	h.deposit(t, p, "spei_1")

	var suspendErr error
	var escDuring EscrowStatus
	h.custody.afterRelease = func(custody.ReleaseRequest) {
		_, suspendErr = h.engine.SuspendRelease(ctx, p.ID, payerID)
		escDuring = h.escrow(t, p.ID).Status
	}

	h.clock.Advance(8 * day)
	esc, err := h.engine.ExecuteRelease(ctx, p.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, suspendErr, ErrReleaseInProgress)
	assert.Equal(t, EscrowExecuting, escDuring)
	assert.Equal(t, EscrowReleased, esc.Status)
	assert.Equal(t, p.ID+":release", esc.ReleaseIntent)

	final := h.get(t, p.ID)
	assert.Equal(t, StateReleased, final.AutomationState)
	assert.Equal(t, StatusCompleted, final.Status)

	payout, ok := h.rail.payout(p.ID + ":payout")
	require.True(t, ok)
	assert.True(t, payout.Amount.Equal(dec("1500")))
	assert.Equal(t, 1, h.rail.payoutCount())

	_, err = h.engine.Refund(ctx, p.ID, "admin_1")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.NotContains(t, h.eventTypes(t, p.ID), EventReleaseSuspended)
}

// Scenario: a dispute that wins the race before the release intent stops
// the release without moving funds, and the refund then succeeds.
func TestDisputeBeforeReleaseIntent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.create(t, "1500", 100, sevenDay)
	h.deposit(t, p, "spei_1")

	// A release worker claimed the escrow and stopped before recording intent.
	esc := h.escrow(t, p.ID)
	esc.Status = EscrowExecuting
	esc.Recipient = RecipientPayee
	require.NoError(t, h.store.UpdateEscrow(ctx, esc, EscrowActive, esc.Version))

	_, err := h.engine.SuspendRelease(ctx, p.ID, payerID)
	require.NoError(t, err)
	_, releases := h.custody.counts()
	assert.Equal(t, 0, releases)

	refunded, err := h.engine.Refund(ctx, p.ID, "admin_1")
	require.NoError(t, err)
	assert.Equal(t, EscrowReleased, refunded.Status)
	assert.Equal(t, p.ID+":refund", refunded.ReleaseIntent)
	_, ok := h.rail.payout(p.ID + ":refund_payout")
	assert.True(t, ok)
}

// Scenario: a stale withdrawal id never triggers a second conversion.
func TestWithdrawal_StaleIDRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.custodian.set(func(f *fakeCustodian) { f.mintStatus = custodian.TxPending })

	p := h.create(t, "1500", 100, sevenDay)
	got := h.deposit(t, p, "spei_1")
	require.Equal(t, StateWithdrawalPending, got.AutomationState)
	require.Equal(t, 1, got.WithdrawalAttempts)
	firstID := got.WithdrawalID
	require.NotEmpty(t, firstID)

	_, err := h.engine.CompleteWithdrawal(ctx, p.ID, "wd_forged")
	assert.ErrorIs(t, err, ErrStaleWithdrawal)

	_, err = h.engine.RequestWithdrawal(ctx, p.ID)
	assert.ErrorIs(t, err, ErrWithdrawalInFlight)
	assert.Equal(t, 1, h.custodian.distinctMints())

	// Attempt 1 fails; attempt 2 opens with a new key and id.
	got, err = h.engine.FailWithdrawal(ctx, p.ID, firstID, "custodian rejected")
	require.NoError(t, err)
	assert.Equal(t, 2, got.WithdrawalAttempts)
	secondID := got.WithdrawalID
	assert.NotEqual(t, firstID, secondID)

	// A late confirmation of attempt 1 is stale.
	_, err = h.engine.CompleteWithdrawal(ctx, p.ID, firstID)
	assert.ErrorIs(t, err, ErrStaleWithdrawal)
	assert.Equal(t, StateWithdrawalPending, h.get(t, p.ID).AutomationState)
	assert.Equal(t, 2, h.custodian.distinctMints())

	got, err = h.engine.CompleteWithdrawal(ctx, p.ID, secondID)
	require.NoError(t, err)
	assert.Equal(t, StateEscrowComplete, got.AutomationState)

	// Replaying the applied confirmation is a no-op.
	got, err = h.engine.CompleteWithdrawal(ctx, p.ID, secondID)
	require.NoError(t, err)
	assert.Equal(t, StateEscrowComplete, got.AutomationState)
	creates, _ := h.custody.counts()
	assert.Equal(t, 1, creates)
}

func TestWithdrawal_DifferentIDForSameAttemptRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.custodian.set(func(f *fakeCustodian) { f.mintStatus = custodian.TxPending })

	p := h.create(t, "100", 0, 0)
	got := h.deposit(t, p, "spei_1")

	_, err := h.engine.recordWithdrawalID(ctx, p.ID, got.WithdrawalAttempts, "wd_other")
	assert.ErrorIs(t, err, ErrDuplicateWithdrawal)

	same, err := h.engine.recordWithdrawalID(ctx, p.ID, got.WithdrawalAttempts, got.WithdrawalID)
	require.NoError(t, err)
	assert.Equal(t, got.WithdrawalID, same.WithdrawalID)
}

func TestWithdrawal_TimeoutPollsCustodian(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.custodian.set(func(f *fakeCustodian) { f.mintStatus = custodian.TxPending })

	p := h.create(t, "1500", 100, sevenDay)
	got := h.deposit(t, p, "spei_1")

	h.clock.Advance(h.cfg.WithdrawalTimeout + time.Minute)
	_, err := h.engine.RequestWithdrawal(ctx, p.ID)
	assert.ErrorIs(t, err, ErrWithdrawalInFlight, "custodian still pending")

	h.custodian.set(func(f *fakeCustodian) { f.statuses[got.WithdrawalID] = custodian.TxCompleted })
	got, err = h.engine.RequestWithdrawal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateEscrowComplete, got.AutomationState)
	assert.Equal(t, WithdrawalVerified, got.WithdrawalStatus)
	assert.Equal(t, 1, h.custodian.distinctMints())
}

func TestWithdrawal_FailsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	h.custodian.set(func(f *fakeCustodian) { f.mintStatus = custodian.TxFailed })

	p := h.create(t, "1500", 100, sevenDay)
	got := h.deposit(t, p, "spei_1")

	assert.Equal(t, StateFailed, got.AutomationState)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, h.cfg.WithdrawalMaxAttempts, got.WithdrawalAttempts)
	assert.Equal(t, h.cfg.WithdrawalMaxAttempts, h.custodian.distinctMints())
	assert.Contains(t, h.notifier.types(), NotifyEscrowError)
	assert.Contains(t, h.eventTypes(t, p.ID), EventPaymentFailed)
}

func TestWithdrawal_TransientFailureRedrivenBySweeper(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.custodian.set(func(f *fakeCustodian) {
		f.mintErr = provider.Retryable(custodian.ProviderName, "mint", errors.New("connection reset"))
	})

	p := h.create(t, "1500", 100, sevenDay)
	got := h.deposit(t, p, "spei_1")

	assert.Equal(t, StateWithdrawalPending, got.AutomationState)
	assert.Equal(t, WithdrawalFailed, got.WithdrawalStatus)
	errorEvents := 0
	for _, typ := range h.eventTypes(t, p.ID) {
		if typ == EventWithdrawalError {
			errorEvents++
		}
	}
	assert.Equal(t, h.cfg.AdapterMaxAttempts, errorEvents, "one error event per attempt")

	h.custodian.set(func(f *fakeCustodian) { f.mintErr = nil })
	h.clock.Advance(3 * time.Minute)
	NewTimer(h.engine, time.Minute, 0, discardLogger()).Sweep(ctx)

	got = h.get(t, p.ID)
	assert.Equal(t, StateEscrowComplete, got.AutomationState)
	assert.Equal(t, 2, got.WithdrawalAttempts)
}

// Replaying a deposit webhook converts the deposit exactly once.
func TestHandleDeposit_ReplayIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.create(t, "1500", 100, sevenDay)
	dep := bankrail.DepositEvent{Account: p.DepositAccount, Amount: p.TotalAmount, ExternalTxID: "spei_1"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.HandleDeposit(ctx, dep)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		_, err := h.engine.HandleDeposit(ctx, dep)
		require.NoError(t, err)
	}

	h.custodian.mu.Lock()
	mintCalls := h.custodian.mintCalls
	h.custodian.mu.Unlock()
	assert.Equal(t, 1, mintCalls)

	requested := 0
	for _, typ := range h.eventTypes(t, p.ID) {
		if typ == EventWithdrawalRequested {
			requested++
		}
	}
	assert.Equal(t, 1, requested)
	assert.Equal(t, StateEscrowComplete, h.get(t, p.ID).AutomationState)
}

func TestHandleDeposit_Insufficient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.create(t, "1500", 100, sevenDay)

	got, err := h.engine.HandleDeposit(ctx, bankrail.DepositEvent{
		Account: p.DepositAccount, Amount: dec("1500"), ExternalTxID: "spei_short",
	})
	require.NoError(t, err)
	assert.Equal(t, StateCreated, got.AutomationState)
	assert.Contains(t, h.eventTypes(t, p.ID), EventDepositInsufficient)

	_, err = h.engine.HandleDeposit(ctx, bankrail.DepositEvent{Account: "646180999999999999", Amount: dec("1")})
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

// Two workers racing on escrow creation call CreateCustody once.
func TestCreateEscrow_MutualExclusion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.custodian.set(func(f *fakeCustodian) { f.mintStatus = custodian.TxPending })

	p := h.create(t, "1500", 100, sevenDay)
	got := h.deposit(t, p, "spei_1")

	gate := make(chan struct{})
	entered := make(chan struct{}, 4)
	h.custody.mu.Lock()
	h.custody.gate, h.custody.entered = gate, entered
	h.custody.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.CompleteWithdrawal(ctx, p.ID, got.WithdrawalID)
		done <- err
	}()
	<-entered

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.CreateEscrow(ctx, p.ID)
			assert.ErrorIs(t, err, lockledger.ErrLockHeld)
		}()
	}
	wg.Wait()

	close(gate)
	require.NoError(t, <-done)

	creates, _ := h.custody.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, StateEscrowComplete, h.get(t, p.ID).AutomationState)
	assert.Equal(t, EscrowActive, h.escrow(t, p.ID).Status)
	assert.False(t, h.get(t, p.ID).EscrowCreationLocked)
}

// A crashed lock holder blocks escrow creation only until its TTL.
func TestCreateEscrow_LockExpiryRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.custodian.set(func(f *fakeCustodian) { f.mintStatus = custodian.TxPending })

	p := h.create(t, "1500", 100, sevenDay)
	got := h.deposit(t, p, "spei_1")

	crashed, err := h.locks.Acquire(ctx, p.ID)
	require.NoError(t, err)

	got, err = h.engine.CompleteWithdrawal(ctx, p.ID, got.WithdrawalID)
	require.NoError(t, err)
	assert.Equal(t, StateWithdrawalComplete, got.AutomationState)

	_, err = h.engine.CreateEscrow(ctx, p.ID)
	assert.ErrorIs(t, err, lockledger.ErrLockHeld)
	creates, _ := h.custody.counts()
	assert.Equal(t, 0, creates)

	h.clock.Advance(testTTL + time.Second)
	NewTimer(h.engine, time.Minute, 0, discardLogger()).Sweep(ctx)

	got = h.get(t, p.ID)
	assert.Equal(t, StateEscrowComplete, got.AutomationState)
	assert.False(t, got.EscrowCreationLocked)
	creates, _ = h.custody.counts()
	assert.Equal(t, 1, creates)

	// The crashed worker's late release is harmless.
	require.NoError(t, crashed.Release(ctx))
	assert.Equal(t, StateEscrowComplete, h.get(t, p.ID).AutomationState)
}

func TestCreateEscrow_PartialRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.create(t, "10000", 60, sevenDay)
	got := h.deposit(t, p, "spei_1")
	require.Equal(t, StateEscrowComplete, got.AutomationState)

	esc := h.escrow(t, p.ID)
	assert.True(t, esc.CustodyAmount.Equal(dec("6000")))
	assert.True(t, esc.ImmediateAmount.Equal(dec("4000")))
	assert.True(t, esc.CustodyAmount.Add(esc.ImmediateAmount).Equal(p.Amount))

	immediate, ok := h.rail.payout(p.ID + ":immediate_payout")
	require.True(t, ok)
	assert.True(t, immediate.Amount.Equal(dec("4000")))
	assert.Equal(t, payeeID, immediate.Beneficiary)

	rec, err := h.ledger.GetRecord(ctx, esc.ExternalRef)
	require.NoError(t, err)
	assert.True(t, rec.Amount.Equal(dec("6000")))
	assert.Contains(t, h.eventTypes(t, p.ID), EventPartialRelease)

	// At expiry only the custody share is paid.
	h.clock.Advance(8 * day)
	_, err = h.engine.ExecuteRelease(ctx, p.ID)
	require.NoError(t, err)
	final, ok := h.rail.payout(p.ID + ":payout")
	require.True(t, ok)
	assert.True(t, final.Amount.Equal(dec("6000")))
}

func TestCreateEscrow_ZeroCustodyReleasesImmediately(t *testing.T) {
	h := newHarness(t)

	p := h.create(t, "500", 0, sevenDay)
	got := h.deposit(t, p, "spei_1")

	assert.Equal(t, StateReleased, got.AutomationState)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, EscrowReleased, h.escrow(t, p.ID).Status)

	immediate, ok := h.rail.payout(p.ID + ":immediate_payout")
	require.True(t, ok)
	assert.True(t, immediate.Amount.Equal(dec("500")))
	creates, releases := h.custody.counts()
	assert.Zero(t, creates)
	assert.Zero(t, releases)
}

func TestCreateEscrow_TerminalCustodyFailure(t *testing.T) {
	h := newHarness(t)
	h.custody.createErr = provider.Terminal("custody", "create", "rejected", "contract paused")

	p := h.create(t, "1500", 100, sevenDay)
	got := h.deposit(t, p, "spei_1")

	assert.Equal(t, StateFailed, got.AutomationState)
	assert.Equal(t, EscrowExpired, h.escrow(t, p.ID).Status)
	creates, _ := h.custody.counts()
	assert.Equal(t, 1, creates, "terminal errors are not retried")
	assert.Contains(t, h.eventTypes(t, p.ID), EventEscrowCreateError)
	assert.Contains(t, h.notifier.types(), NotifyEscrowError)
}

func TestCreateEscrow_ImmediatePayoutFailure(t *testing.T) {
	h := newHarness(t)
	h.rail.payoutErr = provider.Terminal(bankrail.ProviderName, "payout", "invalid_beneficiary", "account closed")

	p := h.create(t, "1000", 50, sevenDay)
	got := h.deposit(t, p, "spei_1")

	assert.Equal(t, StateFailed, got.AutomationState)
	assert.NotEmpty(t, h.escrow(t, p.ID).ExternalRef, "custody ref is kept for reconciliation")
	assert.Contains(t, h.notifier.types(), NotifyPayoutProcessingError)
	assert.Contains(t, h.eventTypes(t, p.ID), EventPayoutError)
}

func TestExecuteRelease_NotDue(t *testing.T) {
	h := newHarness(t)
	p := h.create(t, "1500", 100, sevenDay)
	h.deposit(t, p, "spei_1")

	_, err := h.engine.ExecuteRelease(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrNotDue)
	assert.Equal(t, EscrowActive, h.escrow(t, p.ID).Status)
}

func TestExecuteRelease_CommissionPayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.engine.CreatePayment(ctx, CreateRequest{
		PayerID: payerID, PayeeID: payeeID,
		CommissionBeneficiaryID: "user_broker", CommissionAccount: clabeA,
		Amount: "1000", CustodyPercent: 100, CustodyPeriod: sevenDay,
		PayoutAccount: clabeA, RefundAccount: clabeA,
	})
	require.NoError(t, err)
	h.deposit(t, p, "spei_1")

	h.clock.Advance(8 * day)
	_, err = h.engine.ExecuteRelease(ctx, p.ID)
	require.NoError(t, err)

	commission, ok := h.rail.payout(p.ID + ":commission_payout")
	require.True(t, ok)
	assert.Equal(t, "user_broker", commission.Beneficiary)
	assert.True(t, commission.Amount.Equal(dec("20")))
}

func TestApproveRelease_Mutual(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mutual := promtestutil.ToFloat64(metrics.EscrowsReleasedTotal.WithLabelValues(RecipientPayee, TriggerMutual))

	p := h.create(t, "1500", 100, sevenDay)
	h.deposit(t, p, "spei_1")

	_, err := h.engine.ApproveRelease(ctx, p.ID, "user_stranger")
	assert.ErrorIs(t, err, ErrUnauthorized)

	got, err := h.engine.ApproveRelease(ctx, p.ID, payerID)
	require.NoError(t, err)
	assert.True(t, got.PayerApproved)
	assert.Equal(t, EscrowActive, h.escrow(t, p.ID).Status)

	// Approving twice changes nothing.
	_, err = h.engine.ApproveRelease(ctx, p.ID, payerID)
	require.NoError(t, err)

	got, err = h.engine.ApproveRelease(ctx, p.ID, payeeID)
	require.NoError(t, err)
	assert.Equal(t, StateReleased, got.AutomationState)
	assert.Equal(t, EscrowReleased, h.escrow(t, p.ID).Status)
	assert.Equal(t, mutual+1, promtestutil.ToFloat64(metrics.EscrowsReleasedTotal.WithLabelValues(RecipientPayee, TriggerMutual)))
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.create(t, "1500", 100, sevenDay)
	_, err := h.engine.Cancel(ctx, p.ID, payeeID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	got, err := h.engine.Cancel(ctx, p.ID, payerID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// A late deposit is recorded but not acted on.
	got = h.deposit(t, p, "spei_late")
	assert.Equal(t, StateCreated, got.AutomationState)
	assert.Contains(t, h.eventTypes(t, p.ID), EventDepositIgnored)

	funded := h.create(t, "100", 0, 0)
	h.deposit(t, funded, "spei_2")
	_, err = h.engine.Cancel(ctx, funded.ID, payerID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestForceExpire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.create(t, "1500", 100, sevenDay)
	h.deposit(t, p, "spei_1")

	esc, err := h.engine.ForceExpire(ctx, p.ID, "admin_1")
	require.NoError(t, err)
	assert.True(t, esc.Due(h.clock.Now()))

	NewTimer(h.engine, time.Minute, 0, discardLogger()).Sweep(ctx)
	assert.Equal(t, StateReleased, h.get(t, p.ID).AutomationState)
	assert.Contains(t, h.eventTypes(t, p.ID), EventForceExpired)
}

func TestForceExpire_Disabled(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AllowForceExpire = false })
	p := h.create(t, "1500", 100, sevenDay)
	h.deposit(t, p, "spei_1")

	_, err := h.engine.ForceExpire(context.Background(), p.ID, "admin_1")
	assert.ErrorIs(t, err, ErrForceExpireDisabled)
}

func TestTimer_ResumesStaleExecuting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.create(t, "1500", 100, sevenDay)
	h.deposit(t, p, "spei_1")

	// Simulate a worker that claimed the release and died.
	esc := h.escrow(t, p.ID)
	esc.Status = EscrowExecuting
	esc.Recipient = RecipientPayee
	esc.UpdatedAt = h.clock.Now()
	require.NoError(t, h.store.UpdateEscrow(ctx, esc, EscrowActive, esc.Version))
	cur := h.get(t, p.ID)
	next := *cur
	next.AutomationState = StateExecuting
	next.Status = StatusReleasing
	require.NoError(t, h.store.CompareAndSwap(ctx, &next, StateEscrowComplete, cur.Version))

	timer := NewTimer(h.engine, time.Minute, 10*time.Minute, discardLogger())
	h.clock.Advance(5 * time.Minute)
	timer.Sweep(ctx)
	assert.Equal(t, EscrowExecuting, h.escrow(t, p.ID).Status, "not stale yet")

	h.clock.Advance(6 * time.Minute)
	timer.Sweep(ctx)
	assert.Equal(t, EscrowReleased, h.escrow(t, p.ID).Status)
	assert.Equal(t, StateReleased, h.get(t, p.ID).AutomationState)
}

func TestTimer_StartStop(t *testing.T) {
	h := newHarness(t)
	timer := NewTimer(h.engine, 10*time.Millisecond, 0, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}

func TestTimer_StopIsSticky(t *testing.T) {
	h := newHarness(t)
	timer := NewTimer(h.engine, time.Hour, 0, discardLogger())

	// Stop may land before Start or mid-sweep; it must not be lost.
	timer.Stop()
	timer.Stop()

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer ignored an earlier Stop")
	}
}

// recordingStore captures every automation state written.
type recordingStore struct {
	*MemoryStore
	mu   sync.Mutex
	seen []AutomationState
}

func (r *recordingStore) CompareAndSwap(ctx context.Context, p *Payment, expectedState AutomationState, expectedVersion int64) error {
	err := r.MemoryStore.CompareAndSwap(ctx, p, expectedState, expectedVersion)
	if err == nil {
		r.mu.Lock()
		r.seen = append(r.seen, p.AutomationState)
		r.mu.Unlock()
	}
	return err
}

func TestAutomationState_NeverRegresses(t *testing.T) {
	h := newHarness(t)
	rec := &recordingStore{MemoryStore: h.store}
	h.withStore(rec)
	ctx := context.Background()

	p := h.create(t, "10000", 60, sevenDay)
	rec.seen = append(rec.seen, StateCreated)
	h.deposit(t, p, "spei_1")
	h.deposit(t, p, "spei_1")
	_, err := h.engine.ApproveRelease(ctx, p.ID, payerID)
	require.NoError(t, err)
	h.clock.Advance(8 * day)
	NewTimer(h.engine, time.Minute, 0, discardLogger()).Sweep(ctx)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.seen)
	assert.Equal(t, StateReleased, rec.seen[len(rec.seen)-1])
	for i := 1; i < len(rec.seen); i++ {
		assert.GreaterOrEqual(t, rec.seen[i].Rank(), rec.seen[i-1].Rank(),
			"state regressed: %s after %s", rec.seen[i], rec.seen[i-1])
	}
}
