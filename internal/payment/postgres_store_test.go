//go:build integration

package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodrigojille/kustodia-sub014/internal/testutil"
)

func pgPayment(id, account string, now time.Time) *Payment {
	return &Payment{
		ID: id, PayerID: payerID, PayeeID: payeeID,
		Amount: decimal.NewFromInt(1500), Currency: "MXN",
		CommissionAmount: decimal.NewFromInt(30), TotalAmount: decimal.NewFromInt(1530),
		CustodyPercent: 100, CustodyPeriod: Period(7 * 24 * time.Hour),
		DepositAccount: account, PayoutAccount: clabeA, RefundAccount: clabeA,
		Status: StatusPending, AutomationState: StateCreated,
		SettledAmount: decimal.Zero, Version: 1, CreatedAt: now, UpdatedAt: now,
	}
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, store.Create(ctx, pgPayment("pay_pg1", "646180000000000011", now)))

	got, err := store.Get(ctx, "pay_pg1")
	require.NoError(t, err)
	assert.True(t, got.TotalAmount.Equal(decimal.NewFromInt(1530)))
	assert.Equal(t, Period(7*24*time.Hour), got.CustodyPeriod)
	assert.Equal(t, StateCreated, got.AutomationState)

	byAccount, err := store.GetByDepositAccount(ctx, "646180000000000011")
	require.NoError(t, err)
	assert.Equal(t, "pay_pg1", byAccount.ID)

	_, err = store.Get(ctx, "pay_missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	err = store.Create(ctx, pgPayment("pay_pg2", "646180000000000011", now))
	assert.ErrorIs(t, err, ErrDuplicateAccount)
}

func TestPostgresStore_CompareAndSwap(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.Create(ctx, pgPayment("pay_cas", "646180000000000022", now)))

	p, err := store.Get(ctx, "pay_cas")
	require.NoError(t, err)
	p.AutomationState = StateDepositDetected
	p.Status = StatusFunded
	p.DepositTxID = "tx_1"
	require.NoError(t, store.CompareAndSwap(ctx, p, StateCreated, 1))
	assert.Equal(t, int64(2), p.Version)

	stale, err := store.Get(ctx, "pay_cas")
	require.NoError(t, err)
	stale.AutomationState = StateFailed
	err = store.CompareAndSwap(ctx, stale, StateCreated, 1)
	assert.ErrorIs(t, err, ErrConflict)

	ghost := pgPayment("pay_ghost", "", now)
	err = store.CompareAndSwap(ctx, ghost, StateCreated, 1)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestPostgresStore_ConcurrentCASSingleWinner(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.Create(ctx, pgPayment("pay_race", "646180000000000033", now)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := store.Get(ctx, "pay_race")
			if err != nil {
				return
			}
			p.AutomationState = StateDepositDetected
			if store.CompareAndSwap(ctx, p, StateCreated, 1) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPostgresStore_WithdrawalIDUnique(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.Create(ctx, pgPayment("pay_w1", "646180000000000044", now)))
	require.NoError(t, store.Create(ctx, pgPayment("pay_w2", "646180000000000055", now)))

	first, _ := store.Get(ctx, "pay_w1")
	first.WithdrawalID = "wd_shared"
	require.NoError(t, store.CompareAndSwap(ctx, first, StateCreated, 1))

	second, _ := store.Get(ctx, "pay_w2")
	second.WithdrawalID = "wd_shared"
	err := store.CompareAndSwap(ctx, second, StateCreated, 1)
	assert.ErrorIs(t, err, ErrDuplicateWithdrawal)
}

func TestPostgresStore_EscrowLock(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.Create(ctx, pgPayment("pay_lock", "646180000000000066", now)))

	ok, err := store.AcquireEscrowLock(ctx, "pay_lock", "tok_a", now, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireEscrowLock(ctx, "pay_lock", "tok_b", now.Add(time.Minute), now.Add(6*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "unexpired lock must not be stolen")

	// A wrong token is a no-op.
	require.NoError(t, store.ReleaseEscrowLock(ctx, "pay_lock", "tok_b"))
	p, _ := store.Get(ctx, "pay_lock")
	assert.True(t, p.EscrowCreationLocked)

	ok, err = store.AcquireEscrowLock(ctx, "pay_lock", "tok_c", now.Add(10*time.Minute), now.Add(15*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lock is reclaimable")

	require.NoError(t, store.ReleaseEscrowLock(ctx, "pay_lock", "tok_c"))
	p, _ = store.Get(ctx, "pay_lock")
	assert.False(t, p.EscrowCreationLocked)
	assert.Nil(t, p.EscrowLockExpiresAt)
}

func TestPostgresStore_EscrowLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.Create(ctx, pgPayment("pay_esc", "646180000000000077", now)))

	end := now.Add(-time.Minute)
	esc := &Escrow{
		ID: "esc_1", PaymentID: "pay_esc",
		CustodyAmount: decimal.NewFromInt(1500), ImmediateAmount: decimal.Zero,
		Status: EscrowActive, CustodyStart: &now, CustodyEnd: &end,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	_, err := store.CreateEscrow(ctx, esc)
	require.NoError(t, err)

	dup := *esc
	dup.ID = "esc_2"
	existing, err := store.CreateEscrow(ctx, &dup)
	assert.ErrorIs(t, err, ErrEscrowExists)
	assert.Equal(t, "esc_1", existing.ID)

	due, err := store.ListDueEscrows(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	got, _ := store.GetEscrow(ctx, "esc_1")
	got.Status = EscrowExecuting
	got.ReleaseIntent = "pay_esc:release"
	got.UpdatedAt = now.Add(-time.Hour)
	require.NoError(t, store.UpdateEscrow(ctx, got, EscrowActive, 1))
	assert.Equal(t, int64(2), got.Version)

	reread, err := store.GetEscrow(ctx, "esc_1")
	require.NoError(t, err)
	assert.Equal(t, "pay_esc:release", reread.ReleaseIntent)
	assert.True(t, reread.LeavingCustody())

	err = store.UpdateEscrow(ctx, got, EscrowActive, 1)
	assert.ErrorIs(t, err, ErrConflict)

	stale, err := store.ListStaleExecuting(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "esc_1", stale[0].ID)
}

func TestPostgresStore_Events(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.Create(ctx, pgPayment("pay_ev", "646180000000000088", now)))

	require.NoError(t, store.AppendEvent(ctx, &Event{ID: "evt_1", PaymentID: "pay_ev", Type: NotifyFundsReceived,
		Description: "deposit", CreatedAt: now}))
	require.NoError(t, store.AppendEvent(ctx, &Event{ID: "evt_2", PaymentID: "pay_ev", Type: EventReleaseSuspended,
		Actor: payerID, Metadata: map[string]string{"disputeId": "dsp_1"}, CreatedAt: now.Add(time.Second)}))

	events, err := store.ListEvents(ctx, "pay_ev")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, NotifyFundsReceived, events[0].Type)
	assert.Equal(t, "dsp_1", events[1].Metadata["disputeId"])
	assert.Equal(t, payerID, events[1].Actor)
}
