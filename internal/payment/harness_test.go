package payment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rodrigojille/kustodia-sub014/internal/bankrail"
	"github.com/rodrigojille/kustodia-sub014/internal/custodian"
	"github.com/rodrigojille/kustodia-sub014/internal/custody"
	"github.com/rodrigojille/kustodia-sub014/internal/lockledger"
)

const (
	payerID  = "user_payer"
	payeeID  = "user_payee"
	clabeA   = "002010077777777771"
	testTTL  = 5 * time.Minute
	sevenDay = Period(7 * 24 * time.Hour)
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// --- bank rail ---

type fakeRail struct {
	mu        sync.Mutex
	issued    int
	deposits  map[string]*bankrail.DepositEvent
	payouts   map[string]bankrail.PayoutRequest
	calls     int
	payoutErr error
	issueErr  error
}

func newFakeRail() *fakeRail {
	return &fakeRail{
		deposits: make(map[string]*bankrail.DepositEvent),
		payouts:  make(map[string]bankrail.PayoutRequest),
	}
}

func (r *fakeRail) IssueAccount(_ context.Context, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.issueErr != nil {
		return "", r.issueErr
	}
	r.issued++
	return bankrail.BuildCLABE("646", "180", fmt.Sprintf("%011d", r.issued))
}

func (r *fakeRail) DetectDeposit(_ context.Context, account string) (*bankrail.DepositEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deposits[account], nil
}

func (r *fakeRail) Payout(_ context.Context, req bankrail.PayoutRequest) (*bankrail.PayoutResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.payoutErr != nil {
		return nil, r.payoutErr
	}
	r.payouts[req.Reference] = req
	return &bankrail.PayoutResult{ExternalID: "po_" + req.Reference, Status: bankrail.PayoutCompleted, Reference: req.Reference}, nil
}

func (r *fakeRail) payout(reference string) (bankrail.PayoutRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.payouts[reference]
	return req, ok
}

func (r *fakeRail) payoutCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payouts)
}

// --- custodian ---

type fakeCustodian struct {
	mu          sync.Mutex
	mints       map[string]custodian.ConversionRequest
	mintCalls   int
	mintStatus  custodian.TxStatus
	mintErr     error
	withdrawals map[string]custodian.WithdrawalRequest
	statuses    map[string]custodian.TxStatus
}

func newFakeCustodian() *fakeCustodian {
	return &fakeCustodian{
		mints:       make(map[string]custodian.ConversionRequest),
		mintStatus:  custodian.TxCompleted,
		withdrawals: make(map[string]custodian.WithdrawalRequest),
		statuses:    make(map[string]custodian.TxStatus),
	}
}

func (f *fakeCustodian) MintFromFiat(_ context.Context, req custodian.ConversionRequest) (*custodian.ConversionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mintCalls++
	if f.mintErr != nil {
		return nil, f.mintErr
	}
	f.mints[req.IdempotencyKey] = req
	return &custodian.ConversionResult{ExternalID: "wd_" + req.IdempotencyKey, Status: f.mintStatus, Amount: req.Amount}, nil
}

func (f *fakeCustodian) WithdrawToFiat(_ context.Context, req custodian.WithdrawalRequest) (*custodian.WithdrawalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawals[req.IdempotencyKey] = req
	return &custodian.WithdrawalResult{ExternalID: "rd_" + req.IdempotencyKey, Status: custodian.TxCompleted}, nil
}

func (f *fakeCustodian) TransactionStatus(_ context.Context, id string) (custodian.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.statuses[id]; ok {
		return s, nil
	}
	return custodian.TxPending, nil
}

func (f *fakeCustodian) set(fn func(f *fakeCustodian)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeCustodian) distinctMints() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mints)
}

// --- custody ---

// countingCustody wraps the ledger contract, counting calls and
// optionally blocking CreateCustody until released. afterRelease runs once
// the contract has moved the funds, before the engine sees the result.
type countingCustody struct {
	*custody.LedgerContract

	mu           sync.Mutex
	creates      int
	releases     int
	createErr    error
	gate         chan struct{}
	entered      chan struct{}
	afterRelease func(req custody.ReleaseRequest)
}

func (c *countingCustody) CreateCustody(ctx context.Context, req custody.CreateRequest) (*custody.Ref, error) {
	c.mu.Lock()
	c.creates++
	gate, entered, err := c.gate, c.entered, c.createErr
	c.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return c.LedgerContract.CreateCustody(ctx, req)
}

func (c *countingCustody) Release(ctx context.Context, req custody.ReleaseRequest) (*custody.ReleaseResult, error) {
	c.mu.Lock()
	c.releases++
	hook := c.afterRelease
	c.mu.Unlock()

	res, err := c.LedgerContract.Release(ctx, req)
	if err == nil && hook != nil {
		hook(req)
	}
	return res, err
}

func (c *countingCustody) counts() (creates, releases int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates, c.releases
}

// --- notifier ---

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, note := range n.sent {
		out[i] = note.Type
	}
	return out
}

// --- harness ---

type harness struct {
	engine    *Engine
	store     *MemoryStore
	rail      *fakeRail
	custodian *fakeCustodian
	custody   *countingCustody
	ledger    *custody.MemoryStore
	locks     *lockledger.Ledger
	notifier  *recordingNotifier
	clock     *fakeClock
	cfg       Config
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryStore()
	ledgerStore := custody.NewMemoryStore()
	h := &harness{
		store:     store,
		rail:      newFakeRail(),
		custodian: newFakeCustodian(),
		custody:   &countingCustody{LedgerContract: custody.NewLedgerContract(ledgerStore).WithClock(clock.Now)},
		ledger:    ledgerStore,
		locks:     lockledger.New(store, testTTL).WithClock(clock.Now),
		notifier:  &recordingNotifier{},
		clock:     clock,
	}

	cfg := DefaultConfig()
	cfg.AdapterBaseDelay = 0
	cfg.AdapterMaxAttempts = 2
	cfg.AllowForceExpire = true
	for _, m := range mutate {
		m(&cfg)
	}

	h.cfg = cfg
	h.withStore(store)
	return h
}

// withStore rebuilds the engine with s as its payment store.
func (h *harness) withStore(s Store) {
	h.engine = NewEngine(Deps{
		Store:     s,
		Escrows:   h.store,
		Events:    h.store,
		Locks:     h.locks,
		Rail:      h.rail,
		Custodian: h.custodian,
		Custody:   h.custody,
		Notifier:  h.notifier,
	}, h.cfg).WithClock(h.clock.Now)
}

func (h *harness) create(t *testing.T, amount string, custodyPercent int, period Period) *Payment {
	t.Helper()
	p, err := h.engine.CreatePayment(context.Background(), CreateRequest{
		PayerID:        payerID,
		PayeeID:        payeeID,
		Amount:         amount,
		CustodyPercent: custodyPercent,
		CustodyPeriod:  period,
		PayoutAccount:  clabeA,
		RefundAccount:  clabeA,
	})
	require.NoError(t, err)
	return p
}

func (h *harness) deposit(t *testing.T, p *Payment, txID string) *Payment {
	t.Helper()
	got, err := h.engine.HandleDeposit(context.Background(), bankrail.DepositEvent{
		Account:      p.DepositAccount,
		Amount:       p.TotalAmount,
		Currency:     p.Currency,
		ExternalTxID: txID,
		SettledAt:    h.clock.Now(),
	})
	require.NoError(t, err)
	return got
}

func (h *harness) get(t *testing.T, id string) *Payment {
	t.Helper()
	p, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (h *harness) escrow(t *testing.T, paymentID string) *Escrow {
	t.Helper()
	esc, err := h.store.GetEscrowByPayment(context.Background(), paymentID)
	require.NoError(t, err)
	return esc
}

func (h *harness) eventTypes(t *testing.T, paymentID string) []string {
	t.Helper()
	evs, err := h.store.ListEvents(context.Background(), paymentID)
	require.NoError(t, err)
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
