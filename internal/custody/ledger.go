package custody

import (
	"context"
	"errors"
	"time"

	"github.com/rodrigojille/kustodia-sub014/internal/idgen"
	"github.com/rodrigojille/kustodia-sub014/internal/provider"
	"github.com/shopspring/decimal"
)

// Record is a ledger-backed custody lock.
type Record struct {
	ID             string
	IdempotencyKey string
	PaymentID      string
	Amount         decimal.Decimal
	Released       decimal.Decimal
	Period         time.Duration
	Disputed       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Release is one executed movement out of a Record.
type Release struct {
	ReleaseID string
	RecordID  string
	Amount    decimal.Decimal
	Recipient string
	CreatedAt time.Time
}

// Store persists ledger custody records.
type Store interface {
	// CreateRecord inserts rec, or returns the existing record holding the
	// same idempotency key together with ErrKeyExists.
	CreateRecord(ctx context.Context, rec *Record) (*Record, error)
	GetRecord(ctx context.Context, id string) (*Record, error)
	SetDisputed(ctx context.Context, id string, disputed bool, now time.Time) error
	// ApplyRelease atomically records rel and debits its record. An existing
	// release id returns the stored release with ErrReleaseExists.
	ApplyRelease(ctx context.Context, rel *Release) (*Release, error)
}

var (
	ErrKeyExists     = errors.New("custody: idempotency key exists")
	ErrReleaseExists = errors.New("custody: release id exists")
)

// LedgerContract implements Contract on the platform's own database, for
// deployments that do not lock funds on-chain.
type LedgerContract struct {
	store Store
	now   func() time.Time
}

var _ Contract = (*LedgerContract)(nil)

// NewLedgerContract creates a ledger-backed custody contract.
func NewLedgerContract(store Store) *LedgerContract {
	return &LedgerContract{store: store, now: time.Now}
}

// WithClock replaces the time source (tests).
func (l *LedgerContract) WithClock(now func() time.Time) *LedgerContract {
	l.now = now
	return l
}

func (l *LedgerContract) CreateCustody(ctx context.Context, req CreateRequest) (*Ref, error) {
	if err := validateCreate(req); err != nil {
		return nil, provider.Terminal(ProviderName, "create", "invalid_request", err.Error())
	}

	now := l.now()
	rec := &Record{
		ID:             idgen.WithPrefix("cst_"),
		IdempotencyKey: req.IdempotencyKey,
		PaymentID:      req.PaymentID,
		Amount:         req.Amount,
		Released:       decimal.Zero,
		Period:         req.Period,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stored, err := l.store.CreateRecord(ctx, rec)
	switch {
	case errors.Is(err, ErrKeyExists):
		if stored.PaymentID != req.PaymentID || !stored.Amount.Equal(req.Amount) {
			return nil, provider.Terminal(ProviderName, "create", "key_conflict", ErrKeyConflict.Error())
		}
	case err != nil:
		return nil, provider.Retryable(ProviderName, "create", err)
	}
	return &Ref{ID: stored.ID, CreatedAt: stored.CreatedAt}, nil
}

func (l *LedgerContract) Release(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	if err := validateRelease(req); err != nil {
		return nil, provider.Terminal(ProviderName, "release", "invalid_request", err.Error())
	}

	rel, err := l.store.ApplyRelease(ctx, &Release{
		ReleaseID: req.ReleaseID,
		RecordID:  req.Ref,
		Amount:    req.Amount,
		Recipient: req.Recipient,
		CreatedAt: l.now(),
	})
	switch {
	case err == nil, errors.Is(err, ErrReleaseExists):
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDisputed), errors.Is(err, ErrExceedsBalance):
		return nil, provider.Terminal(ProviderName, "release", "rejected", err.Error())
	default:
		return nil, provider.Retryable(ProviderName, "release", err)
	}

	return &ReleaseResult{
		ReleaseID:  rel.ReleaseID,
		Ref:        rel.RecordID,
		Amount:     rel.Amount,
		Recipient:  rel.Recipient,
		ReleasedAt: rel.CreatedAt,
	}, nil
}

func (l *LedgerContract) FlagDisputed(ctx context.Context, ref string) error {
	return l.setDisputed(ctx, "flag_disputed", ref, true)
}

func (l *LedgerContract) ClearDispute(ctx context.Context, ref string) error {
	return l.setDisputed(ctx, "clear_dispute", ref, false)
}

func (l *LedgerContract) setDisputed(ctx context.Context, op, ref string, disputed bool) error {
	err := l.store.SetDisputed(ctx, ref, disputed, l.now())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return provider.Terminal(ProviderName, op, "not_found", err.Error())
	default:
		return provider.Retryable(ProviderName, op, err)
	}
}
