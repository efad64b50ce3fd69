// Package lockledger implements the per-payment escrow-creation mutex.
//
// The lock lives on the payment row itself (locked flag, expiry, holder
// token) and is taken with a single conditional update, so it holds across
// processes. A crashed holder's lock expires after the TTL and any worker
// may reclaim it.
package lockledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rodrigojille/kustodia-sub014/internal/idgen"
	"github.com/rodrigojille/kustodia-sub014/internal/logging"
	"github.com/rodrigojille/kustodia-sub014/internal/metrics"
)

// DefaultTTL bounds how long a crashed holder can block escrow creation.
const DefaultTTL = 5 * time.Minute

// ErrLockHeld is returned when another worker holds a live lock.
var ErrLockHeld = errors.New("lockledger: escrow creation lock held")

// Store is the storage half of the ledger. Payment stores implement it.
type Store interface {
	// AcquireEscrowLock sets the lock to token until expiresAt, only if the
	// payment is unlocked or its lock expired before now. It reports
	// whether the lock was taken.
	AcquireEscrowLock(ctx context.Context, paymentID, token string, now, expiresAt time.Time) (bool, error)
	// ReleaseEscrowLock clears the lock if token still holds it.
	ReleaseEscrowLock(ctx context.Context, paymentID, token string) error
}

// Ledger hands out leases on payments.
type Ledger struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// New creates a Ledger. A non-positive ttl falls back to DefaultTTL.
func New(store Store, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ledger{store: store, ttl: ttl, now: time.Now}
}

// WithClock replaces the time source (tests).
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// TTL returns the lease duration.
func (l *Ledger) TTL() time.Duration { return l.ttl }

// Lease is a held lock.
type Lease struct {
	PaymentID string
	Token     string
	ExpiresAt time.Time

	store Store
}

// Acquire takes the lock for paymentID or returns ErrLockHeld.
func (l *Ledger) Acquire(ctx context.Context, paymentID string) (*Lease, error) {
	now := l.now()
	lease := &Lease{
		PaymentID: paymentID,
		Token:     idgen.Hex(16),
		ExpiresAt: now.Add(l.ttl),
		store:     l.store,
	}

	ok, err := l.store.AcquireEscrowLock(ctx, paymentID, lease.Token, now, lease.ExpiresAt)
	if err != nil {
		metrics.LockAcquireTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("acquire escrow lock: %w", err)
	}
	if !ok {
		metrics.LockAcquireTotal.WithLabelValues("held").Inc()
		return nil, ErrLockHeld
	}
	metrics.LockAcquireTotal.WithLabelValues("acquired").Inc()
	return lease, nil
}

// Release clears the lock. It runs even if ctx is already cancelled; if it
// fails the TTL still frees the payment.
func (lease *Lease) Release(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	if err := lease.store.ReleaseEscrowLock(ctx, lease.PaymentID, lease.Token); err != nil {
		return fmt.Errorf("release escrow lock: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the lock for paymentID. ErrLockHeld is
// returned unwrapped so callers can treat it as a no-op.
func (l *Ledger) WithLock(ctx context.Context, paymentID string, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, paymentID)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lease.Release(ctx); relErr != nil {
			logging.L(ctx).Warn("escrow lock release failed, relying on ttl",
				"paymentId", paymentID, "expiresAt", lease.ExpiresAt, "error", relErr)
		}
	}()
	return fn(ctx)
}
