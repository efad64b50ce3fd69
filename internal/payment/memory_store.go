package payment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store, EscrowStore and EventStore for
// development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	payments  map[string]*Payment
	byAccount map[string]string
	escrows   map[string]*Escrow
	byPayment map[string]string
	events    map[string][]*Event
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:  make(map[string]*Payment),
		byAccount: make(map[string]string),
		escrows:   make(map[string]*Escrow),
		byPayment: make(map[string]string),
		events:    make(map[string][]*Event),
	}
}

var (
	_ Store       = (*MemoryStore)(nil)
	_ EscrowStore = (*MemoryStore)(nil)
	_ EventStore  = (*MemoryStore)(nil)
)

func (m *MemoryStore) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.DepositAccount != "" {
		if _, ok := m.byAccount[p.DepositAccount]; ok {
			return ErrDuplicateAccount
		}
		m.byAccount[p.DepositAccount] = p.ID
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetByDepositAccount(ctx context.Context, account string) (*Payment, error) {
	m.mu.RLock()
	id, ok := m.byAccount[account]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, p *Payment, expectedState AutomationState, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	if cur.AutomationState != expectedState || cur.Version != expectedVersion {
		return ErrConflict
	}
	cp := *p
	// Lock fields belong to the lock ledger and are never written here.
	cp.EscrowCreationLocked = cur.EscrowCreationLocked
	cp.EscrowLockExpiresAt = cur.EscrowLockExpiresAt
	cp.EscrowLockToken = cur.EscrowLockToken
	cp.Version = expectedVersion + 1
	m.payments[p.ID] = &cp
	p.Version = cp.Version
	return nil
}

func (m *MemoryStore) AcquireEscrowLock(_ context.Context, paymentID, token string, now, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return false, ErrPaymentNotFound
	}
	if p.EscrowCreationLocked && p.EscrowLockExpiresAt != nil && !p.EscrowLockExpiresAt.Before(now) {
		return false, nil
	}
	p.EscrowCreationLocked = true
	p.EscrowLockExpiresAt = &expiresAt
	p.EscrowLockToken = token
	return true, nil
}

func (m *MemoryStore) ReleaseEscrowLock(_ context.Context, paymentID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	if p.EscrowLockToken != token {
		return nil
	}
	p.EscrowCreationLocked = false
	p.EscrowLockExpiresAt = nil
	p.EscrowLockToken = ""
	return nil
}

func (m *MemoryStore) ListForUser(_ context.Context, userID string, limit int) ([]*Payment, error) {
	return m.list(func(p *Payment) bool { return p.PayerID == userID || p.PayeeID == userID }, limit, true), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Payment, error) {
	return m.list(func(p *Payment) bool { return p.Status == status }, limit, true), nil
}

func (m *MemoryStore) ListByAutomationState(_ context.Context, state AutomationState, updatedBefore time.Time, limit int) ([]*Payment, error) {
	return m.list(func(p *Payment) bool {
		return p.AutomationState == state && p.UpdatedAt.Before(updatedBefore)
	}, limit, false), nil
}

func (m *MemoryStore) list(match func(*Payment) bool, limit int, newestFirst bool) []*Payment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.payments {
		if match(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) CreateEscrow(_ context.Context, e *Escrow) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byPayment[e.PaymentID]; ok {
		cp := *m.escrows[id]
		return &cp, ErrEscrowExists
	}
	cp := *e
	m.escrows[e.ID] = &cp
	m.byPayment[e.PaymentID] = e.ID
	out := cp
	return &out, nil
}

func (m *MemoryStore) GetEscrow(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetEscrowByPayment(ctx context.Context, paymentID string) (*Escrow, error) {
	m.mu.RLock()
	id, ok := m.byPayment[paymentID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return m.GetEscrow(ctx, id)
}

func (m *MemoryStore) UpdateEscrow(_ context.Context, e *Escrow, expectedStatus EscrowStatus, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if cur.Status != expectedStatus || cur.Version != expectedVersion {
		return ErrConflict
	}
	cp := *e
	cp.Version = expectedVersion + 1
	m.escrows[e.ID] = &cp
	e.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListDueEscrows(_ context.Context, now time.Time, limit int) ([]*Escrow, error) {
	return m.listEscrows(func(e *Escrow) bool {
		return e.Status == EscrowActive && e.Due(now)
	}, limit), nil
}

func (m *MemoryStore) ListStaleExecuting(_ context.Context, before time.Time, limit int) ([]*Escrow, error) {
	return m.listEscrows(func(e *Escrow) bool {
		return e.Status == EscrowExecuting && e.UpdatedAt.Before(before)
	}, limit), nil
}

func (m *MemoryStore) listEscrows(match func(*Escrow) bool, limit int) []*Escrow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Escrow
	for _, e := range m.escrows {
		if match(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) AppendEvent(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ev
	m.events[ev.PaymentID] = append(m.events[ev.PaymentID], &cp)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, paymentID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	evs := m.events[paymentID]
	out := make([]*Event, len(evs))
	for i, ev := range evs {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}
