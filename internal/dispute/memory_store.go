package dispute

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.Status == StatusPending {
		for _, existing := range m.disputes {
			if existing.EscrowID == d.EscrowID && existing.Status == StatusPending {
				return ErrOpenDispute
			}
		}
	}
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, d *Dispute, expectedStatus Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if cur.Status != expectedStatus {
		return ErrConflict
	}
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByPayment(_ context.Context, paymentID string) ([]*Dispute, error) {
	return m.filter(func(d *Dispute) bool { return d.PaymentID == paymentID }), nil
}

func (m *MemoryStore) LatestByRaiser(_ context.Context, paymentID, userID string) (*Dispute, error) {
	matches := m.filter(func(d *Dispute) bool {
		return d.PaymentID == paymentID && d.RaisedBy == userID && d.Status != StatusVoid
	})
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

// filter returns copies of matching disputes, newest first.
func (m *MemoryStore) filter(match func(*Dispute) bool) []*Dispute {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if match(d) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
