package custody

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]*Record
	byKey    map[string]string
	releases map[string]*Release
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		byKey:    make(map[string]string),
		releases: make(map[string]*Release),
	}
}

func (m *MemoryStore) CreateRecord(_ context.Context, rec *Record) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[rec.IdempotencyKey]; ok {
		existing := *m.records[id]
		return &existing, ErrKeyExists
	}
	stored := *rec
	m.records[rec.ID] = &stored
	m.byKey[rec.IdempotencyKey] = rec.ID
	out := stored
	return &out, nil
}

func (m *MemoryStore) GetRecord(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (m *MemoryStore) SetDisputed(_ context.Context, id string, disputed bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Disputed = disputed
	rec.UpdatedAt = now
	return nil
}

func (m *MemoryStore) ApplyRelease(_ context.Context, rel *Release) (*Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.releases[rel.ReleaseID]; ok {
		out := *existing
		return &out, ErrReleaseExists
	}
	rec, ok := m.records[rel.RecordID]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Disputed {
		return nil, ErrDisputed
	}
	if rec.Released.Add(rel.Amount).GreaterThan(rec.Amount) {
		return nil, ErrExceedsBalance
	}

	rec.Released = rec.Released.Add(rel.Amount)
	rec.UpdatedAt = rel.CreatedAt
	stored := *rel
	m.releases[rel.ReleaseID] = &stored
	out := stored
	return &out, nil
}

var _ Store = (*MemoryStore)(nil)
