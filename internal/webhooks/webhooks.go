// Package webhooks moves provider callbacks into the payment engine and
// payment notifications out to the notification sink.
//
// Inbound deliveries are verified, recorded in an inbox keyed by
// (provider, external id) and applied by a worker pool. Outbound
// notifications are signed with HMAC-SHA256 and posted in the background.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rodrigojille/kustodia-sub014/internal/bankrail"
	"github.com/rodrigojille/kustodia-sub014/internal/custodian"
)

var (
	ErrEntryNotFound    = errors.New("inbox entry not found")
	ErrUnknownProvider  = errors.New("unknown webhook provider")
	ErrUnknownEventType = errors.New("unsupported webhook event type")
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrQueueFull        = errors.New("webhook queue full")
)

// EventType is the provider's event name carried in the envelope.
type EventType string

const (
	EventDepositSettled      EventType = "deposit.settled"
	EventWithdrawalCompleted EventType = "withdrawal.completed"
	EventWithdrawalFailed    EventType = "withdrawal.failed"
	EventPayoutCompleted     EventType = "payout.completed"
	EventPayoutFailed        EventType = "payout.failed"
)

// providerEvents lists which events each provider may send.
var providerEvents = map[string][]EventType{
	bankrail.ProviderName:  {EventDepositSettled, EventPayoutCompleted, EventPayoutFailed},
	custodian.ProviderName: {EventWithdrawalCompleted, EventWithdrawalFailed},
}

// Accepts reports whether provider may deliver eventType.
func Accepts(provider string, eventType EventType) bool {
	for _, et := range providerEvents[provider] {
		if et == eventType {
			return true
		}
	}
	return false
}

// Envelope is the body every provider posts.
type Envelope struct {
	ID        string          `json:"id"`
	EventType EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// WithdrawalPayload is the custodian's conversion outcome.
type WithdrawalPayload struct {
	PaymentID    string `json:"payment_id"`
	WithdrawalID string `json:"withdrawal_id"`
	Reason       string `json:"reason,omitempty"`
}

// EntryStatus is the processing state of an inbox entry.
type EntryStatus string

const (
	// EntryReceived entries are owned by a worker. One untouched for
	// longer than the inbox's stale window was abandoned (crash or
	// shutdown before apply) and can be claimed again.
	EntryReceived  EntryStatus = "received"
	EntryProcessed EntryStatus = "processed"
	// EntryFailed entries are un-marked: the next delivery of the same id
	// claims them again.
	EntryFailed EntryStatus = "failed"
	// EntryRejected entries can never apply (unknown account, stale id).
	EntryRejected EntryStatus = "rejected"
)

// InboxEntry is one recorded delivery.
type InboxEntry struct {
	Provider   string          `json:"provider"`
	ExternalID string          `json:"externalId"`
	EventType  EventType       `json:"eventType"`
	Payload    json.RawMessage `json:"payload"`
	Status     EntryStatus     `json:"status"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// DefaultStaleAfter is how long a received entry may sit unapplied before
// it counts as abandoned.
const DefaultStaleAfter = 5 * time.Minute

// Inbox dedupes deliveries on (provider, external id).
type Inbox interface {
	// Claim records a delivery and reports whether the caller owns it:
	// true for a new id, one whose previous apply failed, or one left in
	// received past the stale window.
	Claim(ctx context.Context, entry *InboxEntry) (bool, error)
	MarkProcessed(ctx context.Context, provider, externalID string) error
	MarkFailed(ctx context.Context, provider, externalID, reason string) error
	MarkRejected(ctx context.Context, provider, externalID, reason string) error
	Get(ctx context.Context, provider, externalID string) (*InboxEntry, error)
	ListFailed(ctx context.Context, limit int) ([]*InboxEntry, error)
	// ListStranded returns received entries older than the stale window.
	ListStranded(ctx context.Context, limit int) ([]*InboxEntry, error)
}

type inboxKey struct{ provider, externalID string }

// MemoryInbox is an in-memory Inbox for tests and database-less runs.
type MemoryInbox struct {
	mu         sync.Mutex
	entries    map[inboxKey]*InboxEntry
	now        func() time.Time
	staleAfter time.Duration
}

// NewMemoryInbox creates an empty in-memory inbox.
func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{entries: make(map[inboxKey]*InboxEntry), now: time.Now, staleAfter: DefaultStaleAfter}
}

// WithStaleAfter overrides the window after which a received entry is
// considered abandoned.
func (m *MemoryInbox) WithStaleAfter(d time.Duration) *MemoryInbox {
	m.staleAfter = d
	return m
}

// WithClock replaces the time source (tests).
func (m *MemoryInbox) WithClock(now func() time.Time) *MemoryInbox {
	m.now = now
	return m
}

func (m *MemoryInbox) stranded(e *InboxEntry, now time.Time) bool {
	return e.Status == EntryReceived && now.Sub(e.UpdatedAt) >= m.staleAfter
}

var _ Inbox = (*MemoryInbox)(nil)

func (m *MemoryInbox) Claim(_ context.Context, entry *InboxEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := inboxKey{entry.Provider, entry.ExternalID}
	now := m.now()

	if cur, ok := m.entries[key]; ok {
		if cur.Status != EntryFailed && !m.stranded(cur, now) {
			return false, nil
		}
		cur.Status = EntryReceived
		cur.Attempts++
		cur.Payload = entry.Payload
		cur.LastError = ""
		cur.UpdatedAt = now
		*entry = *cur
		return true, nil
	}

	stored := *entry
	stored.Status = EntryReceived
	stored.Attempts = 1
	stored.ReceivedAt = now
	stored.UpdatedAt = now
	m.entries[key] = &stored
	*entry = stored
	return true, nil
}

func (m *MemoryInbox) MarkProcessed(_ context.Context, provider, externalID string) error {
	return m.mark(provider, externalID, EntryProcessed, "")
}

func (m *MemoryInbox) MarkFailed(_ context.Context, provider, externalID, reason string) error {
	return m.mark(provider, externalID, EntryFailed, reason)
}

func (m *MemoryInbox) MarkRejected(_ context.Context, provider, externalID, reason string) error {
	return m.mark(provider, externalID, EntryRejected, reason)
}

func (m *MemoryInbox) mark(provider, externalID string, status EntryStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[inboxKey{provider, externalID}]
	if !ok {
		return ErrEntryNotFound
	}
	cur.Status = status
	cur.LastError = reason
	cur.UpdatedAt = m.now()
	return nil
}

func (m *MemoryInbox) Get(_ context.Context, provider, externalID string) (*InboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[inboxKey{provider, externalID}]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *cur
	return &cp, nil
}

func (m *MemoryInbox) ListFailed(_ context.Context, limit int) ([]*InboxEntry, error) {
	return m.list(limit, func(e *InboxEntry, _ time.Time) bool { return e.Status == EntryFailed })
}

func (m *MemoryInbox) ListStranded(_ context.Context, limit int) ([]*InboxEntry, error) {
	return m.list(limit, m.stranded)
}

func (m *MemoryInbox) list(limit int, match func(*InboxEntry, time.Time) bool) ([]*InboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []*InboxEntry
	for _, e := range m.entries {
		if match(e, now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
