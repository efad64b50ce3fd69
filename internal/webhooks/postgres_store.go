package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresInbox persists deliveries in the webhook_inbox table.
type PostgresInbox struct {
	db         *sql.DB
	now        func() time.Time
	staleAfter time.Duration
}

// NewPostgresInbox creates a PostgreSQL-backed inbox.
func NewPostgresInbox(db *sql.DB) *PostgresInbox {
	return &PostgresInbox{db: db, now: time.Now, staleAfter: DefaultStaleAfter}
}

// WithStaleAfter overrides the window after which a received entry is
// considered abandoned.
func (p *PostgresInbox) WithStaleAfter(d time.Duration) *PostgresInbox {
	p.staleAfter = d
	return p
}

var _ Inbox = (*PostgresInbox)(nil)

const inboxColumns = `provider, external_id, event_type, payload, status, attempts, last_error, received_at, updated_at`

// Claim inserts the delivery, or re-opens it when its last apply failed or
// its worker abandoned it. Any other existing row leaves the statement a
// no-op.
func (p *PostgresInbox) Claim(ctx context.Context, entry *InboxEntry) (bool, error) {
	now := p.now()
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO webhook_inbox (provider, external_id, event_type, payload, status, attempts, received_at, updated_at)
		VALUES ($1, $2, $3, $4, 'received', 1, $5, $5)
		ON CONFLICT (provider, external_id) DO UPDATE SET
			status = 'received',
			attempts = webhook_inbox.attempts + 1,
			payload = EXCLUDED.payload,
			last_error = NULL,
			updated_at = EXCLUDED.updated_at
		WHERE webhook_inbox.status = 'failed'
			OR (webhook_inbox.status = 'received' AND webhook_inbox.updated_at <= $6)
		RETURNING `+inboxColumns,
		entry.Provider, entry.ExternalID, string(entry.EventType), []byte(entry.Payload), now,
		now.Add(-p.staleAfter),
	)
	claimed, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim webhook: %w", err)
	}
	*entry = *claimed
	return true, nil
}

func (p *PostgresInbox) MarkProcessed(ctx context.Context, provider, externalID string) error {
	return p.mark(ctx, provider, externalID, EntryProcessed, "")
}

func (p *PostgresInbox) MarkFailed(ctx context.Context, provider, externalID, reason string) error {
	return p.mark(ctx, provider, externalID, EntryFailed, reason)
}

func (p *PostgresInbox) MarkRejected(ctx context.Context, provider, externalID, reason string) error {
	return p.mark(ctx, provider, externalID, EntryRejected, reason)
}

func (p *PostgresInbox) mark(ctx context.Context, provider, externalID string, status EntryStatus, reason string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE webhook_inbox SET status = $1, last_error = $2, updated_at = $3
		WHERE provider = $4 AND external_id = $5`,
		string(status), sql.NullString{String: reason, Valid: reason != ""}, p.now(), provider, externalID,
	)
	if err != nil {
		return fmt.Errorf("update webhook inbox: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (p *PostgresInbox) Get(ctx context.Context, provider, externalID string) (*InboxEntry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx, `
		SELECT `+inboxColumns+` FROM webhook_inbox
		WHERE provider = $1 AND external_id = $2`, provider, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (p *PostgresInbox) ListFailed(ctx context.Context, limit int) ([]*InboxEntry, error) {
	return p.list(ctx, `status = 'failed'`, limit)
}

func (p *PostgresInbox) ListStranded(ctx context.Context, limit int) ([]*InboxEntry, error) {
	return p.list(ctx, `status = 'received' AND updated_at <= $2`, limit, p.now().Add(-p.staleAfter))
}

func (p *PostgresInbox) list(ctx context.Context, where string, limit int, args ...any) ([]*InboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+inboxColumns+` FROM webhook_inbox
		WHERE `+where+`
		ORDER BY updated_at ASC
		LIMIT $1`, append([]any{limit}, args...)...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*InboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*InboxEntry, error) {
	e := &InboxEntry{}
	var (
		eventType, status string
		payload           []byte
		lastError         sql.NullString
	)
	err := s.Scan(&e.Provider, &e.ExternalID, &eventType, &payload, &status, &e.Attempts, &lastError, &e.ReceivedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.EventType = EventType(eventType)
	e.Payload = payload
	e.Status = EntryStatus(status)
	e.LastError = lastError.String
	return e, nil
}
