package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const disputeColumns = `id, payment_id, escrow_id, raised_by, reason, details, evidence_url,
	status, admin_notes, resolved_by, can_reapply, created_at, updated_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ID, d.PaymentID, d.EscrowID, d.RaisedBy, d.Reason, nullString(d.Details), nullString(d.EvidenceURL),
		string(d.Status), nullString(d.AdminNotes), nullString(d.ResolvedBy), d.CanReapply,
		d.CreatedAt, d.UpdatedAt, d.ResolvedAt,
	)
	if err != nil {
		// idx_disputes_one_pending enforces one pending dispute per escrow.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrOpenDispute
		}
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute, expectedStatus Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			evidence_url = $1, status = $2, admin_notes = $3, resolved_by = $4,
			can_reapply = $5, updated_at = $6, resolved_at = $7
		WHERE id = $8 AND status = $9`,
		nullString(d.EvidenceURL), string(d.Status), nullString(d.AdminNotes), nullString(d.ResolvedBy),
		d.CanReapply, d.UpdatedAt, d.ResolvedAt, d.ID, string(expectedStatus),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrOpenDispute
		}
		return fmt.Errorf("update dispute: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, d.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) ListByPayment(ctx context.Context, paymentID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE payment_id = $1
		ORDER BY created_at DESC, id DESC`, paymentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LatestByRaiser(ctx context.Context, paymentID, userID string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE payment_id = $1 AND raised_by = $2 AND status <> 'void'
		ORDER BY created_at DESC, id DESC LIMIT 1`, paymentID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status                                       string
		details, evidenceURL, adminNotes, resolvedBy sql.NullString
		resolvedAt                                   sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.PaymentID, &d.EscrowID, &d.RaisedBy, &d.Reason, &details, &evidenceURL,
		&status, &adminNotes, &resolvedBy, &d.CanReapply, &d.CreatedAt, &d.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.Details = details.String
	d.EvidenceURL = evidenceURL.String
	d.AdminNotes = adminNotes.String
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
