package custody

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists ledger custody records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed custody store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, idempotency_key, payment_id, amount, released, period_seconds, disputed, created_at, updated_at`

func (p *PostgresStore) CreateRecord(ctx context.Context, rec *Record) (*Record, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO custody_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5::NUMERIC(20,2), $6, $7, $8, $9)`,
		rec.ID, rec.IdempotencyKey, rec.PaymentID, rec.Amount, rec.Released,
		int64(rec.Period/time.Second), rec.Disputed, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			existing, getErr := p.getRecordBy(ctx, "idempotency_key", rec.IdempotencyKey)
			if getErr != nil {
				return nil, getErr
			}
			return existing, ErrKeyExists
		}
		return nil, err
	}
	out := *rec
	return &out, nil
}

func (p *PostgresStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	return p.getRecordBy(ctx, "id", id)
}

func (p *PostgresStore) getRecordBy(ctx context.Context, column, value string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM custody_records WHERE `+column+` = $1`, value)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *PostgresStore) SetDisputed(ctx context.Context, id string, disputed bool, now time.Time) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE custody_records SET disputed = $1, updated_at = $2 WHERE id = $3`,
		disputed, now, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ApplyRelease(ctx context.Context, rel *Release) (*Release, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the record first so concurrent releases serialize on it.
	rec, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM custody_records WHERE id = $1 FOR UPDATE`, rel.RecordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	existing := &Release{}
	err = tx.QueryRowContext(ctx, `
		SELECT release_id, record_id, amount, recipient, created_at
		FROM custody_releases WHERE release_id = $1`, rel.ReleaseID,
	).Scan(&existing.ReleaseID, &existing.RecordID, &existing.Amount, &existing.Recipient, &existing.CreatedAt)
	switch {
	case err == nil:
		return existing, ErrReleaseExists
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	if rec.Disputed {
		return nil, ErrDisputed
	}
	if rec.Released.Add(rel.Amount).GreaterThan(rec.Amount) {
		return nil, ErrExceedsBalance
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO custody_releases (release_id, record_id, amount, recipient, created_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4, $5)`,
		rel.ReleaseID, rel.RecordID, rel.Amount, rel.Recipient, rel.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert release: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE custody_records SET released = released + $1::NUMERIC(20,2), updated_at = $2 WHERE id = $3`,
		rel.Amount, rel.CreatedAt, rel.RecordID,
	); err != nil {
		return nil, fmt.Errorf("debit record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	out := *rel
	return &out, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	rec := &Record{}
	var periodSeconds int64
	err := s.Scan(
		&rec.ID, &rec.IdempotencyKey, &rec.PaymentID, &rec.Amount, &rec.Released,
		&periodSeconds, &rec.Disputed, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Period = time.Duration(periodSeconds) * time.Second
	return rec, nil
}

var _ Store = (*PostgresStore)(nil)
