package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists payments, escrows and events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var (
	_ Store       = (*PostgresStore)(nil)
	_ EscrowStore = (*PostgresStore)(nil)
	_ EventStore  = (*PostgresStore)(nil)
)

const paymentColumns = `id, payer_id, payee_id, commission_beneficiary_id, commission_account,
	amount, currency, commission_amount, total_amount, custody_percent, custody_period_seconds,
	deposit_account, payout_account, refund_account, description,
	status, automation_state, withdrawal_status, withdrawal_id, withdrawal_attempts, withdrawal_requested_at,
	deposit_tx_id, settled_amount, escrow_creation_locked, escrow_lock_expires_at,
	payer_approved, payee_approved, failure_reason, version, created_at, updated_at`

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) Create(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, FALSE, NULL, $24, $25, $26, $27, $28, $29)`,
		pay.ID, pay.PayerID, pay.PayeeID, nullString(pay.CommissionBeneficiaryID), nullString(pay.CommissionAccount),
		pay.Amount, pay.Currency, pay.CommissionAmount, pay.TotalAmount, pay.CustodyPercent, periodSeconds(pay.CustodyPeriod),
		nullString(pay.DepositAccount), pay.PayoutAccount, nullString(pay.RefundAccount), nullString(pay.Description),
		string(pay.Status), string(pay.AutomationState), nullString(string(pay.WithdrawalStatus)), nullString(pay.WithdrawalID),
		pay.WithdrawalAttempts, nullTime(pay.WithdrawalRequestedAt),
		nullString(pay.DepositTxID), pay.SettledAmount,
		pay.PayerApproved, pay.PayeeApproved, nullString(pay.FailureReason), pay.Version, pay.CreatedAt, pay.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateAccount
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	return p.getBy(ctx, "id", id)
}

func (p *PostgresStore) GetByDepositAccount(ctx context.Context, account string) (*Payment, error) {
	return p.getBy(ctx, "deposit_account", account)
}

func (p *PostgresStore) getBy(ctx context.Context, column, value string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+column+` = $1`, value)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

// CompareAndSwap never touches the lock columns; those belong to the lock
// ledger and change independently of the automation state.
func (p *PostgresStore) CompareAndSwap(ctx context.Context, pay *Payment, expectedState AutomationState, expectedVersion int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET
			status = $1, automation_state = $2, withdrawal_status = $3, withdrawal_id = $4,
			withdrawal_attempts = $5, withdrawal_requested_at = $6, deposit_tx_id = $7, settled_amount = $8,
			payer_approved = $9, payee_approved = $10, failure_reason = $11,
			version = version + 1, updated_at = $12
		WHERE id = $13 AND automation_state = $14 AND version = $15`,
		string(pay.Status), string(pay.AutomationState), nullString(string(pay.WithdrawalStatus)), nullString(pay.WithdrawalID),
		pay.WithdrawalAttempts, nullTime(pay.WithdrawalRequestedAt), nullString(pay.DepositTxID), pay.SettledAmount,
		pay.PayerApproved, pay.PayeeApproved, nullString(pay.FailureReason),
		pay.UpdatedAt, pay.ID, string(expectedState), expectedVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateWithdrawal
		}
		return fmt.Errorf("update payment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, pay.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	pay.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) AcquireEscrowLock(ctx context.Context, paymentID, token string, now, expiresAt time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments
		SET escrow_creation_locked = TRUE, escrow_lock_expires_at = $1, escrow_lock_token = $2
		WHERE id = $3 AND (escrow_creation_locked = FALSE OR escrow_lock_expires_at < $4)`,
		expiresAt, token, paymentID, now,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) ReleaseEscrowLock(ctx context.Context, paymentID, token string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE payments
		SET escrow_creation_locked = FALSE, escrow_lock_expires_at = NULL, escrow_lock_token = NULL
		WHERE id = $1 AND escrow_lock_token = $2`,
		paymentID, token,
	)
	return err
}

func (p *PostgresStore) ListForUser(ctx context.Context, userID string, limit int) ([]*Payment, error) {
	return p.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE payer_id = $1 OR payee_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Payment, error) {
	return p.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = $1
		ORDER BY created_at DESC LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) ListByAutomationState(ctx context.Context, state AutomationState, updatedBefore time.Time, limit int) ([]*Payment, error) {
	return p.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE automation_state = $1 AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3`, string(state), updatedBefore, limit)
}

func (p *PostgresStore) queryPayments(ctx context.Context, query string, args ...interface{}) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}

const escrowColumns = `id, payment_id, custody_amount, immediate_amount, status, custody_start, custody_end,
	external_ref, release_intent, release_ref, recipient, version, created_at, updated_at`

func (p *PostgresStore) CreateEscrow(ctx context.Context, e *Escrow) (*Escrow, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.PaymentID, e.CustodyAmount, e.ImmediateAmount, string(e.Status),
		nullTime(e.CustodyStart), nullTime(e.CustodyEnd),
		nullString(e.ExternalRef), nullString(e.ReleaseIntent), nullString(e.ReleaseRef), nullString(e.Recipient),
		e.Version, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := p.GetEscrowByPayment(ctx, e.PaymentID)
			if getErr != nil {
				return nil, getErr
			}
			return existing, ErrEscrowExists
		}
		return nil, err
	}
	cp := *e
	return &cp, nil
}

func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	return p.getEscrowBy(ctx, "id", id)
}

func (p *PostgresStore) GetEscrowByPayment(ctx context.Context, paymentID string) (*Escrow, error) {
	return p.getEscrowBy(ctx, "payment_id", paymentID)
}

func (p *PostgresStore) getEscrowBy(ctx context.Context, column, value string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE `+column+` = $1`, value)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) UpdateEscrow(ctx context.Context, e *Escrow, expectedStatus EscrowStatus, expectedVersion int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, custody_start = $2, custody_end = $3, external_ref = $4,
			release_intent = $5, release_ref = $6, recipient = $7, version = version + 1, updated_at = $8
		WHERE id = $9 AND status = $10 AND version = $11`,
		string(e.Status), nullTime(e.CustodyStart), nullTime(e.CustodyEnd), nullString(e.ExternalRef),
		nullString(e.ReleaseIntent), nullString(e.ReleaseRef), nullString(e.Recipient), e.UpdatedAt,
		e.ID, string(expectedStatus), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.GetEscrow(ctx, e.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	e.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) ListDueEscrows(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	return p.queryEscrows(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'active' AND custody_end <= $1
		ORDER BY custody_end ASC LIMIT $2`, now, limit)
}

func (p *PostgresStore) ListStaleExecuting(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	return p.queryEscrows(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'executing' AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`, before, limit)
}

func (p *PostgresStore) queryEscrows(ctx context.Context, query string, args ...interface{}) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendEvent(ctx context.Context, ev *Event) error {
	var metadata []byte
	if len(ev.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(ev.Metadata); err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_events (id, payment_id, type, description, actor, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.PaymentID, ev.Type, ev.Description, nullString(ev.Actor), metadata, ev.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, paymentID string) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, payment_id, type, description, actor, metadata, created_at
		FROM payment_events WHERE payment_id = $1
		ORDER BY created_at ASC, id ASC`, paymentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		ev := &Event{}
		var actor sql.NullString
		var metadata []byte
		if err := rows.Scan(&ev.ID, &ev.PaymentID, &ev.Type, &ev.Description, &actor, &metadata, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Actor = actor.String
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal event metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*Payment, error) {
	pay := &Payment{}
	var (
		beneficiary, commissionAccount, depositAccount, refundAccount, description sql.NullString
		withdrawalStatus, withdrawalID, depositTxID, failureReason                 sql.NullString
		status, state                                                              string
		periodSecs                                                                 int64
		withdrawalRequestedAt, lockExpiresAt                                       sql.NullTime
	)
	err := s.Scan(
		&pay.ID, &pay.PayerID, &pay.PayeeID, &beneficiary, &commissionAccount,
		&pay.Amount, &pay.Currency, &pay.CommissionAmount, &pay.TotalAmount, &pay.CustodyPercent, &periodSecs,
		&depositAccount, &pay.PayoutAccount, &refundAccount, &description,
		&status, &state, &withdrawalStatus, &withdrawalID, &pay.WithdrawalAttempts, &withdrawalRequestedAt,
		&depositTxID, &pay.SettledAmount, &pay.EscrowCreationLocked, &lockExpiresAt,
		&pay.PayerApproved, &pay.PayeeApproved, &failureReason, &pay.Version, &pay.CreatedAt, &pay.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	pay.CommissionBeneficiaryID = beneficiary.String
	pay.CommissionAccount = commissionAccount.String
	pay.CustodyPeriod = Period(time.Duration(periodSecs) * time.Second)
	pay.DepositAccount = depositAccount.String
	pay.RefundAccount = refundAccount.String
	pay.Description = description.String
	pay.Status = Status(status)
	pay.AutomationState = AutomationState(state)
	pay.WithdrawalStatus = WithdrawalStatus(withdrawalStatus.String)
	pay.WithdrawalID = withdrawalID.String
	pay.DepositTxID = depositTxID.String
	pay.FailureReason = failureReason.String
	if withdrawalRequestedAt.Valid {
		pay.WithdrawalRequestedAt = &withdrawalRequestedAt.Time
	}
	if lockExpiresAt.Valid {
		pay.EscrowLockExpiresAt = &lockExpiresAt.Time
	}
	return pay, nil
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status                                            string
		custodyStart, custodyEnd                          sql.NullTime
		externalRef, releaseIntent, releaseRef, recipient sql.NullString
	)
	err := s.Scan(
		&e.ID, &e.PaymentID, &e.CustodyAmount, &e.ImmediateAmount, &status, &custodyStart, &custodyEnd,
		&externalRef, &releaseIntent, &releaseRef, &recipient, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = EscrowStatus(status)
	e.ExternalRef = externalRef.String
	e.ReleaseIntent = releaseIntent.String
	e.ReleaseRef = releaseRef.String
	e.Recipient = recipient.String
	if custodyStart.Valid {
		e.CustodyStart = &custodyStart.Time
	}
	if custodyEnd.Valid {
		e.CustodyEnd = &custodyEnd.Time
	}
	return e, nil
}

func periodSeconds(p Period) int64 {
	return int64(p.Duration() / time.Second)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
