// Package dispute implements the dispute resolution engine.
//
// Either party of a funded payment can raise a dispute while its escrow is
// still in custody. Raising suspends the scheduled release; an admin then
// approves the dispute (custody is refunded to the payer) or rejects it
// (the normal release path resumes). At most one dispute per escrow is
// pending at any time.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/rodrigojille/kustodia-sub014/internal/payment"
)

var (
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrOpenDispute     = errors.New("escrow already has a pending dispute")
	ErrAlreadyResolved = errors.New("dispute already resolved")
	ErrNotParticipant  = errors.New("not a participant of this payment")
	ErrCannotReapply   = errors.New("previous dispute was rejected without reapplication")
	ErrNotDisputable   = errors.New("payment is not in a disputable state")
	ErrInvalidRequest  = errors.New("invalid dispute request")
	ErrConflict        = errors.New("dispute was modified concurrently")
)

// Status is the lifecycle of a dispute.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	// StatusVoid marks a dispute whose release could not be suspended
	// (funds were already leaving custody). It never counts as a decision.
	StatusVoid Status = "void"
)

// IsClosed reports whether the dispute can no longer change.
func (s Status) IsClosed() bool {
	return s != StatusPending
}

// Dispute is a claim against an escrow's custody amount.
type Dispute struct {
	ID          string     `json:"id"`
	PaymentID   string     `json:"paymentId"`
	EscrowID    string     `json:"escrowId"`
	RaisedBy    string     `json:"raisedBy"`
	Reason      string     `json:"reason"`
	Details     string     `json:"details,omitempty"`
	EvidenceURL string     `json:"evidenceUrl,omitempty"`
	Status      Status     `json:"status"`
	AdminNotes  string     `json:"adminNotes,omitempty"`
	ResolvedBy  string     `json:"resolvedBy,omitempty"`
	CanReapply  bool       `json:"canReapply"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists disputes.
type Store interface {
	// Create inserts d. ErrOpenDispute if the escrow already has a
	// pending dispute.
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// Update writes d only if the stored dispute is still at
	// expectedStatus. ErrConflict otherwise.
	Update(ctx context.Context, d *Dispute, expectedStatus Status) error
	// ListByPayment returns the payment's disputes, newest first.
	ListByPayment(ctx context.Context, paymentID string) ([]*Dispute, error)
	// LatestByRaiser returns userID's most recent non-void dispute on the
	// payment, or nil.
	LatestByRaiser(ctx context.Context, paymentID, userID string) (*Dispute, error)
}

// Payments is the slice of the payment engine disputes act through.
type Payments interface {
	Participants(ctx context.Context, paymentID string) (*payment.Payment, *payment.Escrow, error)
	SuspendRelease(ctx context.Context, paymentID, actor string) (*payment.Escrow, error)
	ResumeRelease(ctx context.Context, paymentID, actor string) (*payment.Escrow, error)
	Refund(ctx context.Context, paymentID, actor string) (*payment.Escrow, error)
	Events(ctx context.Context, paymentID string) ([]*payment.Event, error)
	RecordEvent(ctx context.Context, paymentID, eventType, description, actor string, metadata map[string]string)
	Announce(ctx context.Context, paymentID, notifyType string, details map[string]string)
}

var _ Payments = (*payment.Engine)(nil)

// RaiseRequest opens a dispute.
type RaiseRequest struct {
	PaymentID   string `json:"-"`
	UserID      string `json:"-"`
	Reason      string `json:"reason" binding:"required"`
	Details     string `json:"details"`
	EvidenceURL string `json:"evidence_url"`
}

// EvidenceRequest attaches evidence to a pending dispute.
type EvidenceRequest struct {
	URL  string `json:"url"`
	Note string `json:"note"`
}

// ResolveRequest is an admin decision.
type ResolveRequest struct {
	DisputeID  string `json:"-"`
	Approved   bool   `json:"approved"`
	AdminNotes string `json:"admin_notes"`
	AdminID    string `json:"-"`
	CanReapply bool   `json:"can_reapply"`
}

// TimelineEntry is one step in a dispute's history.
type TimelineEntry struct {
	At          time.Time         `json:"at"`
	Type        string            `json:"type"`
	Description string            `json:"description"`
	Actor       string            `json:"actor,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Audit event types recorded on the payment's trail.
const (
	EventEvidenceAdded   = "dispute_evidence_added"
	EventDisputeResolved = "dispute_resolved"
	EventDisputeVoided   = "dispute_voided"
)
