package dispute

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rodrigojille/kustodia-sub014/internal/idgen"
	"github.com/rodrigojille/kustodia-sub014/internal/logging"
	"github.com/rodrigojille/kustodia-sub014/internal/metrics"
	"github.com/rodrigojille/kustodia-sub014/internal/payment"
	"github.com/rodrigojille/kustodia-sub014/internal/traces"
)

const (
	maxReasonLength  = 64
	maxDetailsLength = 2000
	maxNoteLength    = 1000
)

// Viewer identifies who is reading disputes.
type Viewer struct {
	UserID string
	Admin  bool
}

// Engine raises, documents and resolves disputes.
type Engine struct {
	store    Store
	payments Payments
	now      func() time.Time
}

// NewEngine creates a dispute engine acting through payments.
func NewEngine(store Store, payments Payments) *Engine {
	return &Engine{store: store, payments: payments, now: time.Now}
}

// WithClock replaces the time source (tests).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Raise opens a dispute on the payment's escrow and suspends its release.
func (e *Engine) Raise(ctx context.Context, req RaiseRequest) (d *Dispute, err error) {
	ctx = logging.WithPaymentID(ctx, req.PaymentID)
	ctx, span := traces.StartSpan(ctx, "dispute.Raise", traces.PaymentID(req.PaymentID))
	defer func() { traces.End(span, err) }()

	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" || len(req.Reason) > maxReasonLength || len(req.Details) > maxDetailsLength {
		return nil, fmt.Errorf("%w: reason is required (max %d chars), details max %d chars",
			ErrInvalidRequest, maxReasonLength, maxDetailsLength)
	}

	p, esc, err := e.payments.Participants(ctx, req.PaymentID)
	if p == nil {
		return nil, err
	}
	if !p.IsParticipant(req.UserID) {
		return nil, ErrNotParticipant
	}
	if errors.Is(err, payment.ErrEscrowNotFound) {
		return nil, ErrNotDisputable
	}
	if err != nil {
		return nil, err
	}

	switch esc.Status {
	case payment.EscrowActive:
	case payment.EscrowExecuting:
		if esc.LeavingCustody() {
			return nil, payment.ErrReleaseInProgress
		}
	case payment.EscrowDisputed:
		return nil, ErrOpenDispute
	default:
		return nil, ErrNotDisputable
	}

	prev, err := e.store.LatestByRaiser(ctx, p.ID, req.UserID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		switch prev.Status {
		case StatusPending:
			return nil, ErrOpenDispute
		case StatusRejected:
			if !prev.CanReapply {
				return nil, ErrCannotReapply
			}
		}
	}

	now := e.now()
	d = &Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		PaymentID:   p.ID,
		EscrowID:    esc.ID,
		RaisedBy:    req.UserID,
		Reason:      req.Reason,
		Details:     req.Details,
		EvidenceURL: req.EvidenceURL,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	span.SetAttributes(traces.DisputeID(d.ID))

	// The pending row reserves the escrow before release is touched, so a
	// concurrent raise by the other party fails here with ErrOpenDispute.
	if err := e.store.Create(ctx, d); err != nil {
		return nil, err
	}

	if _, err := e.payments.SuspendRelease(ctx, p.ID, req.UserID); err != nil {
		e.void(ctx, d, err)
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("raised").Inc()
	e.payments.RecordEvent(ctx, p.ID, payment.NotifyDisputeStarted, "dispute raised", req.UserID, map[string]string{
		"disputeId": d.ID,
		"escrowId":  esc.ID,
		"reason":    d.Reason,
	})
	e.payments.Announce(ctx, p.ID, payment.NotifyDisputeStarted, map[string]string{
		"disputeId": d.ID,
		"reason":    d.Reason,
		"raisedBy":  d.RaisedBy,
	})
	logging.L(ctx).Info("dispute raised", "disputeId", d.ID, "raisedBy", d.RaisedBy, "reason", d.Reason)
	return d, nil
}

// void closes a dispute whose release could not be suspended.
func (e *Engine) void(ctx context.Context, d *Dispute, cause error) {
	now := e.now()
	d.Status = StatusVoid
	d.AdminNotes = "release could not be suspended: " + cause.Error()
	d.ResolvedBy = "system"
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := e.store.Update(ctx, d, StatusPending); err != nil {
		logging.L(ctx).Error("failed to void dispute", "disputeId", d.ID, "error", err)
		return
	}
	metrics.DisputesTotal.WithLabelValues("voided").Inc()
	e.payments.RecordEvent(ctx, d.PaymentID, EventDisputeVoided, d.AdminNotes, "system", map[string]string{"disputeId": d.ID})
	logging.L(ctx).Warn("dispute voided", "disputeId", d.ID, "error", cause)
}

// AddEvidence attaches evidence to a pending dispute. Either party may add
// evidence; the raiser's URL replaces the dispute's evidence link.
func (e *Engine) AddEvidence(ctx context.Context, disputeID, userID string, req EvidenceRequest) (*Dispute, error) {
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" && strings.TrimSpace(req.Note) == "" {
		return nil, fmt.Errorf("%w: url or note is required", ErrInvalidRequest)
	}
	if len(req.Note) > maxNoteLength {
		return nil, fmt.Errorf("%w: note max %d chars", ErrInvalidRequest, maxNoteLength)
	}

	d, err := e.Get(ctx, disputeID, Viewer{UserID: userID})
	if err != nil {
		return nil, err
	}
	ctx = logging.WithPaymentID(ctx, d.PaymentID)
	if d.Status.IsClosed() {
		return nil, ErrAlreadyResolved
	}

	if req.URL != "" && userID == d.RaisedBy {
		d.EvidenceURL = req.URL
		d.UpdatedAt = e.now()
		if err := e.store.Update(ctx, d, StatusPending); err != nil {
			if errors.Is(err, ErrConflict) {
				return nil, ErrAlreadyResolved
			}
			return nil, err
		}
	}

	meta := map[string]string{"disputeId": d.ID}
	if req.URL != "" {
		meta["url"] = req.URL
	}
	if req.Note != "" {
		meta["note"] = req.Note
	}
	e.payments.RecordEvent(ctx, d.PaymentID, EventEvidenceAdded, "dispute evidence added", userID, meta)
	return d, nil
}

// Resolve applies an admin decision. Approval refunds the custody amount to
// the payer; rejection resumes the release path. The decision is claimed
// before any funds move so two admins cannot both act.
func (e *Engine) Resolve(ctx context.Context, req ResolveRequest) (d *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(req.DisputeID))
	defer func() { traces.End(span, err) }()

	d, err = e.store.Get(ctx, req.DisputeID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithPaymentID(ctx, d.PaymentID)
	if d.Status.IsClosed() {
		return nil, ErrAlreadyResolved
	}

	outcome := StatusRejected
	if req.Approved {
		outcome = StatusApproved
	}
	now := e.now()
	d.Status = outcome
	d.AdminNotes = req.AdminNotes
	d.ResolvedBy = req.AdminID
	d.CanReapply = !req.Approved && req.CanReapply
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := e.store.Update(ctx, d, StatusPending); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrAlreadyResolved
		}
		return nil, err
	}

	if req.Approved {
		_, err = e.payments.Refund(ctx, d.PaymentID, req.AdminID)
	} else {
		_, err = e.payments.ResumeRelease(ctx, d.PaymentID, req.AdminID)
	}
	if err != nil {
		if !e.escrowStillDisputed(ctx, d.PaymentID) {
			// The escrow already left the disputed state, so the payment
			// engine owns the rest (sweeps redrive a stalled refund).
			logging.L(ctx).Warn("dispute decision applied with errors", "disputeId", d.ID, "outcome", outcome, "error", err)
		} else {
			e.reopen(ctx, d, outcome)
			return nil, err
		}
	}

	metrics.DisputesTotal.WithLabelValues(string(outcome)).Inc()
	e.payments.RecordEvent(ctx, d.PaymentID, EventDisputeResolved, "dispute "+string(outcome), req.AdminID, map[string]string{
		"disputeId":  d.ID,
		"outcome":    string(outcome),
		"canReapply": fmt.Sprint(d.CanReapply),
	})
	logging.L(ctx).Info("dispute resolved", "disputeId", d.ID, "outcome", outcome, "resolvedBy", req.AdminID)
	return d, nil
}

func (e *Engine) escrowStillDisputed(ctx context.Context, paymentID string) bool {
	_, esc, err := e.payments.Participants(ctx, paymentID)
	if err != nil {
		// Unknown state: keep the dispute open for another attempt.
		return true
	}
	return esc.Status == payment.EscrowDisputed
}

// reopen puts a claimed decision back to pending after the payment engine
// refused it without touching the escrow.
func (e *Engine) reopen(ctx context.Context, d *Dispute, claimed Status) {
	d.Status = StatusPending
	d.AdminNotes = ""
	d.ResolvedBy = ""
	d.CanReapply = false
	d.ResolvedAt = nil
	d.UpdatedAt = e.now()
	if err := e.store.Update(ctx, d, claimed); err != nil {
		logging.L(ctx).Error("failed to reopen dispute", "disputeId", d.ID, "error", err)
	}
}

// Get returns a dispute visible to viewer.
func (e *Engine) Get(ctx context.Context, disputeID string, viewer Viewer) (*Dispute, error) {
	d, err := e.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, d.PaymentID, viewer); err != nil {
		if errors.Is(err, ErrNotParticipant) {
			// Hide existence from non-participants
			return nil, ErrDisputeNotFound
		}
		return nil, err
	}
	return d, nil
}

// List returns the payment's disputes, newest first.
func (e *Engine) List(ctx context.Context, paymentID string, viewer Viewer) ([]*Dispute, error) {
	if err := e.authorize(ctx, paymentID, viewer); err != nil {
		return nil, err
	}
	return e.store.ListByPayment(ctx, paymentID)
}

// Timeline returns the dispute's history, derived from the payment's audit
// trail: events tagged with the dispute id plus the release events that
// happened while it was the payment's latest dispute.
func (e *Engine) Timeline(ctx context.Context, disputeID string, viewer Viewer) ([]TimelineEntry, error) {
	d, err := e.Get(ctx, disputeID, viewer)
	if err != nil {
		return nil, err
	}
	events, err := e.payments.Events(ctx, d.PaymentID)
	if err != nil {
		return nil, err
	}
	siblings, err := e.store.ListByPayment(ctx, d.PaymentID)
	if err != nil {
		return nil, err
	}

	var until time.Time
	for _, s := range siblings {
		if s.ID != d.ID && s.CreatedAt.After(d.CreatedAt) && (until.IsZero() || s.CreatedAt.Before(until)) {
			until = s.CreatedAt
		}
	}

	var out []TimelineEntry
	for _, ev := range events {
		if !belongsTo(ev, d, until) {
			continue
		}
		out = append(out, TimelineEntry{
			At:          ev.CreatedAt,
			Type:        ev.Type,
			Description: ev.Description,
			Actor:       ev.Actor,
			Metadata:    ev.Metadata,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func belongsTo(ev *payment.Event, d *Dispute, until time.Time) bool {
	if id, ok := ev.Metadata["disputeId"]; ok {
		return id == d.ID
	}
	switch ev.Type {
	case payment.EventReleaseSuspended, payment.EventReleaseResumed,
		payment.EventRefundCompleted, payment.EventDisputeFlagError:
	default:
		return false
	}
	if ev.CreatedAt.Before(d.CreatedAt) {
		return false
	}
	return until.IsZero() || ev.CreatedAt.Before(until)
}

func (e *Engine) authorize(ctx context.Context, paymentID string, viewer Viewer) error {
	if viewer.Admin {
		return nil
	}
	p, _, err := e.payments.Participants(ctx, paymentID)
	if p == nil {
		return err
	}
	if !p.IsParticipant(viewer.UserID) {
		return ErrNotParticipant
	}
	return nil
}
