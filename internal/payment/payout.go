package payment

import (
	"context"
	"fmt"
	"strings"

	"github.com/rodrigojille/kustodia-sub014/internal/bankrail"
	"github.com/rodrigojille/kustodia-sub014/internal/logging"
)

// HandlePayoutUpdate applies a payout status pushed by the bank rail. The
// engine treats an accepted payout as paid, so a confirmation is recorded
// for audit and a later failure means the bank returned funds that already
// left custody: it is recorded and escalated to operators.
func (e *Engine) HandlePayoutUpdate(ctx context.Context, upd bankrail.PayoutUpdate) error {
	paymentID, step, ok := strings.Cut(upd.Reference, ":")
	if !ok || paymentID == "" || step == "" {
		return fmt.Errorf("%w: payout reference %q", ErrInvalidRequest, upd.Reference)
	}
	p, err := e.store.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	ctx = logging.WithPaymentID(ctx, p.ID)

	meta := map[string]string{"reference": upd.Reference, "externalId": upd.ExternalID, "step": step}
	switch upd.Status {
	case bankrail.PayoutCompleted:
		e.recordEvent(ctx, p.ID, EventPayoutConfirmed, "bank confirmed payout", bankrail.ProviderName, meta)
	case bankrail.PayoutFailed:
		meta["reason"] = upd.Reason
		e.recordEvent(ctx, p.ID, EventPayoutReturned, "bank reported payout failed", bankrail.ProviderName, meta)
		e.notify(ctx, p, NotifyPayoutProcessingError, map[string]string{
			"reason":    "payout returned by bank",
			"reference": upd.Reference,
		})
		logging.Critical(ctx, "payout failed after funds left custody", "reference", upd.Reference, "reason", upd.Reason)
	case bankrail.PayoutPending:
	default:
		return fmt.Errorf("%w: payout status %q", ErrInvalidRequest, upd.Status)
	}
	return nil
}
