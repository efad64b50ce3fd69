// Package admin provides admin-only endpoints for operating the payment
// platform: reconciliation runs, failed provider deliveries and realtime
// connection stats.
package admin

import (
	"context"

	"github.com/rodrigojille/kustodia-sub014/internal/reconciliation"
	"github.com/rodrigojille/kustodia-sub014/internal/webhooks"
)

// Reconciler runs an on-demand reconciliation pass.
type Reconciler interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}

// ReportSource exposes the last scheduled reconciliation report.
type ReportSource interface {
	LastReport() *reconciliation.Report
}

// FailedDeliveries lists provider webhook deliveries whose apply failed.
type FailedDeliveries interface {
	ListFailed(ctx context.Context, limit int) ([]*webhooks.InboxEntry, error)
}

// StatsSource reports realtime hub statistics.
type StatsSource interface {
	Stats() map[string]interface{}
}
