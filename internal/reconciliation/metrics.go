package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileDepositsRecovered = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kustodia",
		Subsystem: "reconciliation",
		Name:      "deposits_recovered",
		Help:      "Deposits found by polling the bank rail in the last reconciliation run.",
	})

	reconcileWithdrawalsPolled = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kustodia",
		Subsystem: "reconciliation",
		Name:      "withdrawals_polled",
		Help:      "Pending withdrawals polled at the custodian in the last reconciliation run.",
	})

	reconcileWithdrawalsResolved = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kustodia",
		Subsystem: "reconciliation",
		Name:      "withdrawals_resolved",
		Help:      "Polled withdrawals that reached a final status in the last reconciliation run.",
	})

	reconcileWebhooksReplayed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kustodia",
		Subsystem: "reconciliation",
		Name:      "webhooks_replayed",
		Help:      "Failed webhook deliveries replayed in the last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kustodia",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kustodia",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileDepositsRecovered,
		reconcileWithdrawalsPolled,
		reconcileWithdrawalsResolved,
		reconcileWebhooksReplayed,
		reconcileDuration,
		reconcileErrors,
	)
}

func observe(rep *Report) {
	reconcileDepositsRecovered.Set(float64(rep.DepositsRecovered))
	reconcileWithdrawalsPolled.Set(float64(rep.WithdrawalsPolled))
	reconcileWithdrawalsResolved.Set(float64(rep.WithdrawalsResolved))
	reconcileWebhooksReplayed.Set(float64(rep.WebhooksReplayed))
	reconcileDuration.Observe(rep.Duration.Seconds())
	reconcileErrors.Add(float64(len(rep.Errors)))
}
