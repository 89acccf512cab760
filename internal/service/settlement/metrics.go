package settlement

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mamadbah2/milkpay/internal/domain/models"
)

var (
	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "milkpay_settlements_total",
		Help: "Settlement attempts by outcome",
	}, []string{
		"outcome", // settled, nothing_owed, negative_balance, conflict, failed, not_found
	})

	settledNetAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "milkpay_settled_net_amount_total",
		Help: "Net amount disbursed by committed settlements",
	})

	settlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "milkpay_settlement_duration_seconds",
		Help:    "Time spent in one atomic settlement attempt",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"outcome"})

	bulkRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "milkpay_bulk_run_duration_seconds",
		Help:    "Time to settle every farmer in one bulk run",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
	})
)

func observeSettlement(outcome models.OutcomeKind, elapsed time.Duration) {
	settlementsTotal.WithLabelValues(string(outcome)).Inc()
	settlementDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}
