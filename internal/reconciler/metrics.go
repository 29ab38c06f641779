package reconciler

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subsidyledger",
		Subsystem: "reconciler",
		Name:      "runs_total",
		Help:      "Total reconciler runs by result (ok, skipped, error).",
	}, []string{"result"})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "subsidyledger",
		Subsystem: "reconciler",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciler runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	changesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subsidyledger",
		Subsystem: "reconciler",
		Name:      "changes_applied_total",
		Help:      "Total change feed entries applied by action (committed, failed, reversed, already_reversed, nonrefundable).",
	}, []string{"action"})

	changeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "subsidyledger",
		Subsystem: "reconciler",
		Name:      "change_errors_total",
		Help:      "Total change feed entries that could not be applied.",
	})

	staleTransactions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "subsidyledger",
		Subsystem: "reconciler",
		Name:      "stale_transactions",
		Help:      "Unresolved transactions older than the pending-age threshold, as of the last run.",
	})
)

func init() {
	prometheus.MustRegister(
		runsTotal,
		runDuration,
		changesApplied,
		changeErrors,
		staleTransactions,
	)
}
