package ledger

import "github.com/prometheus/client_golang/prometheus"

var (
	transactionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "subsidyledger",
		Subsystem: "ledger",
		Name:      "transactions_created_total",
		Help:      "Total ledger transactions created.",
	})

	transactionsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "subsidyledger",
		Subsystem: "ledger",
		Name:      "transactions_committed_total",
		Help:      "Total transactions committed with a fulfillment reference.",
	})

	transactionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "subsidyledger",
		Subsystem: "ledger",
		Name:      "transactions_failed_total",
		Help:      "Total transactions marked failed.",
	})

	reversalsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "subsidyledger",
		Subsystem: "ledger",
		Name:      "reversals_created_total",
		Help:      "Total reversals created.",
	})

	idempotencyConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "subsidyledger",
		Subsystem: "ledger",
		Name:      "idempotency_conflicts_total",
		Help:      "Total idempotency key reuses rejected for payload mismatch.",
	})

	invariantViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "subsidyledger",
		Subsystem: "ledger",
		Name:      "invariant_violations_total",
		Help:      "Total detected ledger invariant violations (conflicting references, negative balances).",
	})
)

func init() {
	prometheus.MustRegister(
		transactionsCreated,
		transactionsCommitted,
		transactionsFailed,
		reversalsCreated,
		idempotencyConflicts,
		invariantViolations,
	)
}
