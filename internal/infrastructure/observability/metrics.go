package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Счётчик вызовов методов репозитория
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	// Гистограмма времени выполнения запросов
	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_transitions_total",
			Help: "Applied payment transaction transitions",
		},
		[]string{"from", "to", "actor"},
	)

	RejectedTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_rejected_transitions_total",
			Help: "Transitions refused because the transaction was already terminal",
		},
		[]string{"current", "requested", "actor"},
	)

	LateCompletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_late_completion_total",
			Help: "Completion reports received for transactions that already ended without payment",
		},
		[]string{"status", "actor"},
	)

	CreditsPurchased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_credits_purchased_total",
			Help: "Credits added to tenant ledgers by completed purchases",
		},
	)

	GatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests sent to the payment gateway",
		},
		[]string{"operation", "status"},
	)

	GatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Duration of payment gateway requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitbreaker_state_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"key", "from_state", "to_state"},
	)

	WebhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Inbound gateway callbacks by outcome",
		},
		[]string{"outcome"},
	)

	ReconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_runs_total",
			Help: "Reconciliation passes by trigger",
		},
		[]string{"trigger"},
	)

	ReconcileOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_transactions_total",
			Help: "Transactions examined by reconciliation, by outcome",
		},
		[]string{"outcome"},
	)
)

// InitMetrics registers the collectors with reg.
func InitMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		RepositoryCalls,
		RepositoryDuration,
		TransitionsTotal,
		RejectedTransitions,
		LateCompletions,
		CreditsPurchased,
		GatewayRequests,
		GatewayDuration,
		BreakerTransitions,
		WebhookRequests,
		ReconcileRuns,
		ReconcileOutcomes,
	)
}
