// Package metrics registers the service's Prometheus collectors on the
// default registry, which promhttp serves on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "credits"

var (
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_created_total",
		Help:      "Generation sessions issued after a successful debit.",
	})

	ReservationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reservations_rejected_total",
		Help:      "Session creations that did not debit, by reason.",
	}, []string{"reason"})

	Conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "optimistic_conflicts_total",
		Help:      "Compare-and-swap collisions, by resource.",
	}, []string{"resource"})

	Consumptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_consumptions_total",
		Help:      "ValidateAndConsume outcomes.",
	}, []string{"result"})

	Refunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refunds_total",
		Help:      "Compensating refunds, by outcome.",
	}, []string{"outcome"})

	// CompensationFailures counts debits that could not be refunded in-line.
	// Any increase is user-visible fund loss until the refund worker catches up.
	CompensationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compensation_failures_total",
		Help:      "Refunds that exhausted in-line retries.",
	})
)

// Label values.
const (
	ReasonInsufficient   = "insufficient_credits"
	ReasonRetryExhausted = "retry_exhausted"
	ReasonStorage        = "storage_error"

	ResourceBalance = "balance"
	ResourceSession = "session"

	ResultAuthorized = "authorized"
	ResultNotFound   = "not_found"
	ResultExpired    = "expired"
	ResultExhausted  = "exhausted"
	ResultCacheHit   = "terminal_cache_hit"

	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeQueued    = "queued"
	OutcomeFailed    = "failed"
)
