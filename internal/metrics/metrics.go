// Package metrics exposes the SDK's diagnostic counters on the default
// prometheus registry. Hosts that scrape metrics pick them up for free;
// everyone else pays one atomic add per event.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EndpointsFiltered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmgate_endpoints_filtered_total",
			Help: "User endpoints dropped by data-residency filtering",
		},
	)

	PolicyConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmgate_policy_conflict_total",
			Help: "User routing policies shadowed by a project policy of the same name",
		},
	)

	LedgerDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmgate_ledger_dropped_total",
			Help: "Ledger events dropped by queue overflow or persistent write failure",
		},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_retry_attempts_total",
			Help: "Retry attempts by provider and error kind",
		},
		[]string{"provider", "kind"},
	)

	BudgetWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmgate_budget_warnings_total",
			Help: "Budget warn-threshold crossings",
		},
	)

	RateLimitWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_rate_limit_waits_total",
			Help: "Calls that had to wait for a rate-limit window",
		},
		[]string{"provider", "model", "scope"},
	)

	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_requests_total",
			Help: "Completed generation requests",
		},
		[]string{"provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgate_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgate_cost_usd_total",
			Help: "Committed spend in USD",
		},
		[]string{"provider", "model"},
	)
)
