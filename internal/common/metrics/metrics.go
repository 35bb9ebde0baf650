package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_transitions_applied_total",
			Help: "Total number of lifecycle transitions applied",
		},
		[]string{"operation"},
	)

	TransitionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_transitions_rejected_total",
			Help: "Total number of lifecycle transitions rejected",
		},
		[]string{"operation", "error_code"},
	)

	TransitionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "engine_transition_duration_seconds",
			Help: "Duration of lifecycle transition processing in seconds",
		},
		[]string{"operation"},
	)

	SettlementsRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_settlements_recorded_total",
			Help: "Total number of settlements recorded",
		},
	)

	SettlementFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_settlement_failures_total",
			Help: "Total number of settlement recording failures",
		},
	)

	MirrorRollbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_mirror_rollbacks_total",
			Help: "Total number of optimistic mirror rollbacks",
		},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_notifications_sent_total",
			Help: "Total number of notifications dispatched per channel",
		},
		[]string{"channel", "outcome"},
	)

	OnboardingStepsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onboarding_steps_completed_total",
			Help: "Total number of onboarding step completions",
		},
		[]string{"variant"},
	)
)
