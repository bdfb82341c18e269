package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counter for scored submissions
	submissionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "evaluation_submissions_total",
			Help: "Total number of sessions submitted and scored",
		},
	)

	// Histogram for scoring duration
	scoringDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "evaluation_scoring_duration_seconds",
			Help:    "Time spent computing a score at submit",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Counter for provider attempts
	analysisAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluation_analysis_attempts_total",
			Help: "Total number of AI analysis attempts",
		},
		[]string{"outcome"}, // outcome: succeeded/transient/terminal/expired
	)

	// Counter for review claims
	reviewClaims = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "evaluation_review_claims_total",
			Help: "Total number of successful review claims",
		},
	)

	// Counter for review decisions
	reviewDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluation_review_decisions_total",
			Help: "Total number of review decisions",
		},
		[]string{"decision"}, // decision: approved/edited/rejected
	)

	// Gauge for unclaimed review items, refreshed by the sweeper
	reviewQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "evaluation_review_queue_depth",
			Help: "Current number of unclaimed review items",
		},
	)

	// Counter for sessions expired by the sweeper
	sessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "evaluation_sessions_expired_total",
			Help: "Total number of sessions expired past max age",
		},
	)
)
