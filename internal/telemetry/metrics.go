package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "contestboard"

const (
	ResultArchived = "archived"
	ResultSkipped  = "skipped"
	ResultFailed   = "failed"

	ResultAccepted      = "accepted"
	ResultRateLimited   = "rate_limited"
	ResultClosed        = "closed"
	ResultScoringFailed = "scoring_failed"
	ResultStoreFailed   = "store_failed"
)

var (
	ArchivalSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archival",
		Name:      "sweeps_total",
		Help:      "Number of archival sweeps started.",
	})

	ArchivalSweepFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archival",
		Name:      "sweep_failures_total",
		Help:      "Number of archival sweeps that could not list pending contests.",
	})

	// ArchivalContests counts per-contest outcomes. A contest failing on every sweep is stuck.
	ArchivalContests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archival",
		Name:      "contests_total",
		Help:      "Per-contest archival outcomes by result.",
	}, []string{"result"})

	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "submission",
		Name:      "total",
		Help:      "Submissions by result.",
	}, []string{"result"})

	SubmissionPoints = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "submission",
		Name:      "points",
		Help:      "Points awarded to accepted submissions.",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	})
)
