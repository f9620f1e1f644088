package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "validator_organic_jobs_total",
		Help: "Count of organic jobs taken on.",
	})
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validator_organic_jobs_finished_total",
		Help: "Count of organic jobs reaching a terminal state, by outcome.",
	}, []string{"outcome"})
	jobFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validator_organic_job_failures_total",
		Help: "Count of organic job failures by reason.",
	}, []string{"reason"})
	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "validator_organic_job_duration_seconds",
		Help:    "Wall-clock time from dispatch to terminal state.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)
