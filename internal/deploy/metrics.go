package deploy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deployer_jobs_started_total",
		Help: "Deployment job invocations consumed from the event bus.",
	})
	attemptOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deployer_attempt_outcomes_total",
		Help: "Outcome of each deploy attempt.",
	}, []string{"outcome"}) // success, retry, exhausted
	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deployer_job_duration_seconds",
		Help:    "Wall-clock duration of one job invocation.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
	zombiesClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deployer_zombie_deployments_closed_total",
		Help: "Marketplace deployments closed by cleanup sweeps.",
	})
)
