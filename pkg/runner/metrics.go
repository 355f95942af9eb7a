package runner

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	runnermetrics "github.com/fluxcd/cirunner/pkg/metrics"
)

var (
	// Most polls are a single API call; those that find a new commit
	// include building and deploying it, which is minutes.
	pollDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "cirunner",
		Subsystem: "runner",
		Name:      "poll_duration_seconds",
		Help:      "Duration of a poll cycle, in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 30, 60, 120, 300, 600, 1200, 1800, 3600},
	}, []string{runnermetrics.LabelSuccess})

	attemptDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "cirunner",
		Subsystem: "runner",
		Name:      "attempt_duration_seconds",
		Help:      "Duration of a single build-and-deploy attempt, in seconds.",
		Buckets:   []float64{1, 10, 30, 60, 120, 300, 600, 900, 1200, 1800},
	}, []string{runnermetrics.LabelSuccess})

	attemptsTotal = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "cirunner",
		Subsystem: "runner",
		Name:      "attempts_total",
		Help:      "Count of build-and-deploy attempts, by the stage they finished at.",
	}, []string{runnermetrics.LabelOutcome, runnermetrics.LabelStage})

	deploysTotal = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "cirunner",
		Subsystem: "runner",
		Name:      "deploys_total",
		Help:      "Count of commits for which a build and deploy was attempted, by whether it was eventually successful.",
	}, []string{runnermetrics.LabelSuccess})
)
