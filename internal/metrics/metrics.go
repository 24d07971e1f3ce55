package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunOutcomes 每次执行的结果分支
	RunOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "run_engine",
		Name:      "run_execution_outcomes_total",
		Help:      "Outcomes of run execution attempts by branch.",
	}, []string{"outcome"})

	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "run_engine",
		Name:      "endpoint_execution_seconds",
		Help:      "Duration of endpoint execute-job round trips.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	})

	JobsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "run_engine",
		Name:      "queue_jobs_handled_total",
		Help:      "Queue jobs handled by type and result.",
	}, []string{"type", "result"})

	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "run_engine",
		Name:      "rate_limit_rejections_total",
		Help:      "Queue jobs rescheduled because a flag was over capacity.",
	}, []string{"job_type"})

	ForcedYields = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "run_engine",
		Name:      "forced_yield_runs_total",
		Help:      "Runs flagged for forced yield on process shutdown.",
	})
)
