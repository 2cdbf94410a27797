package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imgd",
			Subsystem: "scheduler",
			Name:      "jobs_total",
			Help:      "Jobs finished by outcome (completed, failed, cancelled)",
		},
		[]string{"outcome"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "imgd",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Time from claim to finalization",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal, jobDuration)
}

func observeJob(outcome string, seconds float64) {
	jobsTotal.WithLabelValues(outcome).Inc()
	jobDuration.WithLabelValues(outcome).Observe(seconds)
}
