package executor

import "github.com/prometheus/client_golang/prometheus"

var dispatchSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "imgd",
		Subsystem: "executor",
		Name:      "dispatch_seconds",
		Help:      "Backend request duration by transport, job type and outcome",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	},
	[]string{"transport", "type", "outcome"},
)

func init() {
	prometheus.MustRegister(dispatchSeconds)
}
