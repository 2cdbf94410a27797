package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	processStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imgd",
			Subsystem: "manager",
			Name:      "process_starts_total",
			Help:      "Process start attempts by exec mode and result",
		},
		[]string{"exec_mode", "result"},
	)

	processReadySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "imgd",
			Subsystem: "manager",
			Name:      "process_ready_seconds",
			Help:      "Time from spawn until a server process reported ready",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
	)

	processExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imgd",
			Subsystem: "manager",
			Name:      "process_exits_total",
			Help:      "Process exits by outcome (stopped, crashed)",
		},
		[]string{"outcome"},
	)

	processesAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "imgd",
			Subsystem: "manager",
			Name:      "processes_alive",
			Help:      "Supervised processes that have been spawned and not yet exited",
		},
	)
)

func init() {
	prometheus.MustRegister(processStartsTotal, processReadySeconds, processExitsTotal, processesAlive)
}
