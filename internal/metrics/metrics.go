package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campd_attempts_total",
			Help: "Dispatch attempts by terminal outcome",
		},
		[]string{"outcome"}, // succeeded|transient_failed|permanent_failed
	)

	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "campd_inflight_claims",
			Help: "Recipients currently claimed by a worker",
		},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campd_runs_total",
			Help: "Dispatch runs by final state",
		},
		[]string{"result"}, // completed|paused|halted|cancelled
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		AttemptsTotal,
		InFlight,
		RunsTotal,
	)
}
