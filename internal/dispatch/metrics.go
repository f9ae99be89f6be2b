package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dosewatch",
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Dispatch attempts by outcome.",
		},
		[]string{"outcome"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dosewatch",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time from dispatch start to final outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)
