package ticker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dosewatch",
		Name:      "ticks_total",
		Help:      "Evaluation ticks by trigger.",
	}, []string{"trigger"})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dosewatch",
		Name:      "tick_duration_seconds",
		Help:      "Wall time of one evaluation tick including dispatches.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
	})

	schedulesEvaluated = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dosewatch",
		Name:      "schedules_evaluated",
		Help:      "Active schedules seen by the last tick.",
	})

	invalidSchedules = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dosewatch",
		Name:      "schedule_errors_total",
		Help:      "Schedules skipped for a tick because they could not be evaluated.",
	})
)
