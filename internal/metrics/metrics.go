package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalreplay_events_applied_total",
		Help: "Total number of events successfully applied to the broker.",
	})

	EventsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalreplay_events_skipped_total",
		Help: "Total number of events suppressed because the value was unchanged.",
	})

	EventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalreplay_events_rejected_total",
		Help: "Total number of events the broker rejected permanently.",
	})

	ApplyAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalreplay_apply_attempts_total",
		Help: "Total number of broker update calls, labelled by outcome.",
	}, []string{"outcome"})

	Retries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalreplay_retries_total",
		Help: "Total number of retried broker update calls.",
	})

	LoopsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalreplay_loops_completed_total",
		Help: "Total number of full passes over the sequence.",
	})

	ObservedUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalreplay_observed_updates_total",
		Help: "Total number of value changes received from the broker subscription, labelled by field.",
	}, []string{"field"})

	ApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signalreplay_apply_duration_ms",
		Help:    "Broker update round-trip latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	Position = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalreplay_sequence_position",
		Help: "Index of the next event to replay.",
	})
)
