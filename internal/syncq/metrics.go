package syncq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth is the number of writes waiting to reach the remote store.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "questlog",
			Subsystem: "syncq",
			Name:      "depth",
			Help:      "Number of queued remote writes",
		},
	)

	// SendTotal counts send attempts.
	// Labels: result (acked, retry, conflict, auth, dead)
	SendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "questlog",
			Subsystem: "syncq",
			Name:      "sends_total",
			Help:      "Total number of remote write attempts by result",
		},
		[]string{"result"},
	)

	// DeadLettersTotal counts writes abandoned to the dead-letter table.
	DeadLettersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "questlog",
			Subsystem: "syncq",
			Name:      "dead_letters_total",
			Help:      "Total number of writes moved to dead letters",
		},
	)

	// SendDuration tracks how long remote commits take.
	SendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "questlog",
			Subsystem: "syncq",
			Name:      "send_duration_seconds",
			Help:      "Duration of remote batch commits in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// Online is 1 while the remote store is reachable.
	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "questlog",
			Subsystem: "syncq",
			Name:      "online",
			Help:      "Remote store connectivity (1=online, 0=offline)",
		},
	)
)
