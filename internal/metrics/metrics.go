package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message outcomes.
const (
	OutcomeAcked   = "acked"
	OutcomeDropped = "dropped"
	OutcomeRetry   = "retry"
)

var (
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stationd_messages_total",
			Help: "Queue deliveries processed, by stream and outcome",
		},
		[]string{"stream", "outcome"},
	)

	HandleLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stationd_handle_latency_seconds",
			Help:    "Time from delivery to decision (ack, drop or retry)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stream"},
	)

	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stationd_samples_ingested_total",
			Help: "Samples per axis written to hourly documents",
		},
		[]string{"stream"},
	)

	SlotsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stationd_slots_written_total",
			Help: "Second-of-hour slots set in hourly documents",
		},
		[]string{"stream"},
	)

	DocumentsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stationd_documents_created_total",
			Help: "Hourly accel documents created",
		},
	)

	PayloadsQuarantined = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stationd_payloads_quarantined_total",
			Help: "Undeliverable payloads kept for inspection",
		},
		[]string{"stream"},
	)

	ConsumerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stationd_consumer_state",
			Help: "Queue consumer state (0 disconnected, 1 connecting, 2 subscribed)",
		},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stationd_reconnects_total",
			Help: "Transport sessions lost and retried",
		},
	)
)
