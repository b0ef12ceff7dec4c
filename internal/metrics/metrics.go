// Package metrics registers the pipeline's internal Prometheus collectors.
// There is no exposition endpoint here: the HTTP /metrics surface is out of
// scope for this core, but the instruments are still exported so an
// embedding binary can wire promhttp if it chooses to.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// BreakerState reports the storage circuit breaker's state code
	// (0=closed, 1=open, 2=half_open).
	BreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_storage_circuit_breaker_state",
		Help: "Storage circuit breaker state (0=closed, 1=open, 2=half_open)",
	})

	AnomaliesDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_anomalies_detected_total",
		Help: "Total anomalies detected, by severity",
	}, []string{"severity"})

	MessagesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_messages_processed_total",
		Help: "Total messages successfully handled, by topic",
	}, []string{"topic"})

	MessagesDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_messages_dead_lettered_total",
		Help: "Total messages routed to the dead-letter sink, by error type",
	}, []string{"error_type"})

	BroadcastDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_broadcast_drops_total",
		Help: "Total subscriber drops from failed broadcast sends",
	})

	ActiveSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_broadcast_subscribers_active",
		Help: "Current number of connected broadcast subscribers",
	})

	FlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_flush_duration_seconds",
		Help:    "Duration of each flush-tick cycle",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		BreakerState,
		AnomaliesDetected,
		MessagesProcessed,
		MessagesDeadLettered,
		BroadcastDrops,
		ActiveSubscribers,
		FlushDuration,
	)
}
