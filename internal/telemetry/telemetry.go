package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Self-instrumentation for the engine's own hot paths.
var (
	SamplesBuffered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_samples_buffered_total",
		Help: "Samples accepted into the in-memory buffer.",
	}, []string{"kind"})

	FlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_buffer_flushes_total",
		Help: "Buffer flushes by kind and outcome.",
	}, []string{"kind", "outcome"})

	SamplesRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_samples_requeued_total",
		Help: "Samples put back on the buffer after a failed batch write.",
	}, []string{"kind"})

	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_probes_total",
		Help: "Health probes by classified status.",
	}, []string{"status"})

	ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetwatch_probe_duration_seconds",
		Help:    "Health probe round-trip time.",
		Buckets: prometheus.DefBuckets,
	})

	AlertsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_alerts_created_total",
		Help: "Alerts created by severity.",
	}, []string{"severity"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_notifications_total",
		Help: "Notification sends by channel and outcome.",
	}, []string{"channel", "outcome"})
)
