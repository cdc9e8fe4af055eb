package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors used across the monitoring pipeline. Registered on the
// default registry and served from the HTTP /metrics endpoint.
var (
	SamplesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_margin_samples_total",
		Help: "Margin samples accepted into the store.",
	}, []string{"account"})

	SamplesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_margin_samples_rejected_total",
		Help: "Telemetry payloads rejected by validation.",
	}, []string{"account"})

	ThresholdBreaches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_threshold_breaches_total",
		Help: "Margin threshold breach events by band.",
	}, []string{"account", "band"})

	RapidChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_rapid_changes_total",
		Help: "Rapid margin level change events.",
	}, []string{"account"})

	MarginLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_margin_level_percent",
		Help: "Latest margin level per account.",
	}, []string{"account"})

	ActiveResponses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_active_emergency_responses",
		Help: "Emergency responses currently executing.",
	})

	EmergencyModeLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_emergency_mode_level",
		Help: "Emergency mode level rank (0 inactive, 4 critical).",
	})

	ActionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_emergency_action_seconds",
		Help:    "Wall time of dispatched emergency actions.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)
