package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upstream session metrics
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slackrelay_frames_received_total",
			Help: "Total number of Socket Mode frames received, by frame type",
		},
		[]string{"type"},
	)

	FramesAcked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slackrelay_frames_acked_total",
			Help: "Total number of envelope acknowledgments sent",
		},
	)

	DuplicateFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slackrelay_duplicate_frames_total",
			Help: "Total number of redelivered envelopes acked but not dispatched",
		},
	)

	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slackrelay_reconnects_total",
			Help: "Total number of session reconnects, by reason",
		},
		[]string{"reason"},
	)

	SessionConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slackrelay_session_connected",
			Help: "1 while an upstream session is open",
		},
	)

	// Dispatch metrics
	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slackrelay_events_dispatched_total",
			Help: "Total number of envelopes handed to the delivery sink, by kind",
		},
		[]string{"kind"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slackrelay_events_dropped_total",
			Help: "Total number of events dropped before delivery, by reason",
		},
		[]string{"reason"},
	)

	InboundQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slackrelay_inbound_queue_depth",
			Help: "Current depth of the inbound event queue",
		},
	)

	// Directory metrics
	DirectoryLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slackrelay_directory_lookups_total",
			Help: "Total number of directory resolutions, by entity kind and result",
		},
		[]string{"kind", "result"},
	)

	DirectoryCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slackrelay_directory_calls_total",
			Help: "Total number of outbound directory service calls, by entity kind",
		},
		[]string{"kind"},
	)

	// Delivery metrics
	DeliveryAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slackrelay_delivery_attempts_total",
			Help: "Total number of webhook POST attempts",
		},
	)

	DeliveryResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slackrelay_delivery_results_total",
			Help: "Total number of terminal delivery outcomes, by result",
		},
		[]string{"result"},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slackrelay_delivery_attempt_duration_seconds",
			Help:    "Duration of single webhook POST attempts in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeliveryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slackrelay_delivery_queue_depth",
			Help: "Current depth of the delivery queue",
		},
	)

	DeliveriesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slackrelay_deliveries_in_flight",
			Help: "Current number of deliveries being attempted",
		},
	)
)

// Lookup results
const (
	LookupHit      = "hit"
	LookupMiss     = "miss"
	LookupNotFound = "not_found"
	LookupError    = "error"
	LookupStale    = "stale"
)

// Delivery results
const (
	DeliverySucceeded = "succeeded"
	DeliveryFailed    = "failed"
	DeliveryAbandoned = "abandoned"
	DeliveryEvicted   = "evicted"
)
