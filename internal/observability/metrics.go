package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trip_coordinator"

var (
	PositionsAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "positions_accepted_total", Help: "Position reports appended to a trip history"})
	PositionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "positions_rejected_total", Help: "Position reports rejected, by reason"},
		[]string{"reason"},
	)
	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_dropped_total", Help: "Subscribers disconnected because their outbox was full"})
	TripSessions     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "trip_sessions", Help: "Trip sessions held in memory"})
	Subscribers      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "trip_subscribers", Help: "Live trip subscribers"})

	LockOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "vehicle_lock_operations_total", Help: "Vehicle lock operations, by operation and outcome"},
		[]string{"op", "outcome"},
	)
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_status_transitions_total", Help: "Booking status transitions applied"},
		[]string{"to"},
	)
	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notify_failures_total", Help: "Notifier dispatch failures"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
