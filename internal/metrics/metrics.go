// Package metrics holds the process-global Prometheus collectors, registered
// at init time via promauto and scraped from /metrics (see cmd/server).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocketConnectionsActive tracks live connections across all boards.
	WebSocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "boardsync_websocket_connections_active",
			Help: "Number of currently open WebSocket connections",
		},
	)

	// ChangesAppliedTotal is labeled by board_id. The gateway increments it on
	// every successful append, so there is one series per board written to;
	// the number of series is not capped and series are never removed.
	ChangesAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardsync_changes_applied_total",
			Help: "Total number of object changes appended to a board's stream",
		},
		[]string{"board_id"},
	)

	CheckpointDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "boardsync_checkpoint_duration_seconds",
			Help:    "Time to fold one checkpoint batch into the objects document",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckpointBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "boardsync_checkpoint_batch_size",
			Help:    "Number of stream entries folded per checkpoint batch",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	PresenceBroadcastDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "boardsync_presence_broadcast_dropped_total",
			Help: "Total number of presence broadcast messages dropped due to a full subscriber queue",
		},
	)

	PresenceBroadcastQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "boardsync_presence_broadcast_queue_depth",
			Help: "Current number of registered presence fanout subscribers",
		},
	)

	ReaperSessionsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "boardsync_reaper_sessions_expired_total",
			Help: "Total number of stale board sessions removed by the presence reaper",
		},
	)

	// Circuit breaker state/request/failure counters are registered by
	// internal/circuitbreaker itself (boardsync_circuit_breaker_*), since
	// that package owns the CircuitBreaker instance and its state-change
	// callback.

	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "boardsync_gateway_request_duration_seconds",
			Help:    "Latency of one Redis gateway operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)
