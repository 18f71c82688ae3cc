package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Protocol metrics
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentim_frames_received_total",
			Help: "Total frames received, by type",
		},
		[]string{"type"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentim_frames_dropped_total",
			Help: "Total frames dropped, by reason",
		},
		[]string{"reason"}, // "oversized", "malformed", "unknown_type", "unauthorized"
	)

	RoomBroadcasts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentim_room_broadcasts_total",
			Help: "Total room broadcast fan-outs",
		},
	)

	// Connection metrics
	GatewaysConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentim_gateways_connected",
			Help: "Currently connected gateways",
		},
	)

	ClientsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentim_clients_connected",
			Help: "Currently connected clients",
		},
	)

	// Routing metrics
	RoutedHops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentim_routed_hops_total",
			Help: "Total agent-to-agent hops forwarded",
		},
	)

	SuppressedHops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentim_suppressed_hops_total",
			Help: "Total agent-to-agent hops suppressed, by reason",
		},
		[]string{"reason"}, // "depth", "visited", "rate_limited", "detector_failed"
	)

	// Stream metrics
	StreamsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentim_streams_rejected_total",
			Help: "Total streamed messages rejected for exceeding the size ceiling",
		},
	)

	// Permission metrics
	PermissionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentim_permission_outcomes_total",
			Help: "Terminal permission request outcomes",
		},
		[]string{"outcome"}, // "approved", "denied", "timeout", "queue_full"
	)
)
