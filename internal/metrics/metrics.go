// Package metrics registers the Prometheus series shared by the agent and
// relay binaries. All metrics are low-cardinality (no camera_ip, stream_key,
// or agent_id labels) so that cardinality stays bounded regardless of fleet
// size.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Agent-side series.
var (
	ScanHostsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camguard_scan_hosts_total",
		Help: "Hosts processed by the network scanner, by outcome.",
	}, []string{"outcome"})

	ScanDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "camguard_scan_duration_seconds",
		Help:    "Wall-clock duration of a completed network scan.",
		Buckets: prometheus.DefBuckets,
	})

	RTSPProbeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camguard_rtsp_probe_total",
		Help: "RTSP probe attempts, by outcome.",
	}, []string{"outcome"})

	ONVIFPollTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camguard_onvif_poll_total",
		Help: "ONVIF PullMessages poll attempts, by outcome.",
	}, []string{"outcome"})

	ONVIFEventTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camguard_onvif_event_total",
		Help: "ONVIF events accepted after dedup, by severity.",
	}, []string{"severity"})

	StreamStateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camguard_stream_state_transitions_total",
		Help: "Stream state machine transitions, by destination state.",
	}, []string{"to"})

	UplinkReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camguard_uplink_reconnects_total",
		Help: "Uplink WebSocket reconnect attempts across all streams.",
	})

	HeartbeatTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camguard_heartbeat_total",
		Help: "Cloud heartbeat calls, by outcome.",
	}, []string{"outcome"})

	EventBufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camguard_event_buffer_depth",
		Help: "Current number of events held in the event buffer.",
	})

	EventBufferFlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camguard_event_buffer_flush_total",
		Help: "Event buffer flush attempts, by outcome.",
	}, []string{"outcome"})
)

// Relay-side series.
var (
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camguard_relay_rooms_active",
		Help: "Number of relay rooms currently holding a producer.",
	})

	RoomConsumersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camguard_relay_room_consumers_total",
		Help: "Total consumers attached across all relay rooms.",
	})

	BytesBroadcastTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camguard_relay_bytes_broadcast_total",
		Help: "Total bytes broadcast from producers to consumers.",
	})

	BroadcastFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camguard_relay_broadcast_failures_total",
		Help: "Consumer sends that failed and caused consumer removal.",
	})

	ProducerConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camguard_relay_producer_connections_total",
		Help: "Producer WebSocket connections accepted, by outcome.",
	}, []string{"outcome"})
)
