// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons for MessagesDropped.
const (
	DropMalformed   = "malformed"
	DropNoTenant    = "no_tenant"
	DropNoSession   = "no_session"
	DropCounterpart = "counterpart_offline"
	DropQueueFull   = "queue_full"
)

var (
	// Socket metrics
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gmscreen_ws_connections_active",
		Help: "The current number of open websocket connections.",
	}, []string{"role"})
	TotalConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gmscreen_ws_connections_total",
		Help: "The total number of websocket connections accepted.",
	}, []string{"role"})
	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gmscreen_ws_heartbeat_timeouts_total",
		Help: "Connections terminated for missing a pong.",
	})
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gmscreen_ws_messages_received_total",
		Help: "Frames received from clients, by message type.",
	}, []string{"type"})
	MessagesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gmscreen_ws_messages_relayed_total",
		Help: "Frames fanned out to a tenant, by message type.",
	}, []string{"type"})
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gmscreen_ws_messages_dropped_total",
		Help: "Frames dropped instead of delivered, by reason.",
	}, []string{"reason"})

	// Presence metrics
	PresenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gmscreen_presence_transitions_total",
		Help: "Presence events published by the registry, by cause.",
	}, []string{"cause"})

	// Run history metrics
	RunOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gmscreen_run_operations_total",
		Help: "Run history writes, by operation.",
	}, []string{"op"})
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gmscreen_store_errors_total",
		Help: "Failed run history store calls, by operation.",
	}, []string{"op"})

	// Live event stream metrics
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gmscreen_stream_clients",
		Help: "The current number of open event stream clients.",
	})
	StreamEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gmscreen_stream_events_dropped_total",
		Help: "Events not delivered to a stream client whose queue was full.",
	})

	// Archive metrics
	ArchiveRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gmscreen_archive_runs_total",
		Help: "Archive exports, by result.",
	}, []string{"result"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
