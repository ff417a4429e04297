package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// WebSocket metrics
	WebSocketConnections prometheus.Gauge
	WebSocketEvents      *prometheus.CounterVec
	DroppedIntents       *prometheus.CounterVec

	// Orchestrator metrics
	Invocations       *prometheus.CounterVec
	InvocationLatency prometheus.Histogram
	ToolEvents        *prometheus.CounterVec
}

// MetricsSources feeds the gauge funcs that read live component state
type MetricsSources struct {
	Connections *ConnectionManager
	Presence    *PresenceRegistry
	Tracker     *InvocationTracker
}

// NewMetrics creates the metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer, sources MetricsSources) *Metrics {
	factory := promauto.With(reg)

	metrics := &Metrics{
		// WebSocket active connections (gauge - can go up and down)
		WebSocketConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		}),

		// WebSocket events by name (counter - only goes up)
		WebSocketEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_websocket_events_total",
			Help: "Total number of WebSocket events by name",
		}, []string{"event", "direction"}), // direction: "inbound" or "outbound"

		DroppedIntents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_websocket_dropped_intents_total",
			Help: "Inbound frames dropped for being malformed, unknown or incomplete",
		}, []string{"reason"}),

		Invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_invocations_total",
			Help: "Orchestrator runs by terminal state",
		}, []string{"state"}),

		InvocationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatrelay_invocation_duration_seconds",
			Help:    "Orchestrator run latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}, // up to 2 minutes for LLM responses
		}),

		ToolEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_tool_events_total",
			Help: "Tool calls and results persisted by the orchestrator",
		}, []string{"tool", "kind"}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "chatrelay_presence_users",
		Help: "Users with a registered live connection",
	}, func() float64 {
		if sources.Presence != nil {
			return float64(sources.Presence.Count())
		}
		return 0
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "chatrelay_websocket_connections_current",
		Help: "Current number of active WebSocket connections (from connection manager)",
	}, func() float64 {
		if sources.Connections != nil {
			return float64(sources.Connections.Count())
		}
		return 0
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "chatrelay_invocations_inflight",
		Help: "Orchestrator runs currently in progress",
	}, func() float64 {
		if sources.Tracker != nil {
			return float64(sources.Tracker.Count())
		}
		return 0
	})

	return metrics
}

// RecordWebSocketConnect records a new WebSocket connection
func (m *Metrics) RecordWebSocketConnect() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Inc()
}

// RecordWebSocketDisconnect records a WebSocket disconnection
func (m *Metrics) RecordWebSocketDisconnect() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Dec()
}

// RecordWebSocketEvent records an inbound or outbound event
func (m *Metrics) RecordWebSocketEvent(event, direction string) {
	if m == nil {
		return
	}
	m.WebSocketEvents.WithLabelValues(event, direction).Inc()
}

// RecordDroppedIntent records a silently dropped inbound frame
func (m *Metrics) RecordDroppedIntent(reason string) {
	if m == nil {
		return
	}
	m.DroppedIntents.WithLabelValues(reason).Inc()
}

// RecordInvocation records a finished run
func (m *Metrics) RecordInvocation(state StreamState, seconds float64) {
	if m == nil {
		return
	}
	m.Invocations.WithLabelValues(string(state)).Inc()
	m.InvocationLatency.Observe(seconds)
}

// RecordToolEvent records a persisted tool_use or tool_result
func (m *Metrics) RecordToolEvent(tool, kind string) {
	if m == nil {
		return
	}
	m.ToolEvents.WithLabelValues(tool, kind).Inc()
}
