package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tyrowin/lobbychat/internal/protocol"
)

// Metrics holds all Prometheus metrics for the server. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Session metrics
	activeSessions      prometheus.Gauge
	connectionsTotal    prometheus.Counter
	sessionsJoined      prometheus.Counter
	sessionsClosed      *prometheus.CounterVec // by reason
	laggedSubscribers   prometheus.Counter
	handshakesAbandoned prometheus.Counter

	// Message metrics
	framesReceived    *prometheus.CounterVec // by message type
	decodeErrors      prometheus.Counter
	messagesPublished *prometheus.CounterVec // by message type
	broadcastFanout   prometheus.Histogram
}

// NewMetrics registers the chat metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chat_active_sessions",
				Help: "Current number of joined sessions",
			},
		),
		connectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chat_connections_total",
				Help: "Total number of accepted WebSocket connections",
			},
		),
		sessionsJoined: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chat_sessions_joined_total",
				Help: "Total number of sessions that completed the join handshake",
			},
		),
		sessionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_sessions_closed_total",
				Help: "Total number of joined sessions that ended, by reason",
			},
			[]string{"reason"},
		),
		laggedSubscribers: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chat_lagged_subscribers_total",
				Help: "Sessions disconnected because their outbound queue overflowed",
			},
		),
		handshakesAbandoned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chat_handshakes_abandoned_total",
				Help: "Connections that closed before sending a Join",
			},
		),
		framesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_frames_received_total",
				Help: "Total number of decoded frames received from clients by type",
			},
			[]string{"type"},
		),
		decodeErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chat_decode_errors_total",
				Help: "Inbound frames dropped because they did not decode",
			},
		),
		messagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_messages_published_total",
				Help: "Total number of messages published to the router by type",
			},
			[]string{"type"},
		),
		broadcastFanout: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chat_broadcast_fanout",
				Help:    "Number of subscribers that accepted each published message",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
	}
}

// MetricsHandler exposes the metrics gathered by reg.
func MetricsHandler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RecordActiveSessions updates the joined session gauge
func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

// RecordConnection increments the accepted connection counter
func (m *Metrics) RecordConnection() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
}

// RecordSessionJoined increments the joined session counter
func (m *Metrics) RecordSessionJoined() {
	if m == nil {
		return
	}
	m.sessionsJoined.Inc()
}

// RecordSessionClosed increments the closed session counter for reason
func (m *Metrics) RecordSessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

// RecordLaggedSubscriber counts a session dropped for overflowing its queue
func (m *Metrics) RecordLaggedSubscriber() {
	if m == nil {
		return
	}
	m.laggedSubscribers.Inc()
}

// RecordHandshakeAbandoned counts a connection that never joined
func (m *Metrics) RecordHandshakeAbandoned() {
	if m == nil {
		return
	}
	m.handshakesAbandoned.Inc()
}

// RecordFrameReceived increments the inbound frame counter for a type
func (m *Metrics) RecordFrameReceived(kind protocol.Kind) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(string(kind)).Inc()
}

// RecordDecodeError counts a dropped malformed frame
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// RecordPublished records a published message and how many subscribers took it
func (m *Metrics) RecordPublished(kind protocol.Kind, fanout int) {
	if m == nil {
		return
	}
	m.messagesPublished.WithLabelValues(string(kind)).Inc()
	m.broadcastFanout.Observe(float64(fanout))
}
