package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
// Every instance owns its registry so several can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Signaling Metrics
	signalingOpsTotal      *prometheus.CounterVec
	signalingErrorsTotal   *prometheus.CounterVec
	signalingSubscriptions prometheus.Gauge
	signalingWillsFired    prometheus.Counter

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec

	// Call Metrics
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callsDuration    *prometheus.HistogramVec
	callsFailedTotal *prometheus.CounterVec

	// Chat Metrics
	messagesSentTotal  prometheus.Counter
	messagesReadTotal  prometheus.Counter
	typingUpdatesTotal *prometheus.CounterVec

	// Presence Metrics
	presenceTransitions *prometheus.CounterVec

	// Push Notification Metrics
	pushNotificationsTotal  *prometheus.CounterVec
	pushNotificationsFailed *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		signalingOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_operations_total",
				Help:        "Total number of signaling channel operations",
				ConstLabels: labels,
			},
			[]string{"op"},
		),
		signalingErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_errors_total",
				Help:        "Total number of failed signaling channel operations",
				ConstLabels: labels,
			},
			[]string{"op", "code"},
		),
		signalingSubscriptions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "signaling_subscriptions_active",
				Help:        "Number of open signaling subscriptions",
				ConstLabels: labels,
			},
		),
		signalingWillsFired: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "signaling_disconnect_wills_fired_total",
				Help:        "Total number of disconnect writes applied for lost connections",
				ConstLabels: labels,
			},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active event WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket frames",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),

		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of call lifecycle transitions",
				ConstLabels: labels,
			},
			[]string{"call_type", "status"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "call_sessions_active",
				Help:        "Number of call sessions currently holding a peer connection",
				ConstLabels: labels,
			},
		),
		callsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Answered call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"call_type"},
		),
		callsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Total number of calls that failed before connecting",
				ConstLabels: labels,
			},
			[]string{"call_type", "reason"},
		),

		messagesSentTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "messages_sent_total",
				Help:        "Total number of chat messages sent",
				ConstLabels: labels,
			},
		),
		messagesReadTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "messages_read_total",
				Help:        "Total number of chat messages marked read",
				ConstLabels: labels,
			},
		),
		typingUpdatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "typing_updates_total",
				Help:        "Total number of typing flag writes",
				ConstLabels: labels,
			},
			[]string{"active"},
		),

		presenceTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "presence_transitions_total",
				Help:        "Total number of presence writes",
				ConstLabels: labels,
			},
			[]string{"state"},
		),

		pushNotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Total number of push notifications sent",
				ConstLabels: labels,
			},
			[]string{"type", "platform"},
		),
		pushNotificationsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_failed_total",
				Help:        "Total number of failed push notifications",
				ConstLabels: labels,
			},
			[]string{"type", "platform", "reason"},
		),
	}

	return m
}

// GetRegistry returns the registry backing this instance
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) IncrementHTTPRequestsInFlight() { m.httpRequestsInFlight.Inc() }
func (m *Metrics) DecrementHTTPRequestsInFlight() { m.httpRequestsInFlight.Dec() }

// Signaling Metrics Methods

// RecordSignalingOp records a signaling operation and, when it failed, its error code
func (m *Metrics) RecordSignalingOp(op string, errCode string) {
	m.signalingOpsTotal.WithLabelValues(op).Inc()
	if errCode != "" {
		m.signalingErrorsTotal.WithLabelValues(op, errCode).Inc()
	}
}

func (m *Metrics) SubscriptionOpened() { m.signalingSubscriptions.Inc() }
func (m *Metrics) SubscriptionClosed() { m.signalingSubscriptions.Dec() }

// RecordWillsFired records disconnect writes applied by the reaper
func (m *Metrics) RecordWillsFired(n int) {
	m.signalingWillsFired.Add(float64(n))
}

// WebSocket Metrics Methods

// SetWebSocketConnections sets the number of active WebSocket connections
func (m *Metrics) SetWebSocketConnections(count int) {
	m.websocketConnections.Set(float64(count))
}

// RecordWebSocketMessage records a WebSocket frame
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// Call Metrics Methods

// RecordCall records a call lifecycle transition
func (m *Metrics) RecordCall(callType, status string) {
	m.callsTotal.WithLabelValues(callType, status).Inc()
}

func (m *Metrics) SessionStarted() { m.callsActive.Inc() }
func (m *Metrics) SessionEnded()   { m.callsActive.Dec() }

// RecordCallDuration records the duration of an answered call
func (m *Metrics) RecordCallDuration(callType string, duration time.Duration) {
	m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
}

// RecordCallFailure records a failed call
func (m *Metrics) RecordCallFailure(callType, reason string) {
	m.callsFailedTotal.WithLabelValues(callType, reason).Inc()
}

// Chat Metrics Methods

func (m *Metrics) RecordMessageSent() { m.messagesSentTotal.Inc() }

// RecordMessagesRead records messages marked read by a single markRead batch
func (m *Metrics) RecordMessagesRead(n int) {
	m.messagesReadTotal.Add(float64(n))
}

func (m *Metrics) RecordTyping(active bool) {
	m.typingUpdatesTotal.WithLabelValues(strconv.FormatBool(active)).Inc()
}

// Presence Metrics Methods

func (m *Metrics) RecordPresence(state string) {
	m.presenceTransitions.WithLabelValues(state).Inc()
}

// Push Notification Metrics Methods

// RecordPushNotification records a push notification
func (m *Metrics) RecordPushNotification(notifType, platform string) {
	m.pushNotificationsTotal.WithLabelValues(notifType, platform).Inc()
}

// RecordPushNotificationFailure records a failed push notification
func (m *Metrics) RecordPushNotificationFailure(notifType, platform, reason string) {
	m.pushNotificationsFailed.WithLabelValues(notifType, platform, reason).Inc()
}
