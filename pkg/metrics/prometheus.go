package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call service
type Metrics struct {
	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Call Metrics
	callsInitiatedTotal *prometheus.CounterVec
	callsEndedTotal     *prometheus.CounterVec
	callsActive         prometheus.Gauge
	callDuration        prometheus.Histogram

	// Signaling Metrics
	signalingWritesTotal   *prometheus.CounterVec
	candidatesDroppedTotal prometheus.Counter

	// Rate Limiting Metrics
	rateLimitBlockedTotal prometheus.Counter

	// Push Notification Metrics
	pushNotificationsTotal  *prometheus.CounterVec
	pushNotificationsFailed *prometheus.CounterVec

	// WebSocket Metrics
	websocketConnections prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),
		callsInitiatedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_initiated_total",
				Help:        "Total number of call records created",
				ConstLabels: labels,
			},
			[]string{"call_type"},
		),
		callsEndedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_ended_total",
				Help:        "Total number of calls reaching a terminal status",
				ConstLabels: labels,
			},
			[]string{"status"},
		),
		callsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of calls currently not in a terminal status",
				ConstLabels: labels,
			},
		),
		callDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Connected duration of ended calls in seconds",
				ConstLabels: labels,
				Buckets:     []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),
		signalingWritesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_writes_total",
				Help:        "Total number of signaling channel writes",
				ConstLabels: labels,
			},
			[]string{"operation", "status"},
		),
		candidatesDroppedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name:        "ice_candidates_dropped_total",
				Help:        "Total number of malformed ICE candidates dropped",
				ConstLabels: labels,
			},
		),
		rateLimitBlockedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name:        "call_rate_limit_blocked_total",
				Help:        "Total number of call attempts blocked by the rate limiter",
				ConstLabels: labels,
			},
		),
		pushNotificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Total number of push notifications sent",
				ConstLabels: labels,
			},
			[]string{"provider"},
		),
		pushNotificationsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_failed_total",
				Help:        "Total number of push notification send failures",
				ConstLabels: labels,
			},
			[]string{"provider"},
		),
		websocketConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active WebSocket event-feed connections",
				ConstLabels: labels,
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request outcome
func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncHTTPInFlight increments the in-flight request gauge
func (m *Metrics) IncHTTPInFlight() { m.httpRequestsInFlight.Inc() }

// DecHTTPInFlight decrements the in-flight request gauge
func (m *Metrics) DecHTTPInFlight() { m.httpRequestsInFlight.Dec() }

// RecordCallInitiated records a created call record
func (m *Metrics) RecordCallInitiated(callType string) {
	m.callsInitiatedTotal.WithLabelValues(callType).Inc()
	m.callsActive.Inc()
}

// RecordCallEnded records a call reaching a terminal status
func (m *Metrics) RecordCallEnded(status string, duration time.Duration) {
	m.callsEndedTotal.WithLabelValues(status).Inc()
	m.callsActive.Dec()
	if duration > 0 {
		m.callDuration.Observe(duration.Seconds())
	}
}

// RecordSignalingWrite records one signaling channel write attempt
func (m *Metrics) RecordSignalingWrite(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.signalingWritesTotal.WithLabelValues(operation, status).Inc()
}

// RecordCandidateDropped records a malformed candidate that was discarded
func (m *Metrics) RecordCandidateDropped() { m.candidatesDroppedTotal.Inc() }

// RecordRateLimitBlocked records a throttled call attempt
func (m *Metrics) RecordRateLimitBlocked() { m.rateLimitBlockedTotal.Inc() }

// RecordPushNotification records a push notification send outcome
func (m *Metrics) RecordPushNotification(provider string, err error) {
	if err != nil {
		m.pushNotificationsFailed.WithLabelValues(provider).Inc()
		return
	}
	m.pushNotificationsTotal.WithLabelValues(provider).Inc()
}

// IncWebSocketConnections increments the event-feed connection gauge
func (m *Metrics) IncWebSocketConnections() { m.websocketConnections.Inc() }

// DecWebSocketConnections decrements the event-feed connection gauge
func (m *Metrics) DecWebSocketConnections() { m.websocketConnections.Dec() }
