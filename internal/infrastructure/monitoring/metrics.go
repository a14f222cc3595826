package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Bridge metrics
	BridgeMessages     *prometheus.CounterVec
	BridgeSendDuration *prometheus.HistogramVec
	BridgeRetries      prometheus.Counter
	BridgeFailures     *prometheus.CounterVec
	SecurityViolations *prometheus.CounterVec

	// Access metrics
	PermissionChecks *prometheus.CounterVec

	// Sync metrics
	SyncQueueDepth    prometheus.Gauge
	SyncOperations    *prometheus.CounterVec
	SyncConflicts     *prometheus.CounterVec
	SyncFlushDuration prometheus.Histogram
	SyncOffline       prometheus.Gauge
	SyncEvicted       prometheus.Counter

	// Frame metrics
	FrameTransitions *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
}

// NewMetrics creates a metrics collector registered on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		BridgeMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_messages_total",
				Help: "Messages crossing the trust boundary",
			},
			[]string{"direction", "type"},
		),
		BridgeSendDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_send_duration_seconds",
				Help:    "Time from send to correlated response",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"type"},
		),
		BridgeRetries: f.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_send_retries_total",
				Help: "Sends re-transmitted after a timeout",
			},
		),
		BridgeFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_send_failures_total",
				Help: "Sends rejected by kind",
			},
			[]string{"kind"},
		),
		SecurityViolations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_security_violations_total",
				Help: "Inbound messages dropped at the trust boundary",
			},
			[]string{"reason"},
		),

		PermissionChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_permission_checks_total",
				Help: "Permission checks by result",
			},
			[]string{"result"},
		),

		SyncQueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "sync_queue_depth",
				Help: "Unacknowledged operations held by the sync manager",
			},
		),
		SyncOperations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_operations_total",
				Help: "Operations reaching a terminal state",
			},
			[]string{"outcome"},
		),
		SyncConflicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_conflicts_total",
				Help: "Conflicts detected by policy",
			},
			[]string{"policy"},
		),
		SyncFlushDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sync_flush_duration_seconds",
				Help:    "Duration of one batch round trip",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		SyncOffline: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "sync_offline",
				Help: "1 while the sync manager is in offline mode",
			},
		),
		SyncEvicted: f.NewCounter(
			prometheus.CounterOpts{
				Name: "sync_evicted_operations_total",
				Help: "Operations dropped because the queue was full",
			},
		),

		FrameTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frame_state_transitions_total",
				Help: "Embedded frame lifecycle transitions",
			},
			[]string{"to"},
		),

		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_ws_connections",
				Help: "Number of connected frame WebSockets",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordMessage records a message crossing the boundary
func (m *Metrics) RecordMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.BridgeMessages.WithLabelValues(direction, msgType).Inc()
}

// RecordSend records a correlated send
func (m *Metrics) RecordSend(msgType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.BridgeSendDuration.WithLabelValues(msgType).Observe(duration.Seconds())
}

// IncRetries counts a re-transmitted send
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.BridgeRetries.Inc()
}

// RecordSendFailure counts a rejected send
func (m *Metrics) RecordSendFailure(kind string) {
	if m == nil {
		return
	}
	m.BridgeFailures.WithLabelValues(kind).Inc()
}

// RecordViolation counts a dropped inbound message
func (m *Metrics) RecordViolation(reason string) {
	if m == nil {
		return
	}
	m.SecurityViolations.WithLabelValues(reason).Inc()
}

// RecordPermissionCheck counts a capability decision
func (m *Metrics) RecordPermissionCheck(allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.PermissionChecks.WithLabelValues(result).Inc()
}

// SetQueueDepth sets the number of unacknowledged operations
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.SyncQueueDepth.Set(float64(n))
}

// RecordOperation counts an operation reaching a terminal state
func (m *Metrics) RecordOperation(outcome string) {
	if m == nil {
		return
	}
	m.SyncOperations.WithLabelValues(outcome).Inc()
}

// RecordConflict counts a detected conflict
func (m *Metrics) RecordConflict(policy string) {
	if m == nil {
		return
	}
	m.SyncConflicts.WithLabelValues(policy).Inc()
}

// RecordFlush records one batch round trip
func (m *Metrics) RecordFlush(duration time.Duration) {
	if m == nil {
		return
	}
	m.SyncFlushDuration.Observe(duration.Seconds())
}

// SetOffline flags offline mode
func (m *Metrics) SetOffline(offline bool) {
	if m == nil {
		return
	}
	if offline {
		m.SyncOffline.Set(1)
	} else {
		m.SyncOffline.Set(0)
	}
}

// IncEvicted counts an operation dropped on overflow
func (m *Metrics) IncEvicted() {
	if m == nil {
		return
	}
	m.SyncEvicted.Inc()
}

// RecordFrameTransition counts a frame lifecycle transition
func (m *Metrics) RecordFrameTransition(to string) {
	if m == nil {
		return
	}
	m.FrameTransitions.WithLabelValues(to).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}
