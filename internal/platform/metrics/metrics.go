package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	TokensIssued    prometheus.Counter
	TokensVerified  *prometheus.CounterVec
	AuthFailures    prometheus.Counter
	ActiveSessions  prometheus.Gauge
	SessionsRotated prometheus.Counter
	ReuseDetected   prometheus.Counter
	Lockouts        prometheus.Counter
	KeyRotations    prometheus.Counter
	KeysRevoked     prometheus.Counter

	WebhookDeliveries *prometheus.CounterVec
	WebhookLatency    prometheus.Histogram
	WebhookQueueDepth prometheus.Gauge

	AuditEntries     prometheus.Counter
	AuditWriteErrors prometheus.Counter

	EndpointLatency *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics
func New() *Metrics {
	return &Metrics{
		TokensIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clavis_tokens_issued_total",
			Help: "Total number of access tokens issued",
		}),
		TokensVerified: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clavis_tokens_verified_total",
			Help: "Total number of token verifications, labeled by result",
		}, []string{"result"}),
		AuthFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clavis_auth_failures_total",
			Help: "Total number of authentication failures",
		}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clavis_active_sessions",
			Help: "Current number of active sessions",
		}),
		SessionsRotated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clavis_sessions_rotated_total",
			Help: "Total number of successful refresh token rotations",
		}),
		ReuseDetected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clavis_session_reuse_detected_total",
			Help: "Total number of refresh token reuse (theft) signals",
		}),
		Lockouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clavis_account_lockouts_total",
			Help: "Total number of login lockouts triggered",
		}),
		KeyRotations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clavis_key_rotations_total",
			Help: "Total number of signing key rotations",
		}),
		KeysRevoked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clavis_keys_revoked_total",
			Help: "Total number of signing keys revoked",
		}),
		WebhookDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clavis_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts, labeled by outcome",
		}, []string{"outcome"}),
		WebhookLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clavis_webhook_delivery_seconds",
			Help:    "Latency of webhook delivery attempts in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		WebhookQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clavis_webhook_queue_depth",
			Help: "Number of webhook deliveries waiting for an attempt",
		}),
		AuditEntries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clavis_audit_entries_total",
			Help: "Total number of audit entries recorded",
		}),
		AuditWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clavis_audit_write_errors_total",
			Help: "Total number of audit writes that needed the retry path",
		}),
		EndpointLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clavis_endpoint_latency_seconds",
			Help:    "Latency of endpoints in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}

func (m *Metrics) IncrementTokensIssued() {
	m.TokensIssued.Inc()
}

func (m *Metrics) IncrementTokensVerified(result string) {
	m.TokensVerified.WithLabelValues(result).Inc()
}

func (m *Metrics) IncrementAuthFailures() {
	m.AuthFailures.Inc()
}

func (m *Metrics) IncrementActiveSessions(count int) {
	m.ActiveSessions.Add(float64(count))
}

func (m *Metrics) DecrementActiveSessions(count int) {
	m.ActiveSessions.Sub(float64(count))
}

func (m *Metrics) IncrementSessionsRotated() {
	m.SessionsRotated.Inc()
}

func (m *Metrics) IncrementReuseDetected() {
	m.ReuseDetected.Inc()
}

func (m *Metrics) IncrementLockouts() {
	m.Lockouts.Inc()
}

func (m *Metrics) IncrementKeyRotations() {
	m.KeyRotations.Inc()
}

func (m *Metrics) IncrementKeysRevoked() {
	m.KeysRevoked.Inc()
}

func (m *Metrics) IncrementWebhookDeliveries(outcome string) {
	m.WebhookDeliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveWebhookLatency(seconds float64) {
	m.WebhookLatency.Observe(seconds)
}

func (m *Metrics) SetWebhookQueueDepth(depth int64) {
	m.WebhookQueueDepth.Set(float64(depth))
}

func (m *Metrics) IncrementAuditEntries() {
	m.AuditEntries.Inc()
}

func (m *Metrics) IncrementAuditWriteErrors() {
	m.AuditWriteErrors.Inc()
}

// ObserveEndpointLatency records the latency for a given endpoint
func (m *Metrics) ObserveEndpointLatency(endpoint string, durationSeconds float64) {
	m.EndpointLatency.WithLabelValues(endpoint).Observe(durationSeconds)
}
