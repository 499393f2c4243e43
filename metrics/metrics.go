// Package metrics exposes Prometheus instruments for token, session and MFA activity.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "warden"

// Metrics groups every instrument the services record
type Metrics struct {
	TokensIssued      *prometheus.CounterVec
	Rotations         *prometheus.CounterVec
	ReuseDetections   prometheus.Counter
	BlacklistHits     prometheus.Counter
	BlacklistAdds     *prometheus.CounterVec
	SessionsCreated   prometheus.Counter
	SessionsEvicted   prometheus.Counter
	SessionsExpired   prometheus.Counter
	MFAVerifications  *prometheus.CounterVec
	RiskScore         prometheus.Histogram
	ValidationsFailed *prometheus.CounterVec
}

// New creates the instruments and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tokens_issued_total", Help: "Tokens minted, by kind.",
		}, []string{"kind"}),
		Rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "refresh_rotations_total", Help: "Refresh exchanges, by outcome.",
		}, []string{"outcome"}),
		ReuseDetections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "refresh_reuse_detected_total", Help: "Consumed refresh tokens presented again.",
		}),
		BlacklistHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "blacklist_hits_total", Help: "Tokens rejected because they were blacklisted.",
		}),
		BlacklistAdds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "blacklist_additions_total", Help: "Token ids blacklisted, by reason.",
		}, []string{"reason"}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_created_total", Help: "Sessions opened.",
		}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_evicted_total", Help: "Sessions evicted by the per-user cap.",
		}),
		SessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_expired_total", Help: "Sessions removed for idleness or age.",
		}),
		MFAVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "mfa_verifications_total", Help: "MFA challenge verifications, by method and result.",
		}, []string{"method", "result"}),
		RiskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "session_risk_score", Help: "Risk score computed on session validation.",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		}),
		ValidationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "token_validation_failures_total", Help: "Rejected access tokens, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.TokensIssued, m.Rotations, m.ReuseDetections, m.BlacklistHits, m.BlacklistAdds,
			m.SessionsCreated, m.SessionsEvicted, m.SessionsExpired, m.MFAVerifications,
			m.RiskScore, m.ValidationsFailed,
		)
	}
	return m
}

func (m *Metrics) TokenIssued(kind string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(kind).Inc()
}

func (m *Metrics) Rotation(outcome string) {
	if m == nil {
		return
	}
	m.Rotations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReuseDetected() {
	if m == nil {
		return
	}
	m.ReuseDetections.Inc()
}

func (m *Metrics) BlacklistHit() {
	if m == nil {
		return
	}
	m.BlacklistHits.Inc()
}

func (m *Metrics) Blacklisted(reason string) {
	if m == nil {
		return
	}
	m.BlacklistAdds.WithLabelValues(reason).Inc()
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) SessionEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsEvicted.Add(float64(n))
}

func (m *Metrics) SessionExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsExpired.Add(float64(n))
}

func (m *Metrics) MFAVerification(method string, ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.MFAVerifications.WithLabelValues(method, result).Inc()
}

func (m *Metrics) ObserveRisk(score float64) {
	if m == nil {
		return
	}
	m.RiskScore.Observe(score)
}

func (m *Metrics) ValidationFailed(reason string) {
	if m == nil {
		return
	}
	m.ValidationsFailed.WithLabelValues(reason).Inc()
}
