package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jmcleod/doorman/session"
)

// authMetrics are the gate's Prometheus collectors.
type authMetrics struct {
	logins         *prometheus.CounterVec
	validations    *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	auditEvents    *prometheus.CounterVec
	rateLimited    prometheus.Counter
}

func newAuthMetrics(reg prometheus.Registerer) *authMetrics {
	factory := promauto.With(reg)
	return &authMetrics{
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "doorman",
			Name:      "logins_total",
			Help:      "Completed login handshakes by result.",
		}, []string{"result"}),
		validations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "doorman",
			Name:      "session_validations_total",
			Help:      "Session cookie validations by outcome.",
		}, []string{"status"}),
		tokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "doorman",
			Name:      "token_refreshes_total",
			Help:      "Provider access token refreshes by result.",
		}, []string{"result"}),
		auditEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "doorman",
			Name:      "audit_events_total",
			Help:      "Audit events emitted by type.",
		}, []string{"event"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "doorman",
			Name:      "login_rate_limited_total",
			Help:      "Login callbacks rejected by the per-IP limiter.",
		}),
	}
}

func (m *authMetrics) observeValidation(res session.Result) {
	status := res.Status.String()
	switch res.Reason {
	case session.ErrSessionExpired:
		status = "expired"
	case session.ErrSessionNotFound:
		status = "not_found"
	}
	m.validations.WithLabelValues(status).Inc()
}
