package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/doorman/internal/uuid"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess       AuditEvent = "login_success"
	AuditLoginFailure       AuditEvent = "login_failure"
	AuditLoginRateLimited   AuditEvent = "login_rate_limited"
	AuditLogout             AuditEvent = "logout"
	AuditSessionRenewed     AuditEvent = "session_renewed"
	AuditSessionExpired     AuditEvent = "session_expired"
	AuditSessionsRevoked    AuditEvent = "sessions_revoked"
	AuditTokenRefreshed     AuditEvent = "token_refreshed"
	AuditTokenRefreshFailed AuditEvent = "token_refresh_failed"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger   *slog.Logger
	metrics  *metricsCollector
	counters *authMetrics
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// emit writes one audit entry. Every entry carries a fresh event_id so
// downstream collectors can deduplicate.
func (al *auditLogger) emit(ctx context.Context, event AuditEvent, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("event_id", uuid.New()),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.counters != nil {
		al.counters.auditEvents.WithLabelValues(string(event)).Inc()
	}
}

// log writes a structured audit log entry for an HTTP request.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	al.emit(r.Context(), event, append([]slog.Attr{slog.String("remote_addr", r.RemoteAddr)}, attrs...)...)
}

// logEvent is a convenience for events about a known user. The user ID is
// the provider's public identifier, never a token.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("user_id", userID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a failed authentication attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// observeRefresh records the outcome of a provider token refresh. It runs
// outside any HTTP request, so there is no remote address.
func (a *API) observeRefresh(ctx context.Context, userID string, err error) {
	if err != nil {
		a.metrics.tokenRefreshes.WithLabelValues("failure").Inc()
		a.audit.emit(ctx, AuditTokenRefreshFailed,
			slog.String("user_id", userID),
			slog.String("reason", err.Error()))
		return
	}
	a.metrics.tokenRefreshes.WithLabelValues("success").Inc()
	a.audit.emit(ctx, AuditTokenRefreshed, slog.String("user_id", userID))
}
