package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/doorman/session"
)

type contextKey int

const resultKey contextKey = iota

const (
	sessionCookieName = "auth-session"
	stateCookieName   = "discord_oauth_state"
	stateCookieMaxAge = 10 * 60
)

// Authenticate is the request authentication gate. It resolves the session
// cookie to a session.Result, stores it on the request context and keeps
// the cookie in step: valid sessions get their cookie re-issued with the
// current expiry, stale cookies are cleared. Requests without a cookie
// pass through as anonymous. A storage failure ends the request with 500.
func (a *API) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			ctx := contextWithResult(r.Context(), session.Result{Reason: session.ErrTokenAbsent})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		res, err := a.sessions.Validate(r.Context(), cookie.Value)
		if err != nil {
			a.audit.logger.LogAttrs(r.Context(), slog.LevelError, "session validation failed",
				slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "session storage unavailable")
			return
		}
		a.metrics.observeValidation(res)

		switch res.Status {
		case session.Anonymous:
			if errors.Is(res.Reason, session.ErrSessionExpired) {
				a.audit.log(AuditSessionExpired, r)
			}
			clearSessionCookie(w, r)
		case session.Renewed:
			a.audit.logEvent(AuditSessionRenewed, r, res.User.ID,
				slog.Time("expires_at", res.Session.ExpiresAt))
			writeSessionCookie(w, r, cookie.Value, res.Session.ExpiresAt)
		case session.Active:
			writeSessionCookie(w, r, cookie.Value, res.Session.ExpiresAt)
		}

		next.ServeHTTP(w, r.WithContext(contextWithResult(r.Context(), res)))
	})
}

// RequireSession rejects anonymous requests with 401.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ResultFromContext(r.Context()).Authenticated() {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func contextWithResult(ctx context.Context, res session.Result) context.Context {
	return context.WithValue(ctx, resultKey, res)
}

// ResultFromContext returns the gate's result for the request. Requests
// that did not pass through Authenticate are anonymous.
func ResultFromContext(ctx context.Context) session.Result {
	res, _ := ctx.Value(resultKey).(session.Result)
	return res
}

func writeSessionCookie(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time) {
	secure := requestIsSecure(r)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	clearCookie(w, r, sessionCookieName)
}

func writeStateCookie(w http.ResponseWriter, r *http.Request, state string) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   stateCookieMaxAge,
	})
}

func clearStateCookie(w http.ResponseWriter, r *http.Request) {
	clearCookie(w, r, stateCookieName)
}

func clearCookie(w http.ResponseWriter, r *http.Request, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
