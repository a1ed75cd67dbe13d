package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/doorman/identity"
	"github.com/jmcleod/doorman/token"
)

// LoginDiscord handles GET /login/discord. It issues a state nonce, keeps
// it in a short-lived cookie and redirects to the provider.
func (a *API) LoginDiscord(w http.ResponseWriter, r *http.Request) {
	state, err := token.GenerateState()
	if err != nil {
		mapError(w, err)
		return
	}
	writeStateCookie(w, r, state)
	http.Redirect(w, r, a.broker.AuthCodeURL(state), http.StatusFound)
}

// DiscordCallback handles GET /login/discord/callback.
//
// Handshake failures answer in plain text; the user has to start over
// from /login/discord.
func (a *API) DiscordCallback(w http.ResponseWriter, r *http.Request) {
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.ipLimiter.check(clientIP); blocked {
		a.metrics.rateLimited.Inc()
		a.audit.logFailure(AuditLoginRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter)
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	var stored string
	if c, err := r.Cookie(stateCookieName); err == nil {
		stored = c.Value
	}
	// The nonce is single use whatever the outcome.
	clearStateCookie(w, r)

	if err := identity.CheckState(code, state, stored); err != nil {
		a.loginFailed(w, r, clientIP, err)
		return
	}

	login, err := a.broker.Complete(r.Context(), code)
	if err != nil {
		a.loginFailed(w, r, clientIP, err)
		return
	}

	a.ipLimiter.recordSuccess(clientIP)
	a.metrics.logins.WithLabelValues("success").Inc()
	a.audit.logEvent(AuditLoginSuccess, r, login.User.ID,
		slog.Bool("created", login.Created))
	writeSessionCookie(w, r, login.RawToken, login.Session.ExpiresAt)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (a *API) loginFailed(w http.ResponseWriter, r *http.Request, clientIP string, err error) {
	status := statusFor(err)
	// Storage trouble on our side is not the client's fault.
	if status != http.StatusInternalServerError {
		a.ipLimiter.recordFailure(clientIP)
	}
	a.metrics.logins.WithLabelValues("failure").Inc()
	a.audit.logFailure(AuditLoginFailure, r, err.Error(),
		slog.String("client_ip", clientIP))

	var msg string
	switch {
	case errors.Is(err, identity.ErrMissingParameters):
		msg = "Missing parameters"
	case errors.Is(err, identity.ErrStateMismatch):
		msg = "State does not match"
	case errors.Is(err, identity.ErrExchangeFailure):
		msg = "Invalid authorization code"
	case errors.Is(err, identity.ErrProfileFetchFailure):
		msg = "Could not fetch profile from provider"
	default:
		msg = http.StatusText(status)
	}
	http.Error(w, msg, status)
}

// Logout handles GET /logout.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	res := ResultFromContext(r.Context())
	if !res.Authenticated() {
		writeError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	if err := a.sessions.Invalidate(r.Context(), res.Session.ID); err != nil {
		mapError(w, err)
		return
	}
	clearSessionCookie(w, r)
	a.audit.logEvent(AuditLogout, r, res.User.ID)
	http.Redirect(w, r, loginPath, http.StatusFound)
}

// Root handles GET /. Anonymous visitors are sent to the login flow.
func (a *API) Root(w http.ResponseWriter, r *http.Request) {
	res := ResultFromContext(r.Context())
	if !res.Authenticated() {
		http.Redirect(w, r, loginPath, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, meResponse(res))
}
