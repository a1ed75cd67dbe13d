package api

import (
	"log/slog"
	"net/http"

	"github.com/jmcleod/doorman/identity"
	"github.com/jmcleod/doorman/session"
)

func meResponse(res session.Result) MeResponse {
	return MeResponse{
		ID:               res.User.ID,
		Username:         res.User.Username,
		Avatar:           res.User.Avatar,
		Nickname:         res.User.Nickname,
		SessionExpiresAt: res.Session.ExpiresAt,
	}
}

// Me handles GET /me.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, meResponse(ResultFromContext(r.Context())))
}

// Connections handles GET /me/connections.
func (a *API) Connections(w http.ResponseWriter, r *http.Request) {
	res := ResultFromContext(r.Context())
	conns, err := a.broker.Connections(r.Context(), res.User.ID)
	if err != nil {
		mapError(w, err)
		return
	}
	if conns == nil {
		conns = []identity.Connection{}
	}
	writeJSON(w, http.StatusOK, ConnectionsResponse{Connections: conns})
}

// RevokeSessions handles POST /sessions/revoke: every session of the
// current user, including this one, is deleted.
func (a *API) RevokeSessions(w http.ResponseWriter, r *http.Request) {
	res := ResultFromContext(r.Context())
	n, err := a.sessions.InvalidateUser(r.Context(), res.User.ID)
	if err != nil {
		mapError(w, err)
		return
	}
	clearSessionCookie(w, r)
	a.audit.logEvent(AuditSessionsRevoked, r, res.User.ID, slog.Int("count", n))
	writeJSON(w, http.StatusOK, RevokeSessionsResponse{Revoked: n})
}
