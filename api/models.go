package api

import (
	"time"

	"github.com/jmcleod/doorman/identity"
)

// MeResponse is returned from GET / and GET /api/v1/me.
type MeResponse struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	Avatar           string    `json:"avatar,omitempty"`
	Nickname         string    `json:"nickname,omitempty"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
}

// ConnectionsResponse is returned from GET /api/v1/me/connections.
type ConnectionsResponse struct {
	Connections []identity.Connection `json:"connections"`
}

// RevokeSessionsResponse is returned from POST /api/v1/sessions/revoke.
type RevokeSessionsResponse struct {
	Revoked int `json:"revoked"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
