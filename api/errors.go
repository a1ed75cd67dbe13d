package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/doorman/identity"
	"github.com/jmcleod/doorman/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, identity.ErrHandshake),
		errors.Is(err, identity.ErrExchangeFailure):
		return http.StatusBadRequest
	case errors.Is(err, identity.ErrProfileFetchFailure),
		errors.Is(err, identity.ErrRefreshFailure),
		errors.Is(err, identity.ErrConnectionsFailure):
		return http.StatusBadGateway
	case errors.Is(err, identity.ErrUserNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// mapError writes err as a JSON error. Internal errors are not echoed to
// the client.
func mapError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeError(w, status, msg)
}
