package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/harun/chatgate/pkg/session"
)

// Machine-readable error reasons.
const (
	reasonNotFound          = "not_found"
	reasonInvalidWebhook    = "invalid_webhook"
	reasonInvalidPayload    = "invalid_payload"
	reasonSessionNotReady   = "session_not_ready"
	reasonAdapterInitFailed = "adapter_init_failed"
	reasonQRUnavailable     = "qr_unavailable"
	reasonUnauthorized      = "unauthorized"
	reasonRateLimited       = "rate_limited"
	reasonShuttingDown      = "shutting_down"
	reasonInternal          = "internal"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, ErrorResponse{Error: reason, Message: message})
}

// statusForError maps session errors onto HTTP status and reason.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, reasonNotFound
	case errors.Is(err, session.ErrInvalidWebhook):
		return http.StatusBadRequest, reasonInvalidWebhook
	case errors.Is(err, session.ErrSessionNotReady):
		return http.StatusConflict, reasonSessionNotReady
	case errors.Is(err, session.ErrAdapterInit):
		return http.StatusInternalServerError, reasonAdapterInitFailed
	default:
		return http.StatusInternalServerError, reasonInternal
	}
}

func writeSessionError(w http.ResponseWriter, err error) {
	status, reason := statusForError(err)
	msg := err.Error()
	if reason == reasonInternal {
		msg = "internal server error"
	}
	writeError(w, status, reason, msg)
}
