package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/harun/chatgate/internal/observability"
	"github.com/harun/chatgate/internal/tracing"
	"github.com/harun/chatgate/pkg/adapter"
	"github.com/harun/chatgate/pkg/session"
)

type sessionSummary struct {
	ID           string         `json:"id"`
	Status       session.Status `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	WebhookCount int            `json:"webhookCount"`
}

type sessionDetail struct {
	ID        string            `json:"id"`
	Status    session.Status    `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	Webhooks  []session.Webhook `json:"webhooks"`
	Reason    string            `json:"reason,omitempty"`
	QR        string            `json:"qr,omitempty"`
	QRImage   string            `json:"qrImage,omitempty"`
}

type addWebhookRequest struct {
	URL        string   `json:"url"`
	EventTypes []string `json:"eventTypes"`
}

type sendMessageRequest struct {
	Target string         `json:"target"`
	Text   string         `json:"text"`
	Media  *adapter.Media `json:"media"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Seconds(),
		"sessions":  len(s.sessions.ListSessions()),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := s.sessions.CreateSession(ctx)
	if err != nil {
		status, reason := statusForError(err)
		s.audit(r, "session.create", id, "failure")
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Error().Err(err).Str("session_id", id).Msg("Failed to create session")
		writeJSON(w, status, ErrorResponse{Error: reason, Message: err.Error(), SessionID: id})
		return
	}

	s.audit(r, "session.create", id, "success")
	sess, err := s.sessions.GetSession(id)
	if err != nil {
		writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id, "status": session.StatusInitializing})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id, "status": sess.Status})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.ListSessions()
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionSummary{
			ID:           sess.ID,
			Status:       sess.Status,
			CreatedAt:    sess.CreatedAt,
			WebhookCount: len(sess.Webhooks),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}

	detail := sessionDetail{
		ID:        sess.ID,
		Status:    sess.Status,
		CreatedAt: sess.CreatedAt,
		Webhooks:  sess.Webhooks,
		Reason:    sess.Reason,
	}
	if sess.Status == session.StatusQRReady && sess.PairingCode != "" {
		detail.QR = sess.PairingCode
		if img, err := qrDataURL(sess.PairingCode); err == nil {
			detail.QRImage = img
		} else {
			s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to render pairing code")
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.DeleteSession(r.Context(), id); err != nil {
		s.audit(r, "session.delete", id, "failure")
		writeSessionError(w, err)
		return
	}
	if s.stats != nil {
		s.stats.Forget(id, "")
	}
	s.audit(r, "session.delete", id, "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if sess.Status != session.StatusQRReady || sess.PairingCode == "" {
		writeError(w, http.StatusNotFound, reasonQRUnavailable, "session has no pairing code (status "+string(sess.Status)+")")
		return
	}

	png, err := renderQR(sess.PairingCode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, reasonInternal, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.GetSession(id); err != nil {
		writeSessionError(w, err)
		return
	}

	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if err := validateBody(messageSchema, raw); err != nil {
		writeError(w, http.StatusBadRequest, reasonInvalidPayload, err.Error())
		return
	}
	var req sendMessageRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, reasonInvalidPayload, err.Error())
		return
	}

	ref, err := s.sessions.Send(r.Context(), id, req.Target, adapter.Payload{Text: req.Text, Media: req.Media})
	if err != nil {
		status, _ := statusForError(err)
		if status == http.StatusInternalServerError {
			logger := tracing.LoggerFromContext(r.Context(), s.logger)
			logger.Error().Err(err).Str("session_id", id).Msg("Outbound send failed")
		}
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (s *Server) handleAddWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.GetSession(id); err != nil {
		writeSessionError(w, err)
		return
	}

	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if err := validateBody(webhookSchema, raw); err != nil {
		writeError(w, http.StatusBadRequest, reasonInvalidPayload, err.Error())
		return
	}
	var req addWebhookRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, reasonInvalidPayload, err.Error())
		return
	}

	hook, err := s.sessions.AddWebhook(r.Context(), id, req.URL, req.EventTypes)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	s.auditWebhook(r, "webhook.add", id, hook.ID)
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.sessions.ListWebhooks(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hooks)
}

func (s *Server) handleRemoveWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	webhookID := r.PathValue("webhookId")
	if err := s.sessions.RemoveWebhook(r.Context(), id, webhookID); err != nil {
		writeSessionError(w, err)
		return
	}
	if s.stats != nil {
		s.stats.Forget(id, webhookID)
	}
	s.auditWebhook(r, "webhook.remove", id, webhookID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.GetSession(id); err != nil {
		writeSessionError(w, err)
		return
	}
	if s.stats == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.stats.Stats(id))
}

// readBody reads the request body within the configured limit, writing a 400 on failure.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.options.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, reasonInvalidPayload, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, reasonInvalidPayload, "failed to read request body")
		return nil, false
	}
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, reasonInvalidPayload, "request body is required")
		return nil, false
	}
	return raw, true
}

func (s *Server) audit(r *http.Request, action, sessionID, status string) {
	observability.RecordSessionAudit(r.Context(), action, principalFrom(r.Context()), sessionID, status, nil)
}

func (s *Server) auditWebhook(r *http.Request, action, sessionID, webhookID string) {
	observability.RecordSessionAudit(r.Context(), action, principalFrom(r.Context()), sessionID, "success",
		map[string]interface{}{"webhook_id": webhookID})
}
