package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/harun/chatgate/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// ValidateWebhook checks that rawURL is an absolute http(s) URL and that eventTypes is a
// non-empty subset of the known event types. Repeated types are collapsed.
func ValidateWebhook(rawURL string, eventTypes []string) ([]EventType, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed url: %v", ErrInvalidWebhook, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: url must be absolute", ErrInvalidWebhook)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported url scheme %q", ErrInvalidWebhook, u.Scheme)
	}

	if len(eventTypes) == 0 {
		return nil, fmt.Errorf("%w: eventTypes must not be empty", ErrInvalidWebhook)
	}
	seen := make(map[EventType]bool, len(eventTypes))
	types := make([]EventType, 0, len(eventTypes))
	for _, raw := range eventTypes {
		et, ok := ParseEventType(raw)
		if !ok {
			return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidWebhook, raw)
		}
		if seen[et] {
			continue
		}
		seen[et] = true
		types = append(types, et)
	}
	return types, nil
}

// AddWebhook appends a subscription to the session and persists it.
// Identical subscriptions are allowed; each gets its own id and delivery.
func (m *Manager) AddWebhook(ctx context.Context, sessionID, rawURL string, eventTypes []string) (Webhook, error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "webhook.add",
		attribute.String("session_id", sessionID))
	defer span.End()

	e, err := m.lookup(sessionID)
	if err != nil {
		return Webhook{}, err
	}

	types, err := ValidateWebhook(rawURL, eventTypes)
	if err != nil {
		return Webhook{}, err
	}

	hook := Webhook{
		ID:         uuid.New().String(),
		URL:        strings.TrimSpace(rawURL),
		EventTypes: types,
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return Webhook{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	e.webhooks = append(e.webhooks, hook)
	e.mu.Unlock()

	m.persist(ctx)
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().
		Str("webhook_id", hook.ID).
		Str("url", hook.URL).
		Msg("Webhook added")

	return hook.clone(), nil
}

// ListWebhooks returns the session's subscriptions in registration order.
func (m *Manager) ListWebhooks(sessionID string) ([]Webhook, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Webhook, len(e.webhooks))
	for i, w := range e.webhooks {
		out[i] = w.clone()
	}
	return out, nil
}

// RemoveWebhook deletes one subscription. Unknown session or webhook id yields ErrNotFound.
func (m *Manager) RemoveWebhook(ctx context.Context, sessionID, webhookID string) error {
	ctx = tracing.WithWebhookID(tracing.WithSessionID(ctx, sessionID), webhookID)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "webhook.remove",
		attribute.String("session_id", sessionID),
		attribute.String("webhook_id", webhookID))
	defer span.End()

	e, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	idx := -1
	for i, w := range e.webhooks {
		if w.ID == webhookID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("webhook %s in session %s: %w", webhookID, sessionID, ErrNotFound)
	}
	e.webhooks = append(e.webhooks[:idx:idx], e.webhooks[idx+1:]...)
	e.mu.Unlock()

	m.persist(ctx)
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().Msg("Webhook removed")
	return nil
}
