package session

import (
	"errors"
	"time"
)

// Status is a session's pairing/connection state.
type Status string

const (
	StatusInitializing  Status = "initializing"
	StatusQRReady       Status = "qr_ready"
	StatusAuthenticated Status = "authenticated"
	StatusReady         Status = "ready"
	StatusDisconnected  Status = "disconnected"
	StatusAuthFailure   Status = "auth_failure"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusInitializing,
	StatusQRReady,
	StatusAuthenticated,
	StatusReady,
	StatusDisconnected,
	StatusAuthFailure,
}

// EventType is the kind of event delivered to webhooks.
type EventType string

const (
	EventMessage    EventType = "message"
	EventMessageAck EventType = "message_ack"
	EventStatus     EventType = "status"
)

// ParseEventType validates a webhook event type name.
func ParseEventType(s string) (EventType, bool) {
	switch EventType(s) {
	case EventMessage, EventMessageAck, EventStatus:
		return EventType(s), true
	}
	return "", false
}

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidWebhook  = errors.New("invalid webhook")
	ErrSessionNotReady = errors.New("session not ready")
	ErrAdapterInit     = errors.New("adapter initialization failed")
)

// Webhook is an immutable subscription of a URL to a set of event types.
type Webhook struct {
	ID         string      `json:"id"`
	URL        string      `json:"url"`
	EventTypes []EventType `json:"eventTypes"`
}

// Accepts reports whether the webhook subscribes to t.
func (w Webhook) Accepts(t EventType) bool {
	for _, et := range w.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

func (w Webhook) clone() Webhook {
	types := make([]EventType, len(w.EventTypes))
	copy(types, w.EventTypes)
	w.EventTypes = types
	return w
}

// Session is a point-in-time view of a managed session.
type Session struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	Webhooks    []Webhook `json:"webhooks"`
	CreatedAt   time.Time `json:"createdAt"`
	PairingCode string    `json:"pairingCode,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Event is handed to the EventSink for webhook delivery.
type Event struct {
	Type      EventType
	SessionID string
	Payload   interface{}
	Timestamp time.Time
}

// EventSink receives events for delivery. Dispatch must not block.
type EventSink interface {
	Dispatch(ev Event)
}

type nopSink struct{}

func (nopSink) Dispatch(Event) {}
