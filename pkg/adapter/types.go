package adapter

import (
	"context"
	"time"
)

// EventKind identifies what a chat client reported.
type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventAuthFailure   EventKind = "auth_failure"
	EventDisconnected  EventKind = "disconnected"
	EventMessage       EventKind = "message"
	EventMessageAck    EventKind = "message_ack"
)

// IsLifecycle reports whether the kind drives the session state machine.
func (k EventKind) IsLifecycle() bool {
	switch k {
	case EventQR, EventAuthenticated, EventReady, EventAuthFailure, EventDisconnected:
		return true
	}
	return false
}

// Event is a typed notification pushed by a Client.
//
// Payload keys by kind:
//   - qr: "qr" (pairing artifact string)
//   - auth_failure, disconnected: "reason"
//   - message, message_ack: client specific message fields
type Event struct {
	Kind      EventKind
	SessionID string
	Payload   map[string]interface{}
	At        time.Time
}

// Media is an opaque attachment forwarded to the chat network untouched.
type Media struct {
	MimeType string `json:"mimetype"`
	Data     string `json:"data"` // base64
	Filename string `json:"filename,omitempty"`
}

// Payload is an outbound message body.
type Payload struct {
	Text  string `json:"text,omitempty"`
	Media *Media `json:"media,omitempty"`
}

// MessageRef identifies a message accepted by the chat network.
type MessageRef struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// Client is a single chat-network connection.
type Client interface {
	// Initialize opens the connection. It may block on network I/O.
	Initialize(ctx context.Context) error
	// Destroy tears the connection down. Safe to call more than once.
	Destroy(ctx context.Context) error
	// Send delivers payload to target (a chat-network address).
	Send(ctx context.Context, target string, payload Payload) (MessageRef, error)
}

// Factory builds the Client for a session. Events must be pushed onto events.
type Factory func(sessionID string, events chan<- Event) (Client, error)

func newEvent(sessionID string, kind EventKind, payload map[string]interface{}) Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return Event{
		Kind:      kind,
		SessionID: sessionID,
		Payload:   payload,
		At:        time.Now(),
	}
}
