package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClientDestroyed is returned by operations on a destroyed client.
var ErrClientDestroyed = errors.New("client destroyed")

// SentMessage records a Send call on a FakeClient.
type SentMessage struct {
	Target  string
	Payload Payload
	Ref     MessageRef
}

// FakeClient is an in-memory Client driven by its Emit helpers.
// It backs the "fake" adapter driver and the session tests.
type FakeClient struct {
	sessionID string
	events    chan<- Event

	initErr    error
	destroyErr error

	mu          sync.Mutex
	initialized bool
	destroyed   bool
	sent        []SentMessage
	seq         int

	done     chan struct{}
	doneOnce sync.Once
}

// NewFakeClient creates a fake client bound to events.
func NewFakeClient(sessionID string, events chan<- Event) *FakeClient {
	return &FakeClient{
		sessionID: sessionID,
		events:    events,
		done:      make(chan struct{}),
	}
}

// Initialize marks the client initialized, or returns the configured init error.
func (c *FakeClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrClientDestroyed
	}
	if c.initErr != nil {
		return c.initErr
	}
	c.initialized = true
	return nil
}

// Destroy marks the client destroyed and unblocks pending emits.
func (c *FakeClient) Destroy(ctx context.Context) error {
	c.mu.Lock()
	c.destroyed = true
	err := c.destroyErr
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
	return err
}

// Send records the message and returns a synthetic reference.
func (c *FakeClient) Send(ctx context.Context, target string, payload Payload) (MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return MessageRef{}, ErrClientDestroyed
	}
	c.seq++
	ref := MessageRef{
		ID:        fmt.Sprintf("%s-msg-%d", c.sessionID, c.seq),
		Timestamp: time.Now().Unix(),
	}
	c.sent = append(c.sent, SentMessage{Target: target, Payload: payload, Ref: ref})
	return ref, nil
}

// Initialized reports whether Initialize succeeded.
func (c *FakeClient) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Destroyed reports whether Destroy was called.
func (c *FakeClient) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Sent returns a copy of the recorded outbound messages.
func (c *FakeClient) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// EmitQR reports a fresh pairing artifact.
func (c *FakeClient) EmitQR(qr string) {
	c.emit(EventQR, map[string]interface{}{"qr": qr})
}

// EmitAuthenticated reports a successful pairing.
func (c *FakeClient) EmitAuthenticated() {
	c.emit(EventAuthenticated, nil)
}

// EmitReady reports the connection is usable.
func (c *FakeClient) EmitReady() {
	c.emit(EventReady, nil)
}

// EmitAuthFailure reports a rejected pairing.
func (c *FakeClient) EmitAuthFailure(reason string) {
	c.emit(EventAuthFailure, map[string]interface{}{"reason": reason})
}

// EmitDisconnected reports a lost connection.
func (c *FakeClient) EmitDisconnected(reason string) {
	c.emit(EventDisconnected, map[string]interface{}{"reason": reason})
}

// EmitMessage reports an inbound message.
func (c *FakeClient) EmitMessage(payload map[string]interface{}) {
	c.emit(EventMessage, payload)
}

// EmitMessageAck reports a delivery acknowledgement.
func (c *FakeClient) EmitMessageAck(payload map[string]interface{}) {
	c.emit(EventMessageAck, payload)
}

func (c *FakeClient) emit(kind EventKind, payload map[string]interface{}) {
	select {
	case c.events <- newEvent(c.sessionID, kind, payload):
	case <-c.done:
	}
}

// FakeFactory hands out FakeClients and keeps them addressable by session id.
type FakeFactory struct {
	mu      sync.Mutex
	clients map[string]*FakeClient

	// NewErr, when set, fails client construction for matching sessions.
	NewErr func(sessionID string) error
	// InitErr, when set, makes Initialize fail for matching sessions.
	InitErr func(sessionID string) error
	// DestroyErr, when set, makes Destroy fail for matching sessions.
	DestroyErr func(sessionID string) error
}

// NewFakeFactory creates an empty fake factory.
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{clients: make(map[string]*FakeClient)}
}

// New satisfies Factory.
func (f *FakeFactory) New(sessionID string, events chan<- Event) (Client, error) {
	if f.NewErr != nil {
		if err := f.NewErr(sessionID); err != nil {
			return nil, err
		}
	}
	client := NewFakeClient(sessionID, events)
	if f.InitErr != nil {
		client.initErr = f.InitErr(sessionID)
	}
	if f.DestroyErr != nil {
		client.destroyErr = f.DestroyErr(sessionID)
	}

	f.mu.Lock()
	f.clients[sessionID] = client
	f.mu.Unlock()
	return client, nil
}

// Client returns the most recent client built for sessionID.
func (f *FakeFactory) Client(sessionID string) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[sessionID]
}
