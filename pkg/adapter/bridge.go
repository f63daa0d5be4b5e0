package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultSendTimeout      = 30 * time.Second
	bridgeWriteWait         = 10 * time.Second
)

// BridgeOptions configures the websocket bridge adapter.
type BridgeOptions struct {
	URL              string      // ws:// or wss:// endpoint of the chat-client sidecar
	Header           http.Header // extra handshake headers (auth)
	HandshakeTimeout time.Duration
	SendTimeout      time.Duration
	Logger           zerolog.Logger
}

// bridgeFrame is the JSON frame exchanged with the sidecar.
type bridgeFrame struct {
	Type    string                 `json:"type"`
	ID      string                 `json:"id,omitempty"`
	Target  string                 `json:"target,omitempty"`
	Payload *Payload               `json:"payload,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

type sendResult struct {
	ref MessageRef
	err error
}

// BridgeClient drives a chat connection hosted by an external sidecar process
// over a websocket. One websocket per session.
type BridgeClient struct {
	opts      BridgeOptions
	sessionID string
	events    chan<- Event
	logger    zerolog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan sendResult

	done      chan struct{}
	closeOnce sync.Once
}

// NewBridgeFactory returns a Factory producing BridgeClients.
func NewBridgeFactory(opts BridgeOptions) Factory {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	return func(sessionID string, events chan<- Event) (Client, error) {
		if opts.URL == "" {
			return nil, fmt.Errorf("bridge url is required")
		}
		if _, err := url.Parse(opts.URL); err != nil {
			return nil, fmt.Errorf("invalid bridge url: %w", err)
		}
		return &BridgeClient{
			opts:      opts,
			sessionID: sessionID,
			events:    events,
			logger:    opts.Logger.With().Str("session_id", sessionID).Logger(),
			pending:   make(map[string]chan sendResult),
			done:      make(chan struct{}),
		}, nil
	}
}

func (c *BridgeClient) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("session", c.sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Initialize dials the sidecar and starts the read loop.
func (c *BridgeClient) Initialize(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClientDestroyed
	default:
	}

	endpoint, err := c.endpoint()
	if err != nil {
		return fmt.Errorf("invalid bridge url: %w", err)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, c.opts.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to dial bridge (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to dial bridge: %w", err)
	}

	// Destroy may have run while dialing; it never saw this conn.
	c.connMu.Lock()
	select {
	case <-c.done:
		c.connMu.Unlock()
		_ = conn.Close()
		return ErrClientDestroyed
	default:
	}
	c.conn = conn
	c.connMu.Unlock()

	go c.readLoop(conn)

	if err := c.write(bridgeFrame{Type: "init"}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to start bridge session: %w", err)
	}

	c.logger.Debug().Str("url", c.opts.URL).Msg("Bridge connected")
	return nil
}

// Destroy logs the session out on the sidecar and closes the websocket.
func (c *BridgeClient) Destroy(ctx context.Context) error {
	var firstErr error
	c.closeOnce.Do(func() {
		// done closes under connMu so an Initialize still dialing drops its conn,
		// and before the socket so the read loop exits quietly.
		c.connMu.Lock()
		conn := c.conn
		close(c.done)
		c.connMu.Unlock()

		if conn != nil {
			if err := c.write(bridgeFrame{Type: "logout"}); err != nil {
				firstErr = err
			}
			c.writeMu.Lock()
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "destroy"),
				time.Now().Add(time.Second),
			)
			c.writeMu.Unlock()
			if err := conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		c.failPending(ErrClientDestroyed)
	})
	return firstErr
}

// Send asks the sidecar to deliver payload and waits for its send_result.
func (c *BridgeClient) Send(ctx context.Context, target string, payload Payload) (MessageRef, error) {
	id := uuid.NewString()
	result := make(chan sendResult, 1)

	c.pendingMu.Lock()
	c.pending[id] = result
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(bridgeFrame{Type: "send", ID: id, Target: target, Payload: &payload}); err != nil {
		return MessageRef{}, err
	}

	timer := time.NewTimer(c.opts.SendTimeout)
	defer timer.Stop()

	select {
	case r := <-result:
		return r.ref, r.err
	case <-ctx.Done():
		return MessageRef{}, ctx.Err()
	case <-timer.C:
		return MessageRef{}, fmt.Errorf("bridge send timed out after %s", c.opts.SendTimeout)
	case <-c.done:
		return MessageRef{}, ErrClientDestroyed
	}
}

func (c *BridgeClient) write(frame bridgeFrame) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return errors.New("bridge not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait)); err != nil {
		return err
	}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to write bridge frame: %w", err)
	}
	return nil
}

func (c *BridgeClient) readLoop(conn *websocket.Conn) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Panic in bridge read loop")
		}
	}()

	for {
		var frame bridgeFrame
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warn().Err(err).Msg("Bridge connection lost")
			c.failPending(err)
			c.emit(EventDisconnected, map[string]interface{}{"reason": err.Error()})
			return
		}
		c.handleFrame(frame)
	}
}

func (c *BridgeClient) handleFrame(frame bridgeFrame) {
	switch frame.Type {
	case "send_result":
		c.resolvePending(frame)
	case string(EventQR), string(EventAuthenticated), string(EventReady),
		string(EventAuthFailure), string(EventDisconnected),
		string(EventMessage), string(EventMessageAck):
		c.emit(EventKind(frame.Type), frame.Data)
	default:
		c.logger.Debug().Str("type", frame.Type).Msg("Ignoring unknown bridge frame")
	}
}

func (c *BridgeClient) resolvePending(frame bridgeFrame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[frame.ID]
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	var r sendResult
	if frame.Error != "" {
		r.err = fmt.Errorf("bridge send failed: %s", frame.Error)
	} else {
		if id, ok := frame.Data["id"].(string); ok {
			r.ref.ID = id
		}
		if ts, ok := frame.Data["timestamp"].(float64); ok {
			r.ref.Timestamp = int64(ts)
		}
	}
	select {
	case ch <- r:
	default:
	}
}

func (c *BridgeClient) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- sendResult{err: err}:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *BridgeClient) emit(kind EventKind, payload map[string]interface{}) {
	select {
	case c.events <- newEvent(c.sessionID, kind, payload):
	case <-c.done:
	}
}
