package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSidecar is a minimal chat-client sidecar speaking the bridge protocol.
type fakeSidecar struct {
	t        *testing.T
	server   *httptest.Server
	sessions chan string
	frames   chan bridgeFrame
	conns    chan *websocket.Conn
}

func newFakeSidecar(t *testing.T) *fakeSidecar {
	s := &fakeSidecar{
		t:        t,
		sessions: make(chan string, 4),
		frames:   make(chan bridgeFrame, 16),
		conns:    make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.sessions <- r.URL.Query().Get("session")
		s.conns <- conn
		for {
			var frame bridgeFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			s.frames <- frame
			if frame.Type == "send" {
				_ = conn.WriteJSON(bridgeFrame{
					Type: "send_result",
					ID:   frame.ID,
					Data: map[string]interface{}{"id": "wamid-1", "timestamp": 1700000000},
				})
			}
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *fakeSidecar) wsURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
}

func (s *fakeSidecar) nextFrame() bridgeFrame {
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		s.t.Fatal("timed out waiting for bridge frame")
		return bridgeFrame{}
	}
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for adapter event")
		return Event{}
	}
}

func TestBridgeClient_InitializeAndEvents(t *testing.T) {
	sidecar := newFakeSidecar(t)
	events := make(chan Event, 8)

	factory := NewBridgeFactory(BridgeOptions{URL: sidecar.wsURL(), Logger: zerolog.Nop()})
	client, err := factory("s1", events)
	require.NoError(t, err)

	require.NoError(t, client.Initialize(context.Background()))
	defer client.Destroy(context.Background())

	assert.Equal(t, "s1", <-sidecar.sessions)
	assert.Equal(t, "init", sidecar.nextFrame().Type)

	conn := <-sidecar.conns
	require.NoError(t, conn.WriteJSON(bridgeFrame{Type: "qr", Data: map[string]interface{}{"qr": "2@abc"}}))
	require.NoError(t, conn.WriteJSON(bridgeFrame{Type: "authenticated"}))
	require.NoError(t, conn.WriteJSON(bridgeFrame{Type: "ready"}))
	require.NoError(t, conn.WriteJSON(bridgeFrame{Type: "mystery"}))
	require.NoError(t, conn.WriteJSON(bridgeFrame{Type: "message", Data: map[string]interface{}{"body": "hi"}}))

	ev := nextEvent(t, events)
	assert.Equal(t, EventQR, ev.Kind)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "2@abc", ev.Payload["qr"])

	assert.Equal(t, EventAuthenticated, nextEvent(t, events).Kind)
	assert.Equal(t, EventReady, nextEvent(t, events).Kind)

	msg := nextEvent(t, events)
	assert.Equal(t, EventMessage, msg.Kind)
	assert.Equal(t, "hi", msg.Payload["body"])
}

func TestBridgeClient_Send(t *testing.T) {
	sidecar := newFakeSidecar(t)
	events := make(chan Event, 8)

	client, err := NewBridgeFactory(BridgeOptions{URL: sidecar.wsURL(), Logger: zerolog.Nop()})("s1", events)
	require.NoError(t, err)
	require.NoError(t, client.Initialize(context.Background()))
	defer client.Destroy(context.Background())
	sidecar.nextFrame() // init

	ref, err := client.Send(context.Background(), "628123@c.us", Payload{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "wamid-1", ref.ID)
	assert.Equal(t, int64(1700000000), ref.Timestamp)

	sent := sidecar.nextFrame()
	assert.Equal(t, "send", sent.Type)
	assert.Equal(t, "628123@c.us", sent.Target)
	require.NotNil(t, sent.Payload)
	assert.Equal(t, "hello", sent.Payload.Text)
}

func TestBridgeClient_ConnectionLossEmitsDisconnected(t *testing.T) {
	sidecar := newFakeSidecar(t)
	events := make(chan Event, 8)

	client, err := NewBridgeFactory(BridgeOptions{URL: sidecar.wsURL(), Logger: zerolog.Nop()})("s1", events)
	require.NoError(t, err)
	require.NoError(t, client.Initialize(context.Background()))
	defer client.Destroy(context.Background())

	conn := <-sidecar.conns
	require.NoError(t, conn.Close())

	ev := nextEvent(t, events)
	assert.Equal(t, EventDisconnected, ev.Kind)
	assert.NotEmpty(t, ev.Payload["reason"])
}

func TestBridgeClient_DestroySendsLogout(t *testing.T) {
	sidecar := newFakeSidecar(t)
	events := make(chan Event, 8)

	client, err := NewBridgeFactory(BridgeOptions{URL: sidecar.wsURL(), Logger: zerolog.Nop()})("s1", events)
	require.NoError(t, err)
	require.NoError(t, client.Initialize(context.Background()))
	sidecar.nextFrame() // init

	require.NoError(t, client.Destroy(context.Background()))
	assert.Equal(t, "logout", sidecar.nextFrame().Type)

	// Second destroy is a no-op.
	assert.NoError(t, client.Destroy(context.Background()))

	_, err = client.Send(context.Background(), "x", Payload{Text: "late"})
	assert.Error(t, err)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event after destroy: %v", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBridgeFactory_RequiresURL(t *testing.T) {
	_, err := NewBridgeFactory(BridgeOptions{})("s1", make(chan Event))
	assert.Error(t, err)
}

func TestBridgeClient_InitializeDialFailure(t *testing.T) {
	client, err := NewBridgeFactory(BridgeOptions{URL: "ws://127.0.0.1:1/ws", Logger: zerolog.Nop()})("s1", make(chan Event, 1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, client.Initialize(ctx))
}

func TestBridgeClient_DestroyDuringDialClosesConnection(t *testing.T) {
	frames := make(chan string, 4)
	closed := make(chan struct{})
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer close(closed)
		for {
			var frame bridgeFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			frames <- frame.Type
		}
	}))
	defer server.Close()

	factory := NewBridgeFactory(BridgeOptions{
		URL:    "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		Logger: zerolog.Nop(),
	})
	client, err := factory("s1", make(chan Event, 4))
	require.NoError(t, err)

	initErr := make(chan error, 1)
	go func() { initErr <- client.Initialize(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Destroy(context.Background()))

	select {
	case err := <-initErr:
		assert.ErrorIs(t, err, ErrClientDestroyed)
	case <-time.After(2 * time.Second):
		t.Fatal("Initialize did not return")
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("websocket left open after Destroy")
	}
	assert.Empty(t, frames, "no frame may reach the sidecar after Destroy")
}
