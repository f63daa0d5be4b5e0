package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/chatgate/internal/observability"
	"github.com/harun/chatgate/pkg/adapter"
	"github.com/harun/chatgate/pkg/dispatch"
	"github.com/harun/chatgate/pkg/session"
	"github.com/harun/chatgate/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

// captureTransport records outbound webhook POSTs instead of sending them.
type captureTransport struct {
	mu       sync.Mutex
	requests []capturedRequest
}

type capturedRequest struct {
	URL  string
	Body dispatch.Payload
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	data, _ := io.ReadAll(req.Body)
	var p dispatch.Payload
	_ = json.Unmarshal(data, &p)
	c.mu.Lock()
	c.requests = append(c.requests, capturedRequest{URL: req.URL.String(), Body: p})
	c.mu.Unlock()
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func (c *captureTransport) captured() []capturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]capturedRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

type testGateway struct {
	server    *Server
	http      *httptest.Server
	mgr       *session.Manager
	factory   *adapter.FakeFactory
	transport *captureTransport
	store     *store.FileStore
}

func setupTestGateway(t *testing.T, opts Options) *testGateway {
	t.Helper()
	observability.SetAuditOutput(zerolog.Nop(), nil)

	transport := &captureTransport{}
	dispatcher := dispatch.New(dispatch.Options{
		Timeout:    time.Second,
		HTTPClient: &http.Client{Transport: transport},
	}, zerolog.Nop())

	var seq atomic.Int32
	fs := store.NewFileStore(filepath.Join(t.TempDir(), "sessions.json"))
	factory := adapter.NewFakeFactory()
	mgr, err := session.NewManager(session.Options{
		Store:   fs,
		Factory: factory.New,
		Sink:    dispatcher,
		Logger:  zerolog.Nop(),
		NewID: func() string {
			return fmt.Sprintf("s%d", seq.Add(1))
		},
	})
	require.NoError(t, err)
	require.NoError(t, dispatcher.Start(mgr))

	if opts.RateLimitPerMinute == 0 {
		opts.RateLimitPerMinute = 10000
	}
	auth := NewAuthenticator(Credentials{Username: "admin", Password: "pw", APIKeys: []string{"key-1"}})
	srv, err := NewServer(opts, mgr, dispatcher.Stats(), auth, zerolog.Nop())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
		mgr.Shutdown(ctx)
		dispatcher.Stop(ctx)
	})

	return &testGateway{server: srv, http: ts, mgr: mgr, factory: factory, transport: transport, store: fs}
}

func (g *testGateway) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, g.http.URL+path, reader)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "pw")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (g *testGateway) waitStatus(t *testing.T, id string, want session.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := g.mgr.GetSession(id)
		return err == nil && s.Status == want
	}, 2*time.Second, 5*time.Millisecond)
}

func (g *testGateway) client(t *testing.T, id string) *adapter.FakeClient {
	t.Helper()
	var c *adapter.FakeClient
	require.Eventually(t, func() bool {
		c = g.factory.Client(id)
		return c != nil && c.Initialized()
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func TestAPI_EndToEndScenario(t *testing.T) {
	g := setupTestGateway(t, Options{})

	resp := g.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]string
	decode(t, resp, &created)
	assert.Equal(t, "s1", created["id"])
	assert.Equal(t, "initializing", created["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	client := g.client(t, "s1")
	client.EmitQR("2@pairing")
	g.waitStatus(t, "s1", session.StatusQRReady)

	resp = g.do(t, http.MethodGet, "/api/sessions/s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail sessionDetail
	decode(t, resp, &detail)
	assert.Equal(t, session.StatusQRReady, detail.Status)
	assert.Equal(t, "2@pairing", detail.QR)
	assert.True(t, strings.HasPrefix(detail.QRImage, "data:image/png;base64,"))

	resp = g.do(t, http.MethodGet, "/api/sessions/s1/qr", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	png, _ := io.ReadAll(resp.Body)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	client.EmitAuthenticated()
	client.EmitReady()
	g.waitStatus(t, "s1", session.StatusReady)

	resp = g.do(t, http.MethodPost, "/api/sessions/s1/webhooks", map[string]interface{}{
		"url":        "http://example.test/hook",
		"eventTypes": []string{"message"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = g.do(t, http.MethodGet, "/api/sessions/s1/webhooks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hooks []session.Webhook
	decode(t, resp, &hooks)
	require.Len(t, hooks, 1)

	client.EmitMessage(map[string]interface{}{"body": "hi"})
	require.Eventually(t, func() bool { return len(g.transport.captured()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	reqs := g.transport.captured()
	require.Len(t, reqs, 1)
	assert.Equal(t, "http://example.test/hook", reqs[0].URL)
	assert.Equal(t, "s1", reqs[0].Body.ClientID)
	assert.Equal(t, session.EventMessage, reqs[0].Body.Type)

	require.Eventually(t, func() bool {
		stats := g.server.stats.Stats("s1")
		return len(stats) == 1 && stats[0].Successes == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp = g.do(t, http.MethodGet, "/api/sessions/s1/deliveries", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats []dispatch.DeliveryStats
	decode(t, resp, &stats)
	require.Len(t, stats, 1)
	assert.Equal(t, "http://example.test/hook", stats[0].URL)
}

func TestAPI_ErrorCases(t *testing.T) {
	g := setupTestGateway(t, Options{})

	resp := g.do(t, http.MethodDelete, "/api/sessions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body ErrorResponse
	decode(t, resp, &body)
	assert.Equal(t, "not_found", body.Error)

	resp = g.do(t, http.MethodGet, "/api/sessions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = g.do(t, http.MethodGet, "/api/sessions/unknown/webhooks", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = g.do(t, http.MethodPost, "/api/sessions/unknown/webhooks", map[string]interface{}{
		"url": "http://example.test/hook", "eventTypes": []string{"message"},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = g.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = g.do(t, http.MethodPost, "/api/sessions/s1/webhooks", map[string]interface{}{
		"url": "http://example.test/hook", "eventTypes": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	decode(t, resp, &body)
	assert.Equal(t, "invalid_webhook", body.Error)

	resp = g.do(t, http.MethodPost, "/api/sessions/s1/webhooks", map[string]interface{}{
		"url": "not-a-url", "eventTypes": []string{"message"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = g.do(t, http.MethodPost, "/api/sessions/s1/webhooks", `{"url": 5}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	decode(t, resp, &body)
	assert.Equal(t, "invalid_payload", body.Error)

	resp = g.do(t, http.MethodPost, "/api/sessions/s1/webhooks", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = g.do(t, http.MethodDelete, "/api/sessions/s1/webhooks/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = g.do(t, http.MethodGet, "/api/sessions/s1/qr", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	decode(t, resp, &body)
	assert.Equal(t, "qr_unavailable", body.Error)
}

func TestAPI_SendRequiresReady(t *testing.T) {
	g := setupTestGateway(t, Options{})

	resp := g.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	client := g.client(t, "s1")

	msg := map[string]interface{}{"target": "628123@c.us", "text": "hello"}
	resp = g.do(t, http.MethodPost, "/api/sessions/s1/messages", msg)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var body ErrorResponse
	decode(t, resp, &body)
	assert.Equal(t, "session_not_ready", body.Error)

	client.EmitAuthenticated()
	client.EmitReady()
	g.waitStatus(t, "s1", session.StatusReady)

	resp = g.do(t, http.MethodPost, "/api/sessions/s1/messages", msg)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ref adapter.MessageRef
	decode(t, resp, &ref)
	assert.NotEmpty(t, ref.ID)

	resp = g.do(t, http.MethodPost, "/api/sessions/s1/messages", map[string]interface{}{
		"target": "628123@c.us",
		"media":  map[string]interface{}{"mimetype": "image/png", "data": "iVBORw0KGgo=", "filename": "certificate.png"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, client.Sent(), 2)
	assert.Equal(t, "certificate.png", client.Sent()[1].Payload.Media.Filename)

	resp = g.do(t, http.MethodPost, "/api/sessions/s1/messages", map[string]interface{}{"target": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_CreateSessionAdapterFailure(t *testing.T) {
	g := setupTestGateway(t, Options{})
	g.factory.NewErr = func(string) error { return assert.AnError }

	resp := g.do(t, http.MethodPost, "/api/sessions", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var body ErrorResponse
	decode(t, resp, &body)
	assert.Equal(t, "adapter_init_failed", body.Error)
	assert.Equal(t, "s1", body.SessionID)

	resp = g.do(t, http.MethodGet, "/api/sessions", nil)
	var list []sessionSummary
	decode(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, session.StatusAuthFailure, list[0].Status)
}

func TestAPI_ListAndDelete(t *testing.T) {
	g := setupTestGateway(t, Options{})

	for i := 0; i < 2; i++ {
		resp := g.do(t, http.MethodPost, "/api/sessions", nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	g.do(t, http.MethodPost, "/api/sessions/s2/webhooks", map[string]interface{}{
		"url": "https://example.com/a", "eventTypes": []string{"status"},
	})

	resp := g.do(t, http.MethodGet, "/api/sessions", nil)
	var list []sessionSummary
	decode(t, resp, &list)
	require.Len(t, list, 2)
	counts := map[string]int{}
	for _, s := range list {
		counts[s.ID] = s.WebhookCount
	}
	assert.Equal(t, 0, counts["s1"])
	assert.Equal(t, 1, counts["s2"])

	resp = g.do(t, http.MethodDelete, "/api/sessions/s1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = g.do(t, http.MethodGet, "/api/sessions", nil)
	decode(t, resp, &list)
	assert.Len(t, list, 1)
}

func TestAPI_Authentication(t *testing.T) {
	g := setupTestGateway(t, Options{})

	resp, err := http.Get(g.http.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, `Basic realm="chatgate"`, resp.Header.Get("WWW-Authenticate"))

	req, _ := http.NewRequest(http.MethodGet, g.http.URL+"/api/sessions", nil)
	req.SetBasicAuth("admin", "wrong")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, g.http.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer key-1")
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)

	// Credentials can be rotated at runtime.
	g.server.auth.Update(Credentials{APIKeys: []string{"key-2"}})
	req, _ = http.NewRequest(http.MethodGet, g.http.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer key-1")
	resp4, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp4.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp4.StatusCode)
}

func TestAPI_HealthAndMetricsUnauthenticated(t *testing.T) {
	g := setupTestGateway(t, Options{})

	resp, err := http.Get(g.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	resp2, err := http.Get(g.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestAPI_RateLimit(t *testing.T) {
	g := setupTestGateway(t, Options{RateLimitPerMinute: 2})

	assert.Equal(t, http.StatusOK, g.do(t, http.MethodGet, "/api/sessions", nil).StatusCode)
	assert.Equal(t, http.StatusOK, g.do(t, http.MethodGet, "/api/sessions", nil).StatusCode)

	resp := g.do(t, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestAPI_RequestIDPropagated(t *testing.T) {
	g := setupTestGateway(t, Options{})

	req, _ := http.NewRequest(http.MethodGet, g.http.URL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-chosen")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "caller-chosen", resp.Header.Get("X-Request-ID"))
}

func TestAPI_StopRejectsNewRequests(t *testing.T) {
	g := setupTestGateway(t, Options{})
	require.NoError(t, g.server.Stop(context.Background()))

	resp, err := http.Get(g.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestServer_StartAfterStopDoesNotListen(t *testing.T) {
	g := setupTestGateway(t, Options{Host: "127.0.0.1", Port: freePort(t)})
	require.NoError(t, g.server.Stop(context.Background()))

	done := make(chan error, 1)
	go func() { done <- g.server.Start() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start kept running after Stop")
	}

	_, err := net.DialTimeout("tcp", g.server.Addr(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestServer_StopWhileStarting(t *testing.T) {
	for i := 0; i < 10; i++ {
		g := setupTestGateway(t, Options{Host: "127.0.0.1", Port: freePort(t)})

		done := make(chan error, 1)
		go func() { done <- g.server.Start() }()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, g.server.Stop(ctx))
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatalf("Start still serving after Stop on attempt %d", i)
		}
	}
}

func TestAPI_RequestSpanCarriesRequestID(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(noop.NewTracerProvider())
		_ = tp.Shutdown(context.Background())
	})

	g := setupTestGateway(t, Options{})
	req, err := http.NewRequest(http.MethodGet, g.http.URL+"/api/sessions", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "pw")
	req.Header.Set("X-Request-ID", "req-span-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	var found sdktrace.ReadOnlySpan
	require.Eventually(t, func() bool {
		for _, span := range recorder.Ended() {
			if span.Name() != "api.request" {
				continue
			}
			for _, kv := range span.Attributes() {
				if string(kv.Key) == "request_id" && kv.Value.AsString() == "req-span-1" {
					found = span
					return true
				}
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	attrs := map[string]interface{}{}
	for _, kv := range found.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "GET", attrs["http.method"])
	assert.Equal(t, "/api/sessions", attrs["http.target"])
	assert.Equal(t, int64(http.StatusOK), attrs["http.status_code"])
}
