package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/harun/chatgate/internal/observability"
	"github.com/harun/chatgate/pkg/adapter"
	"github.com/harun/chatgate/pkg/dispatch"
	"github.com/harun/chatgate/pkg/session"
	"github.com/rs/zerolog"
)

// SessionService is the session manager as seen by the control plane.
type SessionService interface {
	CreateSession(ctx context.Context) (string, error)
	GetSession(id string) (session.Session, error)
	ListSessions() []session.Session
	DeleteSession(ctx context.Context, id string) error
	AddWebhook(ctx context.Context, sessionID, url string, eventTypes []string) (session.Webhook, error)
	ListWebhooks(sessionID string) ([]session.Webhook, error)
	RemoveWebhook(ctx context.Context, sessionID, webhookID string) error
	Send(ctx context.Context, id, target string, payload adapter.Payload) (adapter.MessageRef, error)
}

// DeliveryStats exposes webhook delivery counters.
type DeliveryStats interface {
	Stats(sessionID string) []dispatch.DeliveryStats
	Forget(sessionID, webhookID string)
}

// Options configures the HTTP server.
type Options struct {
	Host               string
	Port               int
	RateLimitPerMinute int
	ReadTimeout        time.Duration
	MaxBodyBytes       int64

	// TrustedProxies lists peer addresses (IPs or CIDRs) whose X-Forwarded-For and
	// X-Real-IP headers are believed. Other peers are keyed by their socket address.
	TrustedProxies []string
}

// Server is the control-plane HTTP server.
type Server struct {
	options  Options
	server   *http.Server
	handler  http.Handler
	sessions SessionService
	stats    DeliveryStats
	auth     *Authenticator
	limiter  *RateLimiter
	proxies  *proxyList
	logger   zerolog.Logger

	startTime    time.Time
	shutdownMu   sync.RWMutex
	shuttingDown bool
	inFlight     sync.WaitGroup
}

// NewServer creates the control-plane server. stats may be nil.
func NewServer(options Options, sessions SessionService, stats DeliveryStats, auth *Authenticator, logger zerolog.Logger) (*Server, error) {
	if options.Port == 0 {
		options.Port = 8080
	}
	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	if options.RateLimitPerMinute == 0 {
		options.RateLimitPerMinute = 120
	}
	if options.ReadTimeout == 0 {
		options.ReadTimeout = 15 * time.Second
	}
	if options.MaxBodyBytes == 0 {
		options.MaxBodyBytes = 16 << 20
	}

	if sessions == nil {
		return nil, fmt.Errorf("session service is required")
	}
	if auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	proxies, err := parseProxyList(options.TrustedProxies)
	if err != nil {
		return nil, err
	}

	s := &Server{
		options:   options,
		sessions:  sessions,
		stats:     stats,
		auth:      auth,
		limiter:   NewRateLimiter(options.RateLimitPerMinute, time.Minute),
		proxies:   proxies,
		logger:    logger.With().Str("component", "api").Logger(),
		startTime: time.Now(),
	}
	s.handler = s.routes()
	s.server = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: options.ReadTimeout,
		ReadTimeout:       options.ReadTimeout,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/sessions", s.handleCreateSession)
	api.HandleFunc("GET /api/sessions", s.handleListSessions)
	api.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	api.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	api.HandleFunc("GET /api/sessions/{id}/qr", s.handleQR)
	api.HandleFunc("POST /api/sessions/{id}/messages", s.handleSendMessage)
	api.HandleFunc("POST /api/sessions/{id}/webhooks", s.handleAddWebhook)
	api.HandleFunc("GET /api/sessions/{id}/webhooks", s.handleListWebhooks)
	api.HandleFunc("DELETE /api/sessions/{id}/webhooks/{webhookId}", s.handleRemoveWebhook)
	api.HandleFunc("GET /api/sessions/{id}/deliveries", s.handleDeliveries)
	api.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, reasonNotFound, "no such route")
	})

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", s.handleHealth)
	root.Handle("GET /metrics", observability.MetricsHandler())
	root.Handle("/api/", s.withRateLimit(s.withAuth(api)))

	return s.withRecover(s.withRequestContext(root))
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.options.Host, fmt.Sprintf("%d", s.options.Port))
}

// Start listens and serves until Stop is called. It returns nil without listening once Stop
// has run.
func (s *Server) Start() error {
	s.shutdownMu.RLock()
	stopped := s.shuttingDown
	s.shutdownMu.RUnlock()
	if stopped {
		return nil
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting control-plane server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start control-plane server: %w", err)
	}
	return nil
}

// Stop rejects new requests, waits for in-flight ones until ctx expires and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.shuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down control-plane server")

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown deadline reached with requests in flight")
	}

	s.limiter.Stop()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown control-plane server: %w", err)
	}
	s.logger.Info().Msg("Control-plane server stopped")
	return nil
}
