package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harun/chatgate/internal/config"
	"github.com/harun/chatgate/internal/logger"
	"github.com/harun/chatgate/internal/observability"
	"github.com/harun/chatgate/internal/tracing"
	"github.com/harun/chatgate/pkg/adapter"
	"github.com/harun/chatgate/pkg/api"
	"github.com/harun/chatgate/pkg/dispatch"
	"github.com/harun/chatgate/pkg/session"
	"github.com/harun/chatgate/pkg/store"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Daemon wires the gateway components and owns their lifecycle.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store      store.Store
	dispatcher *dispatch.Dispatcher
	sessions   *session.Manager
	auth       *api.Authenticator
	server     *api.Server
	scheduler  *cron.Cron
	watcher    *config.Watcher
	lifecycle  *LifecycleManager

	serverErr chan error

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

var openStore = store.Open

var newAdapterFactory = func(cfg config.AdapterConfig, log zerolog.Logger) (adapter.Factory, error) {
	switch cfg.Driver {
	case "bridge":
		return adapter.NewBridgeFactory(adapter.BridgeOptions{
			URL:    cfg.BridgeURL,
			Logger: log.With().Str("component", "adapter").Logger(),
		}), nil
	case "fake":
		return adapter.NewFakeFactory().New, nil
	default:
		return nil, fmt.Errorf("unknown adapter driver: %s", cfg.Driver)
	}
}

// New creates a daemon from a validated configuration.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{
		config:    cfg,
		logger:    log,
		serverErr: make(chan error, 1),
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(tracing.ProviderOptions{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			log.Warn().Err(err).Str("path", cfg.Logging.AuditFile).Msg("Failed to open audit log")
		}
	}

	if err := d.initializeComponents(); err != nil {
		d.releaseStore()
		d.shutdownTracing()
		_ = observability.GetAuditLogger().Close()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// initializeComponents builds store, dispatcher, session manager and API server in dependency order.
func (d *Daemon) initializeComponents() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	st, err := openStore(store.Options{
		Driver:    cfg.Store.Driver,
		Path:      cfg.Store.Path,
		RedisAddr: cfg.Store.RedisAddr,
		RedisKey:  cfg.Store.RedisKey,
		DataDir:   cfg.DataDir,
	})
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	d.store = st

	factory, err := newAdapterFactory(cfg.Adapter, zl)
	if err != nil {
		return err
	}

	d.dispatcher = dispatch.New(dispatch.Options{
		Timeout:       cfg.Dispatch.TimeoutDuration(),
		QueueSize:     cfg.Dispatch.QueueSize,
		SigningSecret: cfg.Dispatch.SigningSecret,
		UserAgent:     cfg.Dispatch.UserAgent,
	}, zl)

	d.sessions, err = session.NewManager(session.Options{
		Store:       st,
		Factory:     factory,
		Sink:        d.dispatcher,
		Logger:      zl,
		InitTimeout: cfg.Adapter.InitTimeoutDuration(),
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	d.auth = api.NewAuthenticator(credentials(cfg.Auth))
	d.server, err = api.NewServer(api.Options{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		ReadTimeout:        cfg.Server.ReadTimeoutDuration(),
		TrustedProxies:     cfg.Server.TrustedProxies,
	}, d.sessions, d.dispatcher.Stats(), d.auth, zl)
	if err != nil {
		return fmt.Errorf("failed to create control-plane server: %w", err)
	}

	if spec := strings.TrimSpace(cfg.Store.Checkpoint); spec != "" {
		d.scheduler = cron.New()
		if _, err := d.scheduler.AddFunc(spec, d.checkpoint); err != nil {
			return fmt.Errorf("invalid checkpoint schedule %q: %w", spec, err)
		}
	}

	return nil
}

func credentials(auth config.AuthConfig) api.Credentials {
	return api.Credentials{
		Username: auth.Username,
		Password: auth.Password,
		APIKeys:  append([]string(nil), auth.APIKeys...),
	}
}

func (d *Daemon) checkpoint() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.sessions.Checkpoint(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Snapshot checkpoint failed")
		return
	}
	d.logger.Debug().Msg("Snapshot checkpoint written")
}

// Start restores persisted sessions and begins serving.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	log := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	log.Info().Msg("Starting chatgate daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.dispatcher.Start(d.sessions); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start event dispatcher: %w", err)
	}

	ctx := tracing.WithTraceID(context.Background(), traceID)
	restored, err := d.sessions.Restore(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Session restore incomplete")
	}
	log.Info().Int("sessions", restored).Msg("Sessions restored")

	if d.scheduler != nil {
		d.scheduler.Start()
		log.Info().Str("schedule", d.config.Store.Checkpoint).Msg("Checkpoint scheduler started")
	}

	go func() {
		if err := d.server.Start(); err != nil {
			d.logger.Error().Err(err).Msg("Control-plane server failed")
			d.serverErr <- err
		}
	}()

	log.Info().Str("addr", d.server.Addr()).Msg("Daemon started successfully")
	return nil
}

// WatchConfig reloads API credentials whenever the config file behind loader changes.
func (d *Daemon) WatchConfig(loader *config.Loader) error {
	w, err := config.NewWatcher(loader, 0, d.applyConfig, d.logger.GetZerolog())
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		_ = w.Stop()
		return err
	}

	d.mu.Lock()
	d.watcher = w
	d.mu.Unlock()
	return nil
}

// applyConfig applies the hot-reloadable parts of cfg. Other keys take effect on restart.
func (d *Daemon) applyConfig(cfg *config.Config) {
	d.auth.Update(credentials(cfg.Auth))
	observability.RecordConfigAudit(context.Background(), "config.reload", "file", map[string]interface{}{
		"api_keys":   len(cfg.Auth.APIKeys),
		"basic_auth": cfg.Auth.Username != "",
	})
	d.logger.Info().Msg("API credentials reloaded")
}

// Stop shuts everything down within the configured shutdown grace.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	watcher := d.watcher
	d.watcher = nil
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	log := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	grace := d.config.ShutdownGraceDuration()
	log.Info().Dur("grace", grace).Msg("Stopping chatgate daemon")

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var errs []error

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if err := d.server.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to stop control-plane server")
		errs = append(errs, err)
	}

	if d.scheduler != nil {
		select {
		case <-d.scheduler.Stop().Done():
		case <-ctx.Done():
			log.Warn().Msg("Timeout waiting for checkpoint job")
		}
	}

	if err := d.sessions.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to shut down session manager")
		errs = append(errs, err)
	}

	if err := d.dispatcher.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to stop event dispatcher")
		errs = append(errs, err)
	}

	d.releaseStore()

	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.shutdownTracing()

	if err := observability.GetAuditLogger().Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close audit logger")
	}

	if len(errs) > 0 {
		log.Warn().Msg("Daemon stopped with errors")
		return errors.Join(errs...)
	}
	log.Info().Msg("Daemon stopped successfully")
	return nil
}

func (d *Daemon) releaseStore() {
	if d.store == nil {
		return
	}
	if err := d.store.Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close snapshot store")
	}
	d.store = nil
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Sessions = len(d.sessions.ListSessions())
	}
	return status
}

// Wait blocks until SIGINT/SIGTERM or a fatal server error, then stops the daemon.
func (d *Daemon) Wait() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var cause error
	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case cause = <-d.serverErr:
	}

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
		if cause == nil {
			cause = err
		}
	}
	return cause
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetSessionManager returns the session manager
func (d *Daemon) GetSessionManager() *session.Manager {
	return d.sessions
}

// GetDispatcher returns the event dispatcher
func (d *Daemon) GetDispatcher() *dispatch.Dispatcher {
	return d.dispatcher
}

// GetServer returns the control-plane server
func (d *Daemon) GetServer() *api.Server {
	return d.server
}

// Status represents daemon status
type Status struct {
	Running   bool
	StartTime time.Time
	Uptime    time.Duration
	Sessions  int
}
