package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/harun/chatgate/internal/observability"
	"github.com/harun/chatgate/internal/tracing"
	"github.com/harun/chatgate/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultUserAgent = "chatgate-webhook/1.0"

// WebhookSource resolves a session's current subscriptions.
type WebhookSource interface {
	ListWebhooks(sessionID string) ([]session.Webhook, error)
}

// Options configures a Dispatcher.
type Options struct {
	Timeout       time.Duration // per delivery, default 10s
	QueueSize     int           // default 1024
	SigningSecret string
	UserAgent     string
	HTTPClient    *http.Client
}

// Payload is the JSON body POSTed to subscribers.
type Payload struct {
	Type     session.EventType `json:"type"`
	ClientID string            `json:"clientId"`
	Data     interface{}       `json:"data"`
}

// Dispatcher delivers session events to matching webhooks.
type Dispatcher struct {
	opts   Options
	client *http.Client
	logger zerolog.Logger
	stats  *StatsTracker

	queue  chan session.Event
	source WebhookSource

	mu      sync.RWMutex
	started bool
	stopped bool

	stopCh     chan struct{}
	loopDone   chan struct{}
	deliveries sync.WaitGroup
}

// New creates a dispatcher. Call Start before events flow.
func New(opts Options, logger zerolog.Logger) *Dispatcher {
	observability.EnsureRegistered()

	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &Dispatcher{
		opts:     opts,
		client:   client,
		logger:   logger.With().Str("component", "dispatch").Logger(),
		stats:    NewStatsTracker(),
		queue:    make(chan session.Event, opts.QueueSize),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Stats exposes the delivery counters.
func (d *Dispatcher) Stats() *StatsTracker {
	return d.stats
}

// Start begins consuming the queue, resolving subscriptions through source.
func (d *Dispatcher) Start(source WebhookSource) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return errors.New("dispatcher already started")
	}
	if source == nil {
		return errors.New("webhook source is required")
	}
	d.source = source
	d.started = true

	go d.loop()
	d.logger.Info().Int("queue_size", d.opts.QueueSize).Dur("timeout", d.opts.Timeout).Msg("Event dispatcher started")
	return nil
}

// Dispatch enqueues ev without blocking.
func (d *Dispatcher) Dispatch(ev session.Event) {
	d.mu.RLock()
	stopped := d.stopped
	d.mu.RUnlock()
	if stopped {
		return
	}

	select {
	case d.queue <- ev:
		observability.SetDispatchQueueSize(len(d.queue))
	default:
		observability.RecordDispatchDropped()
		d.logger.Warn().
			Str("session_id", ev.SessionID).
			Str("event", string(ev.Type)).
			Msg("Dispatch queue full, dropping event")
	}
}

func (d *Dispatcher) loop() {
	defer close(d.loopDone)

	for {
		select {
		case <-d.stopCh:
			return
		case ev := <-d.queue:
			observability.SetDispatchQueueSize(len(d.queue))
			d.fanOut(ev)
		}
	}
}

func (d *Dispatcher) fanOut(ev session.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("session_id", ev.SessionID).Msg("Panic in event fan-out")
		}
	}()

	hooks, err := d.source.ListWebhooks(ev.SessionID)
	if err != nil {
		// Session deleted between emit and dispatch.
		d.logger.Debug().Err(err).Str("session_id", ev.SessionID).Msg("No webhooks for event")
		return
	}

	var body []byte
	for _, hook := range hooks {
		if !hook.Accepts(ev.Type) {
			continue
		}
		if body == nil {
			body, err = json.Marshal(Payload{Type: ev.Type, ClientID: ev.SessionID, Data: ev.Payload})
			if err != nil {
				d.logger.Error().Err(err).Str("session_id", ev.SessionID).Str("event", string(ev.Type)).Msg("Failed to encode webhook payload")
				return
			}
		}

		d.deliveries.Add(1)
		go func(hook session.Webhook) {
			defer d.deliveries.Done()
			d.deliver(ev, hook, body)
		}(hook)
	}
}

func (d *Dispatcher) deliver(ev session.Event, hook session.Webhook, body []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("webhook_id", hook.ID).Msg("Panic in webhook delivery")
		}
	}()

	ctx := tracing.WithWebhookID(tracing.WithSessionID(context.Background(), ev.SessionID), hook.ID)
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, tracing.TracerDispatch, "webhook.deliver",
		attribute.String("session_id", ev.SessionID),
		attribute.String("webhook_id", hook.ID),
		attribute.String("event", string(ev.Type)))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, d.logger).With().
		Str("url", hook.URL).
		Str("event", string(ev.Type)).
		Logger()

	start := time.Now()
	status, err := d.post(ctx, hook.URL, body)
	elapsed := time.Since(start)

	d.stats.Track(ev.SessionID, hook.ID, hook.URL, status, err, elapsed)
	observability.RecordDelivery(string(ev.Type), elapsed, err == nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().Err(err).Int("status", status).Dur("duration", elapsed).Msg("Webhook delivery failed")
		return
	}
	logger.Debug().Int("status", status).Dur("duration", elapsed).Msg("Webhook delivered")
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.opts.UserAgent)
	if d.opts.SigningSecret != "" {
		req.Header.Set(SignatureHeader, Sign(body, d.opts.SigningSecret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Stop halts the queue consumer and waits for in-flight deliveries until ctx expires.
// Events still queued are discarded.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	started := d.started
	d.mu.Unlock()

	close(d.stopCh)
	if started {
		<-d.loopDone
	}

	done := make(chan struct{})
	go func() {
		d.deliveries.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info().Msg("Event dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.logger.Warn().Msg("Event dispatcher stop timed out with deliveries in flight")
		return ctx.Err()
	}
}
