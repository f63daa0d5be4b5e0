package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/chatgate/internal/observability"
	"github.com/harun/chatgate/internal/tracing"
	"github.com/harun/chatgate/pkg/adapter"
	"github.com/harun/chatgate/pkg/store"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Options configures a Manager.
type Options struct {
	Store   store.Store
	Factory adapter.Factory
	Sink    EventSink
	Logger  zerolog.Logger

	// NewID allocates session ids. Defaults to a 12 character nanoid.
	NewID func() string

	InitTimeout    time.Duration // default 60s
	DestroyTimeout time.Duration // default 10s
	SaveTimeout    time.Duration // default 10s
	EventBuffer    int           // default 64
}

// Manager owns the session table.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	// persistMu serializes snapshot build+save so saves land in mutation order.
	persistMu sync.Mutex
	// loadPending is set while the store has not been read successfully; no save may
	// overwrite it until a load succeeds. Guarded by persistMu.
	loadPending bool

	store   store.Store
	factory adapter.Factory
	sink    EventSink
	logger  zerolog.Logger
	newID   func() string

	initTimeout    time.Duration
	destroyTimeout time.Duration
	saveTimeout    time.Duration
	eventBuffer    int

	closed bool
	wg     sync.WaitGroup
}

type entry struct {
	mu          sync.Mutex
	id          string
	status      Status
	webhooks    []Webhook
	createdAt   time.Time
	pairingCode string
	reason      string
	removed     bool

	client    adapter.Client
	events    chan adapter.Event
	done      chan struct{}
	closeOnce sync.Once
}

func (e *entry) stop() {
	e.closeOnce.Do(func() { close(e.done) })
}

func (e *entry) view() Session {
	e.mu.Lock()
	defer e.mu.Unlock()

	hooks := make([]Webhook, len(e.webhooks))
	for i, w := range e.webhooks {
		hooks[i] = w.clone()
	}
	s := Session{
		ID:        e.id,
		Status:    e.status,
		Webhooks:  hooks,
		CreatedAt: e.createdAt,
		Reason:    e.reason,
	}
	if e.status == StatusQRReady {
		s.PairingCode = e.pairingCode
	}
	return s
}

// NewManager creates a session manager. Call Restore once before serving requests.
func NewManager(opts Options) (*Manager, error) {
	observability.EnsureRegistered()

	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("adapter factory is required")
	}

	m := &Manager{
		sessions:       make(map[string]*entry),
		store:          opts.Store,
		factory:        opts.Factory,
		sink:           opts.Sink,
		logger:         opts.Logger.With().Str("component", "session").Logger(),
		newID:          opts.NewID,
		initTimeout:    opts.InitTimeout,
		destroyTimeout: opts.DestroyTimeout,
		saveTimeout:    opts.SaveTimeout,
		eventBuffer:    opts.EventBuffer,
	}
	if m.sink == nil {
		m.sink = nopSink{}
	}
	if m.newID == nil {
		m.newID = defaultID
	}
	if m.initTimeout <= 0 {
		m.initTimeout = 60 * time.Second
	}
	if m.destroyTimeout <= 0 {
		m.destroyTimeout = 10 * time.Second
	}
	if m.saveTimeout <= 0 {
		m.saveTimeout = 10 * time.Second
	}
	if m.eventBuffer <= 0 {
		m.eventBuffer = 64
	}

	return m, nil
}

func defaultID() string {
	id, err := gonanoid.Generate(idAlphabet, 12)
	if err != nil {
		return uuid.New().String()
	}
	return id
}

// SetSink replaces the event sink. Used to break the construction cycle with the dispatcher.
func (m *Manager) SetSink(sink EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sink == nil {
		sink = nopSink{}
	}
	m.sink = sink
}

func (m *Manager) eventSink() EventSink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sink
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return e, nil
}

// allocateID returns an id not present in the table. Caller holds m.mu.
func (m *Manager) allocateID() string {
	for {
		id := m.newID()
		if _, exists := m.sessions[id]; !exists {
			return id
		}
	}
}

// CreateSession provisions a new session and starts its adapter in the background.
// If the adapter cannot be constructed the session is kept as auth_failure and ErrAdapterInit
// is returned together with its id.
func (m *Manager) CreateSession(ctx context.Context) (string, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "session.create")
	defer span.End()

	e := &entry{
		status:    StatusInitializing,
		webhooks:  []Webhook{},
		createdAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	e.events = make(chan adapter.Event, m.eventBuffer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", errors.New("session manager is shut down")
	}
	e.id = m.allocateID()
	m.sessions[e.id] = e
	m.wg.Add(1)
	m.mu.Unlock()
	go m.run(e)

	span.SetAttributes(attribute.String("session_id", e.id))
	ctx = tracing.WithSessionID(ctx, e.id)
	logger := tracing.LoggerFromContext(ctx, m.logger)

	client, err := m.factory(e.id, e.events)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("Failed to construct chat client")
		m.persist(ctx)
		m.transition(e, StatusAuthFailure, map[string]interface{}{"reason": err.Error()})
		return e.id, fmt.Errorf("session %s: %w: %v", e.id, ErrAdapterInit, err)
	}

	// DeleteSession or Shutdown may have taken the entry while the client was built.
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		m.destroyOrphan(ctx, client)
		return "", fmt.Errorf("session %s was removed during creation: %w", e.id, ErrNotFound)
	}
	e.client = client
	e.mu.Unlock()

	m.persist(ctx)
	m.updateMetrics()
	logger.Info().Msg("Session created")

	m.goInitialize(ctx, e, client)
	return e.id, nil
}

// goInitialize starts the adapter in the background unless the manager is shutting down,
// in which case Shutdown owns the client's teardown.
func (m *Manager) goInitialize(ctx context.Context, e *entry, client adapter.Client) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.initialize(tracing.WithSessionID(tracing.Detach(ctx), e.id), e, client)
	}()
}

func (m *Manager) destroyOrphan(ctx context.Context, client adapter.Client) {
	dctx, cancel := context.WithTimeout(tracing.Detach(ctx), m.destroyTimeout)
	defer cancel()
	if err := client.Destroy(dctx); err != nil {
		logger := tracing.LoggerFromContext(ctx, m.logger)
		logger.Warn().Err(err).Msg("Chat client teardown failed")
	}
}

// initialize starts the adapter; failure marks the session auth_failure.
func (m *Manager) initialize(ctx context.Context, e *entry, client adapter.Client) error {
	ctx, cancel := context.WithTimeout(ctx, m.initTimeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "session.initialize",
		attribute.String("session_id", e.id))
	defer span.End()

	if err := client.Initialize(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error().Err(err).Str("session_id", e.id).Msg("Chat client initialization failed")
		m.transition(e, StatusAuthFailure, map[string]interface{}{"reason": err.Error()})
		return err
	}

	m.logger.Debug().Str("session_id", e.id).Msg("Chat client initialized")
	return nil
}

// run consumes adapter events for one session until the session is stopped.
func (m *Manager) run(e *entry) {
	defer m.wg.Done()

	for {
		select {
		case <-e.done:
			return
		case ev := <-e.events:
			m.handleEvent(e, ev)
		}
	}
}

func (m *Manager) handleEvent(e *entry, ev adapter.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Interface("panic", r).
				Str("session_id", e.id).
				Str("event", string(ev.Kind)).
				Msg("Panic in session event handler")
		}
	}()

	if ev.Kind.IsLifecycle() {
		to, _ := statusForEvent(ev.Kind)
		m.transition(e, to, ev.Payload)
		return
	}

	var t EventType
	switch ev.Kind {
	case adapter.EventMessage:
		t = EventMessage
	case adapter.EventMessageAck:
		t = EventMessageAck
	default:
		m.logger.Debug().Str("session_id", e.id).Str("event", string(ev.Kind)).Msg("Ignoring unknown adapter event")
		return
	}

	ts := ev.At
	if ts.IsZero() {
		ts = time.Now()
	}
	m.eventSink().Dispatch(Event{
		Type:      t,
		SessionID: e.id,
		Payload:   ev.Payload,
		Timestamp: ts,
	})
}

// transition applies a status change, persists the snapshot and emits a status event.
// Disallowed changes are logged and dropped.
func (m *Manager) transition(e *entry, to Status, payload map[string]interface{}) bool {
	qr, _ := payload["qr"].(string)
	reason, _ := payload["reason"].(string)

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return false
	}
	from := e.status
	if !CanTransition(from, to) {
		e.mu.Unlock()
		observability.RecordIgnoredTransition(string(from), string(to))
		m.logger.Warn().
			Str("session_id", e.id).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("Ignoring invalid status transition")
		return false
	}
	e.status = to
	if to == StatusQRReady {
		e.pairingCode = qr
	} else {
		e.pairingCode = ""
	}
	switch to {
	case StatusAuthFailure, StatusDisconnected:
		e.reason = reason
	default:
		e.reason = ""
	}
	e.mu.Unlock()

	observability.RecordStatusTransition(string(to))
	m.logger.Info().
		Str("session_id", e.id).
		Str("status", string(to)).
		Str("previous_status", string(from)).
		Msg("Session status changed")

	// A pairing code refresh leaves the snapshot unchanged.
	if from != to {
		m.persist(tracing.WithSessionID(context.Background(), e.id))
		m.updateMetrics()
	}

	data := map[string]interface{}{
		"status":         string(to),
		"previousStatus": string(from),
	}
	if to == StatusQRReady && qr != "" {
		data["qr"] = qr
	}
	if reason != "" {
		data["reason"] = reason
	}
	m.eventSink().Dispatch(Event{
		Type:      EventStatus,
		SessionID: e.id,
		Payload:   data,
		Timestamp: time.Now(),
	})
	return true
}

// GetSession returns a view of one session.
func (m *Manager) GetSession(id string) (Session, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return e.view(), nil
}

// ListSessions returns every session ordered by creation time.
func (m *Manager) ListSessions() []Session {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.view())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// DeleteSession tears down the adapter, forgets the session and persists the snapshot.
// Teardown errors are logged, not returned.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "session.delete",
		attribute.String("session_id", id))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		err := fmt.Errorf("session %s: %w", id, ErrNotFound)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	e.mu.Lock()
	e.removed = true
	client := e.client
	e.mu.Unlock()
	e.stop()

	if client != nil {
		dctx, cancel := context.WithTimeout(tracing.Detach(ctx), m.destroyTimeout)
		if err := client.Destroy(dctx); err != nil {
			logger.Warn().Err(err).Msg("Chat client teardown failed")
		}
		cancel()
	}

	m.persist(ctx)
	m.updateMetrics()
	logger.Info().Msg("Session deleted")
	return nil
}

// Send forwards an outbound message through the session's adapter. Only ready sessions accept sends.
func (m *Manager) Send(ctx context.Context, id, target string, payload adapter.Payload) (adapter.MessageRef, error) {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "session.send",
		attribute.String("session_id", id))
	defer span.End()

	e, err := m.lookup(id)
	if err != nil {
		return adapter.MessageRef{}, err
	}

	e.mu.Lock()
	status := e.status
	client := e.client
	e.mu.Unlock()

	if status != StatusReady || client == nil {
		return adapter.MessageRef{}, fmt.Errorf("session %s is %s: %w", id, status, ErrSessionNotReady)
	}

	ref, err := client.Send(ctx, target, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return adapter.MessageRef{}, fmt.Errorf("failed to send message: %w", err)
	}
	return ref, nil
}

// Restore loads the persisted snapshot and rebuilds every session as disconnected with a fresh
// adapter. A failing adapter marks only its own session auth_failure. A corrupt store has
// already been moved aside, so the readable part is restored. Any other load error leaves the
// manager empty and blocks every save until a later load succeeds; the error is returned for
// reporting only.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "session.restore")
	defer span.End()

	start := time.Now()
	snapshot, loadErr := m.store.Load(ctx)
	observability.RecordSnapshotLoad(time.Since(start))
	if loadErr != nil {
		span.RecordError(loadErr)
		if errors.Is(loadErr, store.ErrCorruptStore) {
			m.logger.Error().Err(loadErr).Int("sessions", len(snapshot)).
				Msg("Session store was corrupt, restoring the readable sessions")
		} else {
			m.logger.Error().Err(loadErr).
				Msg("Failed to load session store, saves are held until it loads")
			m.persistMu.Lock()
			m.loadPending = true
			m.persistMu.Unlock()
			snapshot = nil
		}
	}

	toInit := m.adopt(snapshot)
	m.persist(ctx)

	var wg sync.WaitGroup
	for _, p := range toInit {
		wg.Add(1)
		go func(p pendingInit) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Interface("panic", r).Str("session_id", p.e.id).Msg("Panic in session restore")
					m.transition(p.e, StatusAuthFailure, map[string]interface{}{"reason": fmt.Sprint(r)})
				}
			}()
			m.initialize(tracing.WithSessionID(tracing.Detach(ctx), p.e.id), p.e, p.client)
		}(p)
	}
	wg.Wait()

	m.updateMetrics()
	m.logger.Info().Int("sessions", len(snapshot)).Int("initialized", len(toInit)).Msg("Sessions restored")
	return len(snapshot), loadErr
}

type pendingInit struct {
	e      *entry
	client adapter.Client
}

// adopt adds the stored sessions missing from the table as disconnected entries and returns
// the ones whose adapter still has to be initialized.
func (m *Manager) adopt(snapshot store.Snapshot) []pendingInit {
	var toInit []pendingInit

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	for id, rec := range snapshot {
		if _, exists := m.sessions[id]; exists {
			continue
		}
		created := rec.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		e := &entry{
			id:        id,
			status:    StatusDisconnected,
			webhooks:  webhooksFromRecords(rec.Webhooks),
			createdAt: created,
			events:    make(chan adapter.Event, m.eventBuffer),
			done:      make(chan struct{}),
		}
		m.sessions[id] = e

		client, err := m.factory(id, e.events)
		if err != nil {
			e.status = StatusAuthFailure
			e.reason = err.Error()
			m.logger.Error().Err(err).Str("session_id", id).Msg("Failed to construct chat client for restored session")
			continue
		}
		e.client = client
		m.wg.Add(1)
		go m.run(e)
		toInit = append(toInit, pendingInit{e: e, client: client})
	}
	return toInit
}

// Checkpoint re-saves the current snapshot.
func (m *Manager) Checkpoint(ctx context.Context) error {
	return m.persist(ctx)
}

// Shutdown persists the snapshot and tears down every adapter concurrently, giving up when ctx
// expires. Sessions stay in the snapshot so Restore brings them back.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	persistErr := m.saveFinal(ctx)

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, e := range entries {
			e.mu.Lock()
			e.removed = true
			client := e.client
			e.mu.Unlock()
			e.stop()
			if client == nil {
				continue
			}
			wg.Add(1)
			go func(id string, c adapter.Client) {
				defer wg.Done()
				if err := c.Destroy(ctx); err != nil {
					m.logger.Warn().Err(err).Str("session_id", id).Msg("Chat client teardown failed during shutdown")
				}
			}(e.id, client)
		}
		wg.Wait()
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info().Int("sessions", len(entries)).Msg("Session manager stopped")
		return persistErr
	case <-ctx.Done():
		m.logger.Warn().Msg("Session manager shutdown timed out, abandoning remaining teardowns")
		return ctx.Err()
	}
}

func (m *Manager) snapshot() store.Snapshot {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	snap := make(store.Snapshot, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			snap[e.id] = store.Record{
				Webhooks:  webhooksToRecords(e.webhooks),
				CreatedAt: e.createdAt,
				Status:    string(e.status),
			}
		}
		e.mu.Unlock()
	}
	return snap
}

// persist saves the current table. Failures are logged and returned; callers treat them as non-fatal.
func (m *Manager) persist(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil
	}

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if m.loadPending {
		stored, err := m.loadStored(ctx)
		if err != nil {
			return err
		}
		for _, p := range m.adopt(stored) {
			m.goInitialize(ctx, p.e, p.client)
		}
		m.loadPending = false
		m.logger.Info().Int("sessions", len(stored)).Msg("Session store loaded, saves resumed")
	}
	return m.save(ctx, m.snapshot())
}

// saveFinal writes the table once the manager is closed. Stored sessions that never made it
// into the table are carried over instead of being dropped. Caller has set m.closed.
func (m *Manager) saveFinal(ctx context.Context) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	snap := m.snapshot()
	if m.loadPending {
		stored, err := m.loadStored(ctx)
		if err != nil {
			return err
		}
		for id, rec := range stored {
			if _, ok := snap[id]; !ok {
				snap[id] = rec
			}
		}
		m.loadPending = false
	}
	return m.save(ctx, snap)
}

// loadStored re-reads the store while saves are held. Caller holds persistMu.
func (m *Manager) loadStored(ctx context.Context) (store.Snapshot, error) {
	loadCtx, cancel := context.WithTimeout(tracing.Detach(ctx), m.saveTimeout)
	defer cancel()

	start := time.Now()
	stored, err := m.store.Load(loadCtx)
	observability.RecordSnapshotLoad(time.Since(start))
	logger := tracing.LoggerFromContext(ctx, m.logger)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrCorruptStore):
		logger.Error().Err(err).Msg("Session store was corrupt, keeping the readable sessions")
	default:
		logger.Warn().Err(err).Msg("Session store still unreadable, skipping save")
		return nil, fmt.Errorf("session store not loaded, refusing to overwrite it: %w", err)
	}
	return stored, nil
}

func (m *Manager) save(ctx context.Context, snap store.Snapshot) error {
	saveCtx, cancel := context.WithTimeout(tracing.Detach(ctx), m.saveTimeout)
	defer cancel()

	start := time.Now()
	err := m.store.Save(saveCtx, snap)
	observability.RecordSnapshotSave(time.Since(start), err == nil)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, m.logger)
		logger.Error().Err(err).Int("sessions", len(snap)).Msg("Failed to persist session snapshot")
		return fmt.Errorf("failed to persist session snapshot: %w", err)
	}
	return nil
}

func (m *Manager) updateMetrics() {
	counts := make(map[string]int)
	for _, s := range m.ListSessions() {
		counts[string(s.Status)]++
	}
	names := make([]string, len(AllStatuses))
	for i, s := range AllStatuses {
		names[i] = string(s)
	}
	observability.SetSessionCounts(counts, names)
}

func webhooksToRecords(hooks []Webhook) []store.WebhookRecord {
	out := make([]store.WebhookRecord, len(hooks))
	for i, w := range hooks {
		types := make([]string, len(w.EventTypes))
		for j, t := range w.EventTypes {
			types[j] = string(t)
		}
		out[i] = store.WebhookRecord{ID: w.ID, URL: w.URL, EventTypes: types}
	}
	return out
}

func webhooksFromRecords(recs []store.WebhookRecord) []Webhook {
	out := make([]Webhook, 0, len(recs))
	for _, r := range recs {
		types := make([]EventType, 0, len(r.EventTypes))
		for _, t := range r.EventTypes {
			if et, ok := ParseEventType(t); ok {
				types = append(types, et)
			}
		}
		id := r.ID
		if id == "" {
			id = uuid.New().String()
		}
		out = append(out, Webhook{ID: id, URL: r.URL, EventTypes: types})
	}
	return out
}
