package dispatch

import (
	"sort"
	"sync"
	"time"
)

// DeliveryStats summarizes deliveries to one webhook.
type DeliveryStats struct {
	SessionID        string    `json:"sessionId"`
	WebhookID        string    `json:"webhookId"`
	URL              string    `json:"url"`
	Attempts         int64     `json:"attempts"`
	Successes        int64     `json:"successes"`
	Failures         int64     `json:"failures"`
	AverageLatencyMs float64   `json:"averageLatencyMs"`
	LastStatus       int       `json:"lastStatus,omitempty"`
	LastError        string    `json:"lastError,omitempty"`
	LastAttemptAt    time.Time `json:"lastAttemptAt"`
}

// StatsTracker keeps in-memory delivery counters per session and webhook.
// Forgotten ids stay forgotten: a delivery that finishes after Forget is not counted.
// Session and webhook ids are never reused, so the tombstones are never cleared.
type StatsTracker struct {
	mu    sync.RWMutex
	stats map[string]map[string]*DeliveryStats

	goneSessions map[string]struct{}
	goneHooks    map[hookKey]struct{}
}

type hookKey struct {
	sessionID string
	webhookID string
}

// NewStatsTracker creates an empty tracker.
func NewStatsTracker() *StatsTracker {
	return &StatsTracker{
		stats:        make(map[string]map[string]*DeliveryStats),
		goneSessions: make(map[string]struct{}),
		goneHooks:    make(map[hookKey]struct{}),
	}
}

// Track records one delivery attempt. status is 0 when no response was received.
func (t *StatsTracker) Track(sessionID, webhookID, url string, status int, err error, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, gone := t.goneSessions[sessionID]; gone {
		return
	}
	if _, gone := t.goneHooks[hookKey{sessionID, webhookID}]; gone {
		return
	}

	bySession, ok := t.stats[sessionID]
	if !ok {
		bySession = make(map[string]*DeliveryStats)
		t.stats[sessionID] = bySession
	}
	s, ok := bySession[webhookID]
	if !ok {
		s = &DeliveryStats{SessionID: sessionID, WebhookID: webhookID, URL: url}
		bySession[webhookID] = s
	}

	s.Attempts++
	if err == nil {
		s.Successes++
		s.LastError = ""
	} else {
		s.Failures++
		s.LastError = err.Error()
	}
	s.LastStatus = status

	// running average
	ms := float64(latency.Microseconds()) / 1000
	s.AverageLatencyMs = (s.AverageLatencyMs*float64(s.Attempts-1) + ms) / float64(s.Attempts)
	s.LastAttemptAt = time.Now().UTC()
}

// Stats returns copies of the counters for a session ordered by webhook id.
func (t *StatsTracker) Stats(sessionID string) []DeliveryStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	bySession := t.stats[sessionID]
	out := make([]DeliveryStats, 0, len(bySession))
	for _, s := range bySession {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WebhookID < out[j].WebhookID })
	return out
}

// Forget drops counters for a session, or for one webhook when webhookID is set.
func (t *StatsTracker) Forget(sessionID, webhookID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if webhookID == "" {
		t.goneSessions[sessionID] = struct{}{}
		delete(t.stats, sessionID)
		for k := range t.goneHooks {
			if k.sessionID == sessionID {
				delete(t.goneHooks, k)
			}
		}
		return
	}
	t.goneHooks[hookKey{sessionID, webhookID}] = struct{}{}
	if bySession, ok := t.stats[sessionID]; ok {
		delete(bySession, webhookID)
		if len(bySession) == 0 {
			delete(t.stats, sessionID)
		}
	}
}
