package pool

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// SessionRecord is observability-only bookkeeping for one client
// session. It never influences worker selection.
type SessionRecord struct {
	SessionID      string    `json:"session_id"`
	Operations     uint64    `json:"operations"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// SessionTracker is a capacity-bounded table with idle-TTL eviction.
// Each touch re-inserts the record, which resets its TTL and moves it
// to the front, so the LRU tail is always the longest-idle session.
type SessionTracker struct {
	mu     sync.Mutex
	lru    *expirable.LRU[string, *SessionRecord]
	logger *zap.Logger
}

func NewSessionTracker(maxSessions int, idleTTL time.Duration, logger *zap.Logger) *SessionTracker {
	t := &SessionTracker{logger: logger}
	t.lru = expirable.NewLRU[string, *SessionRecord](maxSessions, t.onEvict, idleTTL)
	return t
}

func (t *SessionTracker) onEvict(id string, rec *SessionRecord) {
	t.logger.Debug("session evicted",
		zap.String("session_id", id),
		zap.Uint64("operations", rec.Operations))
}

// Touch records one operation for the session, creating the record on
// first sight. Fire-and-forget from the dispatcher's point of view.
func (t *SessionTracker) Touch(id string) {
	if id == "" {
		return
	}
	now := time.Now()

	t.mu.Lock()
	rec, ok := t.lru.Get(id)
	if !ok {
		rec = &SessionRecord{SessionID: id, StartedAt: now}
	}
	rec.Operations++
	rec.LastActivityAt = now
	t.lru.Add(id, rec)
	t.mu.Unlock()
}

// Get returns a copy of the record, if present.
func (t *SessionTracker) Get(id string) (SessionRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.lru.Peek(id)
	if !ok {
		return SessionRecord{}, false
	}
	return *rec, true
}

// Remove deletes the record; worker state is untouched by design.
func (t *SessionTracker) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Remove(id)
}

func (t *SessionTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Len()
}

// Snapshot copies every live record, keyed by session id.
func (t *SessionTracker) Snapshot() map[string]SessionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]SessionRecord, t.lru.Len())
	for _, id := range t.lru.Keys() {
		if rec, ok := t.lru.Peek(id); ok {
			out[id] = *rec
		}
	}
	return out
}
