package pipeline

import (
	"sync"

	"github.com/techtrend/support-agent/internal/models"
)

// sessionCache is the in-memory, per-key view over persisted sessions.
// Each entry carries the per-session lock that serializes transitions
// for one (user, thread) key; different keys proceed in parallel. The
// cached session is disposable, storage stays the source of truth.
type sessionCache struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
}

type sessionEntry struct {
	mu      sync.Mutex
	session *models.SessionState
}

func newSessionCache() *sessionCache {
	return &sessionCache{entries: make(map[string]*sessionEntry)}
}

// entry returns the lock-carrying entry for a key, creating it if absent.
// Callers hold entry.mu for the duration of a state transition.
func (c *sessionCache) entry(key string) *sessionEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[key]
	if !exists {
		e = &sessionEntry{}
		c.entries[key] = e
	}
	return e
}
