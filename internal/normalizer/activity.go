package normalizer

import (
	"sync"
	"time"
)

// activeSessionWindow is how recently a session must have been touched to
// count as active.
const activeSessionWindow = 60 * time.Second

// ActivityTracker remembers when each session was last normalized. The title
// service uses it to decide which sessions deserve retitling.
type ActivityTracker struct {
	mu           sync.Mutex
	lastModified map[string]time.Time
	now          func() time.Time
}

// NewActivityTracker creates an empty tracker.
func NewActivityTracker() *ActivityTracker {
	return &ActivityTracker{
		lastModified: make(map[string]time.Time),
		now:          time.Now,
	}
}

// MarkActive records a normalization for the session.
func (t *ActivityTracker) MarkActive(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastModified[sessionID] = t.now()
}

// IsActive reports whether the session was touched within the active window.
func (t *ActivityTracker) IsActive(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastModified[sessionID]
	return ok && t.now().Sub(last) < activeSessionWindow
}

// CleanupStale drops entries idle for more than twice the active window.
func (t *ActivityTracker) CleanupStale() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, last := range t.lastModified {
		if t.now().Sub(last) >= 2*activeSessionWindow {
			delete(t.lastModified, id)
		}
	}
}
