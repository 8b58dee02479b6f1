package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/featherdev/feather/internal/models"
)

// subscriberBuffer is the per-subscriber event queue depth. A subscriber that
// falls further behind loses its oldest events, never blocks producers.
const subscriberBuffer = 256

// Cache is the in-memory view of all normalized sessions, shared by the HTTP
// layer, the normalizer, and the title/memory services. All methods are safe
// for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	sessions map[string]*models.NormalizedSession

	subMu       sync.Mutex
	subscribers map[string]*Subscription

	// NormalizedDir holds one {session_id}.jsonl per session.
	NormalizedDir string
	// MemoryFile is the append-only extracted facts file.
	MemoryFile string
}

// Subscription is one consumer of the session event stream.
type Subscription struct {
	id      string
	ch      chan models.SessionEvent
	mu      sync.Mutex
	closed  bool
	skipped bool
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan models.SessionEvent {
	return s.ch
}

// deliver enqueues an event without ever blocking. When the buffer is full
// the oldest event is dropped and replaced with a single skip marker so the
// consumer knows it has a gap. Events arriving after close are discarded.
func (s *Subscription) deliver(event models.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	for {
		select {
		case s.ch <- event:
			s.skipped = false
			return
		default:
		}

		select {
		case <-s.ch:
			if !s.skipped {
				s.skipped = true
				select {
				case s.ch <- models.SessionEvent{Type: models.EventsSkippedEvent}:
				default:
				}
			}
		default:
		}
	}
}

// NewCache creates an empty session cache.
func NewCache(normalizedDir, memoryFile string) *Cache {
	return &Cache{
		sessions:      make(map[string]*models.NormalizedSession),
		subscribers:   make(map[string]*Subscription),
		NormalizedDir: normalizedDir,
		MemoryFile:    memoryFile,
	}
}

// NormalizedPath returns the canonical file path for a session id.
func (c *Cache) NormalizedPath(sessionID string) string {
	return filepath.Join(c.NormalizedDir, sessionID+".jsonl")
}

// Get returns a copy of the session, or nil if absent.
func (c *Cache) Get(sessionID string) *models.NormalizedSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	session, ok := c.sessions[sessionID]
	if !ok {
		return nil
	}
	cloned := cloneSession(session)
	return &cloned
}

// Upsert inserts or replaces a session and broadcasts an update event.
// An existing title survives a replacement that carries none, so a raw-file
// rewrite never wipes out a generated title.
func (c *Cache) Upsert(session models.NormalizedSession) {
	c.mu.Lock()
	if existing, ok := c.sessions[session.Meta.ID]; ok {
		if session.Meta.Title == nil {
			session.Meta.Title = existing.Meta.Title
		}
		if session.Meta.LastMemoryUUID == nil {
			session.Meta.LastMemoryUUID = existing.Meta.LastMemoryUUID
		}
	}
	stored := cloneSession(&session)
	c.sessions[session.Meta.ID] = &stored
	c.mu.Unlock()

	c.broadcast(models.SessionEvent{
		Type:        models.SessionUpdatedEvent,
		SessionID:   session.Meta.ID,
		Project:     session.Meta.Project,
		NewMessages: len(session.Messages),
	})
}

// UpdateTitle sets the title for a session and broadcasts the change.
func (c *Cache) UpdateTitle(sessionID, title string) {
	c.mu.Lock()
	if session, ok := c.sessions[sessionID]; ok {
		t := title
		session.Meta.Title = &t
	}
	c.mu.Unlock()

	c.broadcast(models.SessionEvent{
		Type:      models.TitleUpdatedEvent,
		SessionID: sessionID,
		Title:     title,
	})
}

// List returns metadata for all live sessions. Entries whose normalized file
// has been removed from disk are evicted on the way out.
func (c *Cache) List() []models.SessionMeta {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result []models.SessionMeta
	var stale []string
	for id, session := range c.sessions {
		if _, err := os.Stat(c.NormalizedPath(id)); err != nil {
			stale = append(stale, id)
			continue
		}
		result = append(result, session.Meta)
	}
	for _, id := range stale {
		delete(c.sessions, id)
	}
	return result
}

// AppendMessage appends one message to a session, creating the session on
// first use. The normalized file is written before the cache is updated so a
// crash can lose at most the cache, never the file.
func (c *Cache) AppendMessage(sessionID, project string, message models.NormalizedMessage) error {
	if err := os.MkdirAll(c.NormalizedDir, 0755); err != nil {
		return fmt.Errorf("failed to create normalized dir: %w", err)
	}

	session := c.Get(sessionID)
	if session == nil {
		session = &models.NormalizedSession{
			Meta: models.SessionMeta{
				ID:        sessionID,
				Project:   project,
				CreatedAt: message.Timestamp,
				UpdatedAt: message.Timestamp,
				Source:    models.SourceClaude,
			},
		}
	}

	session.Messages = append(session.Messages, message)
	session.Meta.MessageCount = len(session.Messages)
	if session.Meta.CreatedAt == "" {
		session.Meta.CreatedAt = message.Timestamp
	}
	session.Meta.UpdatedAt = message.Timestamp

	file, err := os.OpenFile(c.NormalizedPath(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open normalized file: %w", err)
	}
	defer file.Close()

	line, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := fmt.Fprintf(file, "%s\n", line); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	c.Upsert(*session)
	return nil
}

// SessionsNeedingExtraction returns ids of sessions with at least minNew
// messages past their memory watermark.
func (c *Cache) SessionsNeedingExtraction(minNew int) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []string
	for id, session := range c.sessions {
		lastIdx := 0
		if session.Meta.LastMemoryUUID != nil {
			for i, msg := range session.Messages {
				if msg.UUID == *session.Meta.LastMemoryUUID {
					lastIdx = i
					break
				}
			}
		}
		if len(session.Messages)-lastIdx >= minNew {
			result = append(result, id)
		}
	}
	return result
}

// MarkMemoryExtracted advances the memory watermark for a session.
func (c *Cache) MarkMemoryExtracted(sessionID, lastUUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if session, ok := c.sessions[sessionID]; ok {
		u := lastUUID
		session.Meta.LastMemoryUUID = &u
	}
}

// MessagesForExtraction returns up to maxMessages messages past the memory
// watermark, or nil if the session is unknown.
func (c *Cache) MessagesForExtraction(sessionID string, maxMessages int) []models.NormalizedMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	session, ok := c.sessions[sessionID]
	if !ok {
		return nil
	}
	start := 0
	if session.Meta.LastMemoryUUID != nil {
		for i, msg := range session.Messages {
			if msg.UUID == *session.Meta.LastMemoryUUID {
				start = i + 1
				break
			}
		}
	}
	end := start + maxMessages
	if end > len(session.Messages) {
		end = len(session.Messages)
	}
	result := make([]models.NormalizedMessage, end-start)
	copy(result, session.Messages[start:end])
	return result
}

// Subscribe registers a new event stream consumer.
func (c *Cache) Subscribe() *Subscription {
	sub := &Subscription{
		id: uuid.New().String(),
		ch: make(chan models.SessionEvent, subscriberBuffer),
	}
	c.subMu.Lock()
	c.subscribers[sub.id] = sub
	c.subMu.Unlock()
	return sub
}

// Unsubscribe removes a consumer and closes its channel. The close happens
// under the subscription's own lock so an in-flight deliver can never send on
// the closed channel; a broadcast that already snapshotted the subscriber
// list sees the closed flag and discards the event instead.
func (c *Cache) Unsubscribe(sub *Subscription) {
	c.subMu.Lock()
	_, ok := c.subscribers[sub.id]
	delete(c.subscribers, sub.id)
	c.subMu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	sub.closed = true
	close(sub.ch)
	sub.mu.Unlock()
}

// Broadcast publishes an event to all subscribers without blocking.
func (c *Cache) Broadcast(event models.SessionEvent) {
	c.broadcast(event)
}

func (c *Cache) broadcast(event models.SessionEvent) {
	c.subMu.Lock()
	subs := make([]*Subscription, 0, len(c.subscribers))
	for _, sub := range c.subscribers {
		subs = append(subs, sub)
	}
	c.subMu.Unlock()

	for _, sub := range subs {
		sub.deliver(event)
	}
}

func cloneSession(session *models.NormalizedSession) models.NormalizedSession {
	cloned := *session
	cloned.Messages = make([]models.NormalizedMessage, len(session.Messages))
	copy(cloned.Messages, session.Messages)
	return cloned
}
