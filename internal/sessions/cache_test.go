package sessions

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featherdev/feather/internal/models"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	return NewCache(dir, filepath.Join(dir, "memory.jsonl"))
}

func touchNormalized(t *testing.T, c *Cache, sessionID string) {
	t.Helper()
	require.NoError(t, os.WriteFile(c.NormalizedPath(sessionID), []byte("{}\n"), 0644))
}

func makeSession(id string, msgCount int) models.NormalizedSession {
	var messages []models.NormalizedMessage
	for i := 0; i < msgCount; i++ {
		messages = append(messages, models.NormalizedMessage{
			UUID:      id + "-m" + string(rune('a'+i)),
			Role:      "user",
			Timestamp: "2026-01-01T10:00:00Z",
			Content:   []models.ContentBlock{models.TextBlock("msg")},
		})
	}
	return models.NormalizedSession{
		Meta: models.SessionMeta{
			ID:           id,
			Project:      "-home-user-app",
			MessageCount: msgCount,
			Source:       models.SourceClaude,
		},
		Messages: messages,
	}
}

func TestCacheUpsertPreservesTitleAndWatermark(t *testing.T) {
	c := newTestCache(t)

	c.Upsert(makeSession("s1", 2))
	c.UpdateTitle("s1", "Fix login bug")
	c.MarkMemoryExtracted("s1", "s1-ma")

	// Renormalization replaces the session without a title; both the title
	// and the memory watermark must survive.
	c.Upsert(makeSession("s1", 3))

	got := c.Get("s1")
	require.NotNil(t, got)
	require.NotNil(t, got.Meta.Title)
	assert.Equal(t, "Fix login bug", *got.Meta.Title)
	require.NotNil(t, got.Meta.LastMemoryUUID)
	assert.Equal(t, "s1-ma", *got.Meta.LastMemoryUUID)
	assert.Len(t, got.Messages, 3)
}

func TestCacheListEvictsMissingFiles(t *testing.T) {
	c := newTestCache(t)

	c.Upsert(makeSession("alive", 1))
	c.Upsert(makeSession("gone", 1))
	touchNormalized(t, c, "alive")

	metas := c.List()
	require.Len(t, metas, 1)
	assert.Equal(t, "alive", metas[0].ID)

	// Evicted for real, not just filtered from the listing.
	assert.Nil(t, c.Get("gone"))
}

func TestCacheAppendMessage(t *testing.T) {
	c := newTestCache(t)

	msg := models.NormalizedMessage{
		UUID:      "m1",
		Role:      "user",
		Timestamp: "2026-01-01T10:00:00Z",
		Content:   []models.ContentBlock{models.TextBlock("first")},
	}
	require.NoError(t, c.AppendMessage("s1", "-home-user-app", msg))

	msg2 := msg
	msg2.UUID = "m2"
	msg2.Timestamp = "2026-01-01T10:01:00Z"
	require.NoError(t, c.AppendMessage("s1", "-home-user-app", msg2))

	got := c.Get("s1")
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Meta.MessageCount)
	assert.Equal(t, "2026-01-01T10:00:00Z", got.Meta.CreatedAt)
	assert.Equal(t, "2026-01-01T10:01:00Z", got.Meta.UpdatedAt)

	data, err := os.ReadFile(c.NormalizedPath("s1"))
	require.NoError(t, err)
	assert.Equal(t, 2, len(splitLines(string(data))))
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				lines = append(lines, s[start:i])
			}
			start = i + 1
		}
	}
	return lines
}

func TestCacheSubscription(t *testing.T) {
	c := newTestCache(t)
	sub := c.Subscribe()
	defer c.Unsubscribe(sub)

	c.Broadcast(models.SessionEvent{Type: models.TitleUpdatedEvent, SessionID: "s1", Title: "T"})

	select {
	case event := <-sub.Events():
		assert.Equal(t, models.TitleUpdatedEvent, event.Type)
		assert.Equal(t, "s1", event.SessionID)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestCacheSubscriptionOverflowDropsOldest(t *testing.T) {
	c := newTestCache(t)
	sub := c.Subscribe()
	defer c.Unsubscribe(sub)

	total := subscriberBuffer + 10
	for i := 0; i < total; i++ {
		c.Broadcast(models.SessionEvent{Type: models.SessionUpdatedEvent, SessionID: "s"})
	}

	// Drain everything currently queued. The oldest events are gone, skip
	// markers flag the gap, and the newest events survived.
	received := 0
	skips := 0
	var last models.SessionEvent
	for {
		select {
		case event := <-sub.Events():
			received++
			if event.Type == models.EventsSkippedEvent {
				skips++
			}
			last = event
			continue
		default:
		}
		break
	}

	assert.Equal(t, subscriberBuffer, received)
	assert.GreaterOrEqual(t, skips, 1)
	assert.Less(t, received-skips, total)
	assert.Equal(t, models.SessionUpdatedEvent, last.Type)
}

func TestCacheUnsubscribeDuringBroadcast(t *testing.T) {
	c := newTestCache(t)

	// Hammer the event stream from several producers while subscribers come
	// and go. A subscriber leaving mid-broadcast must never crash a producer.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					c.Broadcast(models.SessionEvent{Type: models.SessionUpdatedEvent, SessionID: "s"})
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		sub := c.Subscribe()
		c.Unsubscribe(sub)
		// Drain whatever was buffered; the channel must end up closed, and
		// no producer may send past the close.
		for {
			if _, open := <-sub.Events(); !open {
				break
			}
		}
	}

	close(stop)
	wg.Wait()

	// Double unsubscribe stays a no-op.
	sub := c.Subscribe()
	c.Unsubscribe(sub)
	c.Unsubscribe(sub)
}

func TestCacheExtractionWatermark(t *testing.T) {
	c := newTestCache(t)
	c.Upsert(makeSession("s1", 5))

	ids := c.SessionsNeedingExtraction(3)
	assert.Equal(t, []string{"s1"}, ids)

	messages := c.MessagesForExtraction("s1", 50)
	require.Len(t, messages, 5)

	c.MarkMemoryExtracted("s1", messages[len(messages)-1].UUID)
	assert.Empty(t, c.SessionsNeedingExtraction(3))
	assert.Empty(t, c.MessagesForExtraction("s1", 50))

	assert.Nil(t, c.MessagesForExtraction("unknown", 50))
}
