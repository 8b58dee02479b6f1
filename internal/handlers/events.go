package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/featherdev/feather/internal/logger"
	"github.com/featherdev/feather/internal/models"
	"github.com/featherdev/feather/internal/sessions"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

// EventsHandler streams the global event feed: session updates, generated
// titles, extracted memories, and user messages, bridged from the session
// cache broadcast. Every event carries a monotonic id so clients can detect
// gaps across reconnects.
type EventsHandler struct {
	cache *sessions.Cache
	seq   atomic.Uint64
}

// NewEventsHandler creates the global SSE handler.
func NewEventsHandler(cache *sessions.Cache) *EventsHandler {
	h := &EventsHandler{cache: cache}
	h.seq.Store(1)
	return h
}

// NextSeq returns the next event sequence number.
func (h *EventsHandler) NextSeq() uint64 {
	return h.seq.Add(1) - 1
}

// Broadcast publishes an event onto the shared feed.
func (h *EventsHandler) Broadcast(event models.SessionEvent) {
	h.cache.Broadcast(event)
}

// statusPayload is the shape of "status" events on the feed.
type statusPayload struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

type heartbeatPayload struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// HandleSSE streams the global event feed.
// GET /v1/events
func (h *EventsHandler) HandleSSE(c *fiber.Ctx) error {
	if ah := c.Get("Accept"); ah != "" && !strings.Contains(ah, "text/event-stream") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "This endpoint only accepts Server-Sent Events (text/event-stream)",
		})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	if lastID := c.Get("Last-Event-ID"); lastID != "" {
		logger.Infof("SSE client reconnecting from event ID: %s", lastID)
	}

	sub := h.cache.Subscribe()

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer h.cache.Unsubscribe(sub)

		send := func(eventName string, id uint64, payload any) bool {
			data, err := json.Marshal(payload)
			if err != nil {
				return true
			}
			if _, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", eventName, id, data); err != nil {
				return false
			}
			return w.Flush() == nil
		}

		initSeq := h.NextSeq()
		if !send("status", initSeq, statusPayload{
			Type:    "status",
			Status:  "connected",
			Details: fmt.Sprintf("seq: %d", initSeq),
		}) {
			return
		}

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				if !send(string(event.Type), h.NextSeq(), event) {
					return
				}
			case <-heartbeat.C:
				if !send("heartbeat", h.NextSeq(), heartbeatPayload{
					Type:      "heartbeat",
					Timestamp: time.Now().Unix(),
				}) {
					return
				}
			}
		}
	}))

	return nil
}
