package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/featherdev/feather/internal/models"
	"github.com/featherdev/feather/internal/sessions"
	"github.com/featherdev/feather/internal/tail"
)

const (
	tailPollInterval   = 100 * time.Millisecond
	tailKeepaliveEvery = 15 * time.Second
)

// TailHandler streams new transcript lines over SSE as the agent writes them.
type TailHandler struct {
	cache *sessions.Cache
}

// NewTailHandler creates the tail handler.
func NewTailHandler(cache *sessions.Cache) *TailHandler {
	return &TailHandler{cache: cache}
}

// tailItem is one emitted line with the cursor to resume after it.
type tailItem struct {
	Cursor string   `json:"cursor"`
	Line   tailLine `json:"line"`
}

// tailLine mirrors the live transcript shape the dashboard renders.
type tailLine struct {
	Type      string      `json:"type"`
	UUID      string      `json:"uuid"`
	Timestamp string      `json:"timestamp"`
	Message   tailPayload `json:"message"`
}

type tailPayload struct {
	Role    string                `json:"role"`
	Content []models.ContentBlock `json:"content"`
}

// HandleTail streams a session's normalized transcript from the given cursor.
// Claude transcripts are rewritten whole on every update, so a change there
// restarts the stream from the top and the client dedupes on uuid; Codex and
// Pi transcripts are append-only and stream incrementally.
// GET /v1/projects/:project/sessions/:session/tail
func (h *TailHandler) HandleTail(c *fiber.Ctx) error {
	sessionID := c.Params("session")

	var offset int64
	if cursor := c.Query("cursor"); cursor != "" {
		if parsed, ok := tail.DecodeCursor(cursor); ok {
			offset = parsed
		}
	}

	appendOnly := false
	if session := h.cache.Get(sessionID); session != nil {
		appendOnly = session.Meta.Source != models.SourceClaude
	}

	path := h.cache.NormalizedPath(sessionID)

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		var lastMtime time.Time
		lastWrite := time.Now()

		keepalive := func() bool {
			if time.Since(lastWrite) < tailKeepaliveEvery {
				return true
			}
			lastWrite = time.Now()
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return false
			}
			return w.Flush() == nil
		}

		sendError := func(message string) {
			payload, _ := json.Marshal(fiber.Map{"error": message})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			_ = w.Flush()
		}

		for {
			info, err := os.Stat(path)
			if err != nil {
				// Transcript not written yet; keep the connection warm.
				if !keepalive() {
					return
				}
				time.Sleep(tailPollInterval)
				continue
			}

			if !appendOnly && !lastMtime.IsZero() && !info.ModTime().Equal(lastMtime) {
				offset = 0
			}
			lastMtime = info.ModTime()

			lines, newOffset, err := tail.ReadFrom(path, offset)
			if err != nil {
				sendError(err.Error())
				return
			}

			if len(lines) > 0 {
				items := make([]tailItem, 0, len(lines))
				running := offset
				for _, line := range lines {
					running += int64(len(line)) + 1
					var msg models.NormalizedMessage
					if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Role == "" {
						continue
					}
					items = append(items, tailItem{
						Cursor: tail.EncodeCursor(running),
						Line: tailLine{
							Type:      msg.Role,
							UUID:      msg.UUID,
							Timestamp: msg.Timestamp,
							Message:   tailPayload{Role: msg.Role, Content: msg.Content},
						},
					})
				}
				offset = newOffset
				if len(items) > 0 {
					// The last cursor accounts for any skipped blank lines.
					items[len(items)-1].Cursor = tail.EncodeCursor(newOffset)
					payload, err := json.Marshal(items)
					if err == nil {
						lastWrite = time.Now()
						if _, err := fmt.Fprintf(w, "event: lines\ndata: %s\n\n", payload); err != nil {
							return
						}
						if w.Flush() != nil {
							return
						}
					}
				}
			} else if !keepalive() {
				return
			}

			time.Sleep(tailPollInterval)
		}
	}))

	return nil
}
