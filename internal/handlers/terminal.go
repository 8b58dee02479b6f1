package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/valyala/fasthttp"

	"github.com/featherdev/feather/internal/logger"
	"github.com/featherdev/feather/internal/services"
)

const (
	terminalSSEPollInterval = 300 * time.Millisecond
	terminalWSPollInterval  = 200 * time.Millisecond
	terminalWSLines         = 200
)

// TerminalHandler exposes a session's tmux pane: a read-only SSE mirror for
// the dashboard and an interactive WebSocket for the embedded terminal.
type TerminalHandler struct {
	tmux *services.TmuxManager
}

// NewTerminalHandler creates the terminal handler.
func NewTerminalHandler(tmux *services.TmuxManager) *TerminalHandler {
	return &TerminalHandler{tmux: tmux}
}

type terminalFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// HandleSSE streams pane snapshots, sending a frame only when the pane
// content changed since the last poll.
// GET /v1/claude/terminal/:session
func (h *TerminalHandler) HandleSSE(c *fiber.Ctx) error {
	sessionID := c.Params("session")
	lines := c.QueryInt("lines", 100)

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		var last string
		for {
			output := h.tmux.CaptureOutput(sessionID, lines)
			if output != last {
				last = output
				payload, err := json.Marshal(terminalFrame{Type: "terminal", Data: output})
				if err == nil {
					if _, err := fmt.Fprintf(w, "event: terminal\ndata: %s\n\n", payload); err != nil {
						return
					}
				}
			} else if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			if w.Flush() != nil {
				return
			}
			time.Sleep(terminalSSEPollInterval)
		}
	}))

	return nil
}

// HandleWS runs the interactive terminal: pane snapshots flow out while
// incoming keystrokes are forwarded to tmux.
// GET /ws/terminal/:session
func (h *TerminalHandler) HandleWS() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		sessionID := conn.Params("session")
		logger.Debugf("Terminal WebSocket connected for session %s", sessionID)

		done := make(chan struct{})

		go func() {
			defer close(done)
			for {
				_, input, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if err := h.tmux.SendRawKeys(sessionID, string(input)); err != nil {
					logger.Debugf("Failed to forward keys to %s: %v", sessionID, err)
				}
			}
		}()

		var last string
		ticker := time.NewTicker(terminalWSPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				output := h.tmux.CaptureOutput(sessionID, terminalWSLines)
				if output == last {
					continue
				}
				last = output
				payload, err := json.Marshal(terminalFrame{Type: "terminal", Data: output})
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			}
		}
	})
}

// UpgradeWS gates the websocket route on an actual upgrade request.
func UpgradeWS(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}
