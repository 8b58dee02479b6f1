package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/featherdev/feather/internal/services"
)

// DeployHandler exposes self-deploy: rebuild the server from source, watch
// progress over SSE, and roll back to an archived build.
type DeployHandler struct {
	deploy *services.DeployService
}

// NewDeployHandler creates the deploy handler.
func NewDeployHandler(deploy *services.DeployService) *DeployHandler {
	return &DeployHandler{deploy: deploy}
}

// Status reports service states and the active build.
// GET /v1/deploy/status
func (h *DeployHandler) Status(c *fiber.Ctx) error {
	return c.JSON(h.deploy.Status())
}

// StartApp kicks off a background rebuild-and-restart.
// POST /v1/deploy/app
func (h *DeployHandler) StartApp(c *fiber.Ctx) error {
	if err := h.deploy.StartAppDeploy(); err != nil {
		return c.JSON(fiber.Map{"status": fmt.Sprintf("error: %v", err)})
	}
	return c.JSON(fiber.Map{"status": "started"})
}

// Rollback activates an archived build.
// POST /v1/deploy/rollback
func (h *DeployHandler) Rollback(c *fiber.Ctx) error {
	var req struct {
		Version string `json:"version"`
	}
	if err := c.BodyParser(&req); err != nil || req.Version == "" {
		return c.JSON(fiber.Map{"status": "error: version required"})
	}
	if err := h.deploy.StartRollback(req.Version); err != nil {
		return c.JSON(fiber.Map{"status": fmt.Sprintf("error: %v", err)})
	}
	return c.JSON(fiber.Map{"status": "started"})
}

// Stream streams deploy progress over SSE. Each deploy event goes out under
// its type (output, progress, complete); idle periods get keepalive comments.
// GET /v1/deploy/stream
func (h *DeployHandler) Stream(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	events, unsubscribe := h.deploy.Subscribe()

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		keepalive := time.NewTicker(15 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(event)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
					return
				}
				if w.Flush() != nil {
					return
				}
			case <-keepalive.C:
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				if w.Flush() != nil {
					return
				}
			}
		}
	}))

	return nil
}
