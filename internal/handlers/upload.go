package handlers

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/featherdev/feather/internal/config"
	"github.com/featherdev/feather/internal/logger"
)

// UploadHandler stores raw-body uploads (screenshots and attachments) under
// the uploads dir, which is also served statically so agents can read the
// files by path.
type UploadHandler struct {
	config *config.RuntimeConfig
}

// NewUploadHandler creates the upload handler.
func NewUploadHandler(cfg *config.RuntimeConfig) *UploadHandler {
	return &UploadHandler{config: cfg}
}

// UploadImage saves a pasted or captured screenshot. The body is the raw
// image; the extension comes from the Content-Type.
// POST /v1/upload/image
func (h *UploadHandler) UploadImage(c *fiber.Ctx) error {
	if err := os.MkdirAll(h.config.UploadsDir, 0755); err != nil {
		return c.JSON(fiber.Map{"status": "error", "path": nil})
	}

	ext := "png"
	switch {
	case strings.Contains(c.Get("Content-Type"), "jpeg"), strings.Contains(c.Get("Content-Type"), "jpg"):
		ext = "jpg"
	case strings.Contains(c.Get("Content-Type"), "gif"):
		ext = "gif"
	case strings.Contains(c.Get("Content-Type"), "webp"):
		ext = "webp"
	}

	filename := fmt.Sprintf("screenshot-%d.%s", time.Now().UnixMilli(), ext)
	path := filepath.Join(h.config.UploadsDir, filename)
	if err := os.WriteFile(path, c.Body(), 0644); err != nil {
		logger.Errorf("Failed to save uploaded image: %v", err)
		return c.JSON(fiber.Map{"status": "error", "path": nil})
	}

	logger.Infof("Saved uploaded image: %s (%d bytes)", path, len(c.Body()))
	return c.JSON(fiber.Map{"status": "ok", "path": path})
}

// UploadFile saves an arbitrary attachment. The original name arrives
// urlencoded in the X-Filename header; when it carries no extension one is
// derived from the Content-Type.
// POST /v1/upload/file
func (h *UploadHandler) UploadFile(c *fiber.Ctx) error {
	if err := os.MkdirAll(h.config.UploadsDir, 0755); err != nil {
		return c.JSON(fiber.Map{"status": "error", "path": nil})
	}

	name := c.Get("X-Filename")
	if decoded, err := url.QueryUnescape(name); err == nil {
		name = decoded
	}
	if name == "" {
		name = "upload"
	}
	name = sanitizeFilename(name)

	ext := ""
	if filepath.Ext(name) == "" {
		ext = extensionForContentType(c.Get("Content-Type"))
	}

	filename := fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), name, ext)
	path := filepath.Join(h.config.UploadsDir, filename)
	if err := os.WriteFile(path, c.Body(), 0644); err != nil {
		logger.Errorf("Failed to save uploaded file: %v", err)
		return c.JSON(fiber.Map{"status": "error", "path": nil})
	}

	logger.Infof("Saved uploaded file: %s (%d bytes)", path, len(c.Body()))
	return c.JSON(fiber.Map{"status": "ok", "path": path})
}

// sanitizeFilename keeps letters, digits, dot, dash, underscore and space.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_' || r == ' ':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "upload"
	}
	return b.String()
}

func extensionForContentType(contentType string) string {
	known := map[string]string{
		"application/json": ".json",
		"application/pdf":  ".pdf",
		"image/gif":        ".gif",
		"image/jpeg":       ".jpg",
		"image/png":        ".png",
		"image/webp":       ".webp",
		"text/csv":         ".csv",
		"text/markdown":    ".md",
		"text/plain":       ".txt",

		"application/msword":       ".doc",
		"application/vnd.ms-excel": ".xls",

		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       ".xlsx",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	}
	base, _, _ := strings.Cut(contentType, ";")
	if ext, ok := known[strings.TrimSpace(base)]; ok {
		return ext
	}
	return ".bin"
}
