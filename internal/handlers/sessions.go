package handlers

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/featherdev/feather/internal/config"
	"github.com/featherdev/feather/internal/models"
	"github.com/featherdev/feather/internal/normalizer"
	"github.com/featherdev/feather/internal/sessions"
	"github.com/featherdev/feather/internal/tail"
)

// SessionsHandler serves project and session listings plus message history,
// all backed by the normalized session cache and its files on disk.
type SessionsHandler struct {
	cache    *sessions.Cache
	config   *config.RuntimeConfig
	activity *normalizer.ActivityTracker
}

// NewSessionsHandler creates the sessions handler. The activity tracker marks
// sessions normalized within the last minute as active in listings.
func NewSessionsHandler(cache *sessions.Cache, cfg *config.RuntimeConfig, activity *normalizer.ActivityTracker) *SessionsHandler {
	return &SessionsHandler{cache: cache, config: cfg, activity: activity}
}

// Project is one entry of the projects listing.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// Session is one entry of a project's session listing.
type Session struct {
	ID          string  `json:"id"`
	Project     string  `json:"project"`
	Title       *string `json:"title"`
	LastUpdated string  `json:"lastUpdated"`
	Source      string  `json:"source"`
	Active      bool    `json:"active"`
}

// historyMessage is the wire shape of one message in a history response.
type historyMessage struct {
	Role      string                `json:"role"`
	Content   []models.ContentBlock `json:"content"`
	Timestamp string                `json:"timestamp"`
	UUID      string                `json:"uuid"`
}

// ListProjects returns the union of the Claude projects directory and every
// project known to the session cache.
// GET /v1/projects
func (h *SessionsHandler) ListProjects(c *fiber.Ctx) error {
	ids := make(map[string]struct{})

	if entries, err := os.ReadDir(h.config.ClaudeProjectsDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				ids[entry.Name()] = struct{}{}
			}
		}
	}
	for _, meta := range h.cache.List() {
		if meta.Project != "" {
			ids[meta.Project] = struct{}{}
		}
	}

	projects := make([]Project, 0, len(ids))
	for id := range ids {
		path := normalizer.ReconstructProjectPath(id)
		projects = append(projects, Project{ID: id, Name: path, Path: path})
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })

	return c.JSON(fiber.Map{"projects": projects})
}

// ListSessions returns the sessions of one project, newest first.
// GET /v1/projects/:project/sessions
func (h *SessionsHandler) ListSessions(c *fiber.Ctx) error {
	projectID := c.Params("project")

	result := make([]Session, 0)
	for _, meta := range h.cache.List() {
		if meta.Project != projectID {
			continue
		}
		lastUpdated := meta.UpdatedAt
		if lastUpdated == "" {
			lastUpdated = "unknown"
		}
		result = append(result, Session{
			ID:          meta.ID,
			Project:     meta.Project,
			Title:       meta.Title,
			LastUpdated: lastUpdated,
			Source:      meta.Source,
			Active:      h.activity != nil && h.activity.IsActive(meta.ID),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LastUpdated > result[j].LastUpdated })

	return c.JSON(fiber.Map{
		"project":  projectID,
		"sessions": result,
	})
}

// GetHistory returns a session's messages from its normalized file. The
// optional offset query skips past messages the client already has; the
// returned cursor (current file size) seeds the tail stream.
// GET /v1/projects/:project/sessions/:session/history
func (h *SessionsHandler) GetHistory(c *fiber.Ctx) error {
	projectID := c.Params("project")
	sessionID := c.Params("session")
	offset := c.QueryInt("offset", 0)

	path := h.cache.NormalizedPath(sessionID)

	var fileSize int64
	if info, err := os.Stat(path); err == nil {
		fileSize = info.Size()
	}

	messages := make([]historyMessage, 0)
	if data, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if line == "" {
				continue
			}
			var msg models.NormalizedMessage
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				continue
			}
			if len(msg.Content) == 0 {
				continue
			}
			messages = append(messages, historyMessage{
				Role:      msg.Role,
				Content:   msg.Content,
				Timestamp: msg.Timestamp,
				UUID:      msg.UUID,
			})
		}
	}

	if offset > 0 {
		if offset < len(messages) {
			messages = messages[offset:]
		} else {
			messages = messages[:0]
		}
	}

	return c.JSON(fiber.Map{
		"session_id": sessionID,
		"project":    projectID,
		"messages":   messages,
		"cursor":     tail.EncodeCursor(fileSize),
	})
}

// CreateProject makes a new project directory under the home dir with a
// CLAUDE.md seed and an AGENTS.md symlink so Codex reads the same
// instructions. The matching Claude projects dir is created so the project
// shows up in listings immediately.
// POST /v1/projects
func (h *SessionsHandler) CreateProject(c *fiber.Ctx) error {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.JSON(fiber.Map{"status": "error", "project_id": nil, "error": "invalid request body"})
	}

	if !isSafeProjectName(req.Name) {
		return c.JSON(fiber.Map{
			"status":     "error",
			"project_id": nil,
			"error":      "Invalid project name. Use only letters, numbers, and hyphens.",
		})
	}

	projectPath := filepath.Join(h.config.HomeDir, req.Name)
	if _, err := os.Stat(projectPath); err == nil {
		return c.JSON(fiber.Map{"status": "error", "project_id": nil, "error": "Project already exists"})
	}
	if err := os.MkdirAll(projectPath, 0755); err != nil {
		return c.JSON(fiber.Map{
			"status":     "error",
			"project_id": nil,
			"error":      fmt.Sprintf("Failed to create directory: %v", err),
		})
	}

	description := req.Description
	if description == "" {
		description = "A new project"
	}
	claudeMD := fmt.Sprintf(`# %s

%s

## Project Overview

This is a new project workspace. Update this file with:
- Project goals and context
- Key files and their purposes
- Coding conventions and patterns
- Any specific instructions for Claude

## Getting Started

Describe how to set up and run this project.

## Notes

Add any additional context that would help Claude understand this project.
`, req.Name, description)

	if err := os.WriteFile(filepath.Join(projectPath, "CLAUDE.md"), []byte(claudeMD), 0644); err != nil {
		return c.JSON(fiber.Map{
			"status":     "error",
			"project_id": nil,
			"error":      fmt.Sprintf("Failed to create CLAUDE.md: %v", err),
		})
	}
	_ = os.Symlink("CLAUDE.md", filepath.Join(projectPath, "AGENTS.md"))

	projectID := normalizer.ProjectIDFromPath(projectPath)
	_ = os.MkdirAll(filepath.Join(h.config.ClaudeProjectsDir, projectID), 0755)

	return c.JSON(fiber.Map{"status": "ok", "project_id": projectID})
}

func isSafeProjectName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}
