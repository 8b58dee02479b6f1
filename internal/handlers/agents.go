package handlers

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/featherdev/feather/internal/config"
	"github.com/featherdev/feather/internal/logger"
	"github.com/featherdev/feather/internal/models"
	"github.com/featherdev/feather/internal/normalizer"
	"github.com/featherdev/feather/internal/services"
	"github.com/featherdev/feather/internal/sessions"
)

// AgentsHandler exposes process control for the agent CLIs running in tmux:
// spawning, messaging, signaling, and killing Claude, Codex, and Pi sessions.
type AgentsHandler struct {
	tmux      *services.TmuxManager
	titles    *services.TitleService
	cache     *sessions.Cache
	config    *config.RuntimeConfig
	version   string
	startTime time.Time
}

// NewAgentsHandler creates the agents handler.
func NewAgentsHandler(tmux *services.TmuxManager, titles *services.TitleService, cache *sessions.Cache, cfg *config.RuntimeConfig, version string) *AgentsHandler {
	return &AgentsHandler{
		tmux:      tmux,
		titles:    titles,
		cache:     cache,
		config:    cfg,
		version:   version,
		startTime: time.Now(),
	}
}

// Health reports server liveness plus the active tmux session count.
// GET /health
func (h *AgentsHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":               "ok",
		"uptime_secs":          int64(time.Since(h.startTime).Seconds()),
		"version":              h.version,
		"active_tmux_sessions": h.tmux.ActiveCount(),
	})
}

// AuthStatus reports whether the Claude CLI appears logged in, based on
// credential files and prior session activity under ~/.claude.
// GET /v1/claude/auth-status
func (h *AgentsHandler) AuthStatus(c *fiber.Ctx) error {
	claudeDir := filepath.Join(h.config.HomeDir, ".claude")

	hasCredentials := false
	for _, name := range []string{".credentials.json", "credentials.json", "settings.json"} {
		if _, err := os.Stat(filepath.Join(claudeDir, name)); err == nil {
			hasCredentials = true
			break
		}
	}
	if !hasCredentials {
		if entries, err := os.ReadDir(h.config.ClaudeProjectsDir); err == nil {
			for _, entry := range entries {
				if entry.IsDir() {
					hasCredentials = true
					break
				}
			}
		}
	}

	cliWorks := exec.Command("claude", "--version").Run() == nil

	message := "Claude CLI not authenticated. Run 'claude' in a terminal to log in."
	if hasCredentials && cliWorks {
		message = "Claude CLI is authenticated and ready"
	} else if hasCredentials {
		message = "Credentials found but claude CLI check failed"
	}

	return c.JSON(fiber.Map{
		"authenticated": hasCredentials,
		"message":       message,
	})
}

// SessionStatus reports whether a session's tmux process is running.
// GET /v1/claude/status/:session
func (h *AgentsHandler) SessionStatus(c *fiber.Ctx) error {
	sessionID := c.Params("session")
	return c.JSON(fiber.Map{
		"active":     h.tmux.IsActive(sessionID),
		"session_id": sessionID,
		"tmux_name":  h.tmux.SessionName(sessionID),
	})
}

// SpawnClaude resumes an existing Claude session inside tmux.
// POST /v1/claude/spawn
func (h *AgentsHandler) SpawnClaude(c *fiber.Ctx) error {
	var req struct {
		SessionID string `json:"session_id"`
		Cwd       string `json:"cwd"`
	}
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return c.JSON(fiber.Map{"status": "error: session_id required", "tmux_name": "", "session_id": nil})
	}

	info, err := h.tmux.SpawnClaudeResume(req.SessionID, req.Cwd)
	if err != nil {
		return c.JSON(fiber.Map{
			"status":     fmt.Sprintf("error: %v", err),
			"tmux_name":  h.tmux.SessionName(req.SessionID),
			"session_id": req.SessionID,
		})
	}
	h.titles.Trigger()
	return c.JSON(fiber.Map{
		"status":     "spawned",
		"tmux_name":  info.TmuxName,
		"session_id": info.SessionID,
	})
}

// NewClaude starts a fresh Claude session. Claude generates its own session
// id once the conversation starts, so none is returned here.
// POST /v1/claude/new
func (h *AgentsHandler) NewClaude(c *fiber.Ctx) error {
	var req struct {
		Cwd string `json:"cwd"`
	}
	_ = c.BodyParser(&req)

	tmuxName, err := h.tmux.SpawnNewClaude(req.Cwd)
	if err != nil {
		return c.JSON(fiber.Map{"status": fmt.Sprintf("error: %v", err), "tmux_name": "", "session_id": nil})
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd = h.tmux.DefaultCwd()
	}
	h.tmux.Track(&services.TrackedSession{
		SessionID: tmuxName,
		TmuxName:  tmuxName,
		StartTime: time.Now(),
		Cwd:       cwd,
		ProjectID: normalizer.ProjectIDFromPath(cwd),
	})
	h.titles.Trigger()

	return c.JSON(fiber.Map{"status": "spawned", "tmux_name": tmuxName, "session_id": nil})
}

// SendClaude types a message into a Claude session and mirrors it onto the
// event feed so other connected clients see it immediately.
// POST /v1/claude/send
func (h *AgentsHandler) SendClaude(c *fiber.Ctx) error {
	var req struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return c.JSON(fiber.Map{"status": "error: session_id required"})
	}

	if err := h.tmux.SendMessage(req.SessionID, req.Message); err != nil {
		return c.JSON(fiber.Map{"status": fmt.Sprintf("error: %v", err)})
	}

	h.cache.Broadcast(models.SessionEvent{
		Type:      models.MessageEvent,
		SessionID: req.SessionID,
		Payload: fiber.Map{
			"content": req.Message,
			"role":    "user",
		},
	})
	return c.JSON(fiber.Map{"status": "sent"})
}

// SignalClaude sends a tmux key name (C-c, Escape, ...) to a session.
// POST /v1/claude/signal
func (h *AgentsHandler) SignalClaude(c *fiber.Ctx) error {
	var req struct {
		SessionID string `json:"session_id"`
		Signal    string `json:"signal"`
	}
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" || req.Signal == "" {
		return c.JSON(fiber.Map{"status": "error: session_id and signal required"})
	}
	if err := h.tmux.SendSignal(req.SessionID, req.Signal); err != nil {
		return c.JSON(fiber.Map{"status": fmt.Sprintf("error: %v", err)})
	}
	return c.JSON(fiber.Map{"status": "sent"})
}

// KillSession kills a session's tmux process.
// POST /v1/claude/kill/:session
func (h *AgentsHandler) KillSession(c *fiber.Ctx) error {
	h.tmux.KillSession(c.Params("session"))
	return c.JSON(fiber.Map{"status": "killed"})
}

// SessionOutput returns the tail of a session's terminal pane.
// GET /v1/claude/output/:session
func (h *AgentsHandler) SessionOutput(c *fiber.Ctx) error {
	lines := c.QueryInt("lines", 100)
	return c.JSON(fiber.Map{
		"output": h.tmux.CaptureOutput(c.Params("session"), lines),
	})
}

// ListTmuxSessions lists running tmux sessions with each one's resolved
// session id, so the UI can link a terminal back to its transcript.
// GET /v1/claude/sessions
func (h *AgentsHandler) ListTmuxSessions(c *fiber.Ctx) error {
	type tmuxSession struct {
		Name      string  `json:"name"`
		SessionID *string `json:"session_id"`
		Status    string  `json:"status"`
	}

	result := make([]tmuxSession, 0)
	for _, name := range h.tmux.ListSessions() {
		entry := tmuxSession{Name: name, Status: "active"}
		switch {
		case strings.HasPrefix(name, "feather-pi-"):
			// Resolved to the transcript uuid once the agent writes its
			// session file; until then the tmux name stands in.
			id := name
			if info := h.tmux.Tracked(name); info != nil && info.PiUUID != nil {
				id = shortSessionID(*info.PiUUID)
			}
			entry.SessionID = &id
		case strings.HasPrefix(name, "feather-codex-"):
			id := name
			entry.SessionID = &id
		case strings.HasPrefix(name, "feather-new-"):
			entry.SessionID = nil
		default:
			if id, ok := strings.CutPrefix(name, "feather-"); ok {
				entry.SessionID = &id
			}
		}
		result = append(result, entry)
	}
	return c.JSON(fiber.Map{"tmux_sessions": result})
}

// NewCodex starts a Codex CLI session.
// POST /v1/codex/new
func (h *AgentsHandler) NewCodex(c *fiber.Ctx) error {
	var req struct {
		SessionID string `json:"session_id"`
		ProjectID string `json:"project_id"`
		Mode      string `json:"mode"`
		Cwd       string `json:"cwd"`
	}
	_ = c.BodyParser(&req)

	tmuxName := fmt.Sprintf("feather-codex-%d", time.Now().UnixMilli())
	if req.SessionID != "" {
		if !isSafeSessionID(req.SessionID) {
			return c.JSON(fiber.Map{
				"status":     "error",
				"session_id": nil,
				"tmux_name":  nil,
				"project_id": nil,
				"error":      "invalid session_id",
			})
		}
		switch {
		case strings.HasPrefix(req.SessionID, "feather-codex-"):
			tmuxName = req.SessionID
		case strings.HasPrefix(req.SessionID, "codex-"):
			tmuxName = "feather-" + req.SessionID
		default:
			tmuxName = "feather-codex-" + req.SessionID
		}
	}

	cwd := req.Cwd
	if cwd == "" && req.ProjectID != "" {
		cwd = normalizer.ReconstructProjectPath(req.ProjectID)
	}
	if cwd == "" {
		cwd = h.tmux.DefaultCwd()
	}

	flags := "--full-auto --no-alt-screen"
	if req.Mode == "sandbox" {
		flags = "--ask-for-approval never --sandbox workspace-write --no-alt-screen"
	}

	if err := h.tmux.SpawnCodex(tmuxName, cwd, flags); err != nil {
		return c.JSON(fiber.Map{
			"status":     "error",
			"session_id": nil,
			"tmux_name":  nil,
			"project_id": nil,
			"error":      err.Error(),
		})
	}

	projectID := normalizer.ProjectIDFromPath(cwd)
	h.tmux.Track(&services.TrackedSession{
		SessionID: tmuxName,
		TmuxName:  tmuxName,
		StartTime: time.Now(),
		Cwd:       cwd,
		ProjectID: projectID,
	})
	h.titles.Trigger()

	return c.JSON(fiber.Map{
		"status":     "spawned",
		"session_id": tmuxName,
		"tmux_name":  tmuxName,
		"project_id": projectID,
	})
}

// SendCodex types a message into a Codex session.
// POST /v1/codex/send
func (h *AgentsHandler) SendCodex(c *fiber.Ctx) error {
	var req struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return c.JSON(fiber.Map{"status": "error: session_id required"})
	}
	if err := h.tmux.SendMessage(req.SessionID, req.Message); err != nil {
		return c.JSON(fiber.Map{"status": fmt.Sprintf("error: %v", err)})
	}
	return c.JSON(fiber.Map{"status": "sent"})
}

// NewPi starts a Pi agent session. A new session writes its transcript to a
// predictable file named after the tmux session; a resume locates the existing
// session file by its header uuid. Either way the real session uuid is only
// known once the agent writes its header, so it is resolved by a background
// poll and reported as null here.
// POST /v1/pi/new
func (h *AgentsHandler) NewPi(c *fiber.Ctx) error {
	var req struct {
		Cwd           string `json:"cwd"`
		ResumeSession string `json:"resume_session"`
		Message       string `json:"message"`
	}
	_ = c.BodyParser(&req)

	cwd := req.Cwd
	if cwd == "" {
		cwd = h.tmux.DefaultCwd()
	}

	tmuxName := fmt.Sprintf("feather-pi-%d", time.Now().UnixMilli())

	var sessionFile, flags string
	if req.ResumeSession != "" {
		found := findPiSessionFile(h.config.PiSessionsDir, req.ResumeSession)
		if found == "" {
			return c.JSON(fiber.Map{
				"status":     fmt.Sprintf("error: session %s not found", req.ResumeSession),
				"session_id": nil,
				"tmux_name":  nil,
				"project_id": nil,
			})
		}
		sessionFile = found
		flags = fmt.Sprintf("--session %s --continue", sessionFile)
	} else {
		cwdDir := strings.ReplaceAll(cwd, "/", "--")
		sessionFile = filepath.Join(h.config.PiSessionsDir, cwdDir, tmuxName+".jsonl")
		flags = fmt.Sprintf("--session %s", sessionFile)
	}

	message := req.Message
	if req.ResumeSession == "" && message == "" {
		// Pi writes nothing until the first exchange, so bootstrap the
		// session file with a greeting.
		message = "hi"
	}

	if err := h.tmux.SpawnPi(tmuxName, cwd, flags, message); err != nil {
		return c.JSON(fiber.Map{
			"status":     fmt.Sprintf("error: %v", err),
			"session_id": nil,
			"tmux_name":  nil,
			"project_id": nil,
		})
	}

	projectID := normalizer.ProjectIDFromPath(cwd)
	h.tmux.Track(&services.TrackedSession{
		SessionID: tmuxName,
		TmuxName:  tmuxName,
		StartTime: time.Now(),
		Cwd:       cwd,
		ProjectID: projectID,
	})
	h.titles.Trigger()

	go h.resolvePiUUID(tmuxName, sessionFile)

	return c.JSON(fiber.Map{
		"status":     "spawned",
		"session_id": nil,
		"tmux_name":  tmuxName,
		"project_id": projectID,
	})
}

// resolvePiUUID polls the pi session file until its header appears, then
// records the uuid on the tracked session. Gives up after 30 seconds.
func (h *AgentsHandler) resolvePiUUID(tmuxName, sessionFile string) {
	for i := 0; i < 150; i++ {
		time.Sleep(200 * time.Millisecond)
		uuid, ok := piHeaderUUID(sessionFile)
		if !ok {
			continue
		}
		h.tmux.SetPiUUID(tmuxName, uuid)
		logger.Infof("Resolved pi session %s -> %s", tmuxName, shortSessionID(uuid))
		return
	}
	logger.Warnf("Pi session %s never wrote a session file header", tmuxName)
}

// SendPi types a message into a Pi session.
// POST /v1/pi/send
func (h *AgentsHandler) SendPi(c *fiber.Ctx) error {
	var req struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return c.JSON(fiber.Map{"status": "error: session_id required"})
	}
	if err := h.tmux.SendMessage(req.SessionID, req.Message); err != nil {
		return c.JSON(fiber.Map{"status": fmt.Sprintf("error: %v", err)})
	}
	return c.JSON(fiber.Map{"status": "sent"})
}

// ResolvePi maps a pi tmux session name to its transcript uuid, once known.
// GET /v1/pi/resolve/:session
func (h *AgentsHandler) ResolvePi(c *fiber.Ctx) error {
	tmuxName := c.Params("session")
	if info := h.tmux.Tracked(tmuxName); info != nil && info.PiUUID != nil {
		return c.JSON(fiber.Map{"resolved": true, "session_id": *info.PiUUID})
	}
	return c.JSON(fiber.Map{"resolved": false, "session_id": nil})
}

// isSafeSessionID rejects ids that could escape into the tmux command line.
func isSafeSessionID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// findPiSessionFile scans the pi sessions tree for the file whose header
// matches the given session uuid.
func findPiSessionFile(piSessionsDir, sessionUUID string) string {
	entries, err := os.ReadDir(piSessionsDir)
	if err != nil {
		return ""
	}
	for _, dir := range entries {
		if !dir.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(piSessionsDir, dir.Name()))
		if err != nil {
			continue
		}
		for _, file := range files {
			if !strings.HasSuffix(file.Name(), ".jsonl") {
				continue
			}
			path := filepath.Join(piSessionsDir, dir.Name(), file.Name())
			if uuid, ok := piHeaderUUID(path); ok && uuid == sessionUUID {
				return path
			}
		}
	}
	return ""
}

// piHeaderUUID reads a pi session file's header line and returns its uuid.
func piHeaderUUID(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	firstLine, _, _ := strings.Cut(string(data), "\n")
	var header struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal([]byte(firstLine), &header); err != nil {
		return "", false
	}
	if header.Type != "session" || header.ID == "" {
		return "", false
	}
	return header.ID, true
}

func shortSessionID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
