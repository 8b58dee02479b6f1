package services

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/featherdev/feather/internal/logger"
	"github.com/featherdev/feather/internal/normalizer"
)

// reapCheckInterval is how often the idle reaper scans tmux sessions.
const reapCheckInterval = 5 * time.Minute

// reapIdleThreshold is how long a session's transcript may go unmodified
// before its tmux session is killed.
const reapIdleThreshold = time.Hour

// TrackedSession is a tmux session this server spawned, keyed by tmux name.
// PiUUID starts nil for pi sessions and is filled in once the agent writes
// its session file header.
type TrackedSession struct {
	SessionID string
	TmuxName  string
	StartTime time.Time
	Cwd       string
	ProjectID string
	PiUUID    *string
}

// TmuxManager spawns and controls agent CLI sessions inside tmux. Each agent
// runs in its own detached tmux session so it survives HTTP disconnects and
// its terminal can be captured for display.
//
// Session naming convention:
//   - feather-{first8}        resumed Claude session
//   - feather-new-{unix-ms}   fresh Claude session (claude picks its own id)
//   - feather-codex-{id}      Codex CLI session
//   - feather-pi-{unix-ms}    Pi agent session
type TmuxManager struct {
	mu         sync.Mutex
	tracked    map[string]*TrackedSession
	defaultCwd string
}

// NewTmuxManager creates a manager with the given default working directory
// for new sessions.
func NewTmuxManager(defaultCwd string) *TmuxManager {
	return &TmuxManager{
		tracked:    make(map[string]*TrackedSession),
		defaultCwd: defaultCwd,
	}
}

// DefaultCwd returns the working directory used when a spawn request carries
// no path.
func (m *TmuxManager) DefaultCwd() string {
	return m.defaultCwd
}

// SessionName converts a session id to its tmux session name. Full UUIDs are
// truncated to their first 8 characters; names already carrying a managed
// prefix are used as-is.
func (m *TmuxManager) SessionName(sessionID string) string {
	if strings.HasPrefix(sessionID, "feather-") || strings.HasPrefix(sessionID, "codex-") {
		return sessionID
	}
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return "feather-" + sessionID
}

// IsActive reports whether a tmux session exists for the given session id.
func (m *TmuxManager) IsActive(sessionID string) bool {
	name := m.SessionName(sessionID)
	return exec.Command("tmux", "has-session", "-t", name).Run() == nil
}

// Track records a session we spawned.
func (m *TmuxManager) Track(info *TrackedSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[info.TmuxName] = info
}

// Tracked returns the record for a tmux name, or nil.
func (m *TmuxManager) Tracked(tmuxName string) *TrackedSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.tracked[tmuxName]; ok {
		clone := *info
		return &clone
	}
	return nil
}

// TrackedByID returns the record whose SessionID matches, or nil.
func (m *TmuxManager) TrackedByID(sessionID string) *TrackedSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, info := range m.tracked {
		if info.SessionID == sessionID {
			clone := *info
			return &clone
		}
	}
	return nil
}

// Untrack forgets a session record.
func (m *TmuxManager) Untrack(tmuxName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, tmuxName)
}

// SetPiUUID records the resolved session file uuid for a pi tmux session.
func (m *TmuxManager) SetPiUUID(tmuxName, uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.tracked[tmuxName]; ok {
		u := uuid
		info.PiUUID = &u
	}
}

// spawnInTmux starts a detached tmux session running the given agent command
// inside an interactive bash shell, so the user's environment is loaded. The
// tmux prefix is remapped to Meta-a to keep C-b free for the agent.
func (m *TmuxManager) spawnInTmux(tmuxName, cwd, agentCommand string) error {
	command := fmt.Sprintf(
		`tmux new-session -d -s %s -c "%s" "bash --rcfile ~/.bashrc -ic '%s'" \; set-option -t %s prefix M-a`,
		tmuxName, cwd, agentCommand, tmuxName,
	)
	out, err := exec.Command("sh", "-c", command).CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to spawn tmux session %s: %s", tmuxName, strings.TrimSpace(string(out)))
	}
	return nil
}

// SpawnNewClaude starts a fresh Claude CLI session. Claude generates its own
// session id, so the tmux session is named by timestamp.
func (m *TmuxManager) SpawnNewClaude(cwd string) (string, error) {
	if cwd == "" {
		cwd = m.defaultCwd
	}
	tmuxName := fmt.Sprintf("feather-new-%d", time.Now().UnixMilli())

	cmd := "claude --dangerously-skip-permissions --disallowed-tools AskUserQuestion"
	if err := m.spawnInTmux(tmuxName, cwd, cmd); err != nil {
		return "", err
	}
	return tmuxName, nil
}

// SpawnClaudeResume resumes an existing Claude session by id. Returns the
// existing record when the session is already running and tracked.
func (m *TmuxManager) SpawnClaudeResume(sessionID, cwd string) (*TrackedSession, error) {
	name := m.SessionName(sessionID)
	if cwd == "" {
		cwd = m.defaultCwd
	}

	if m.IsActive(sessionID) {
		if existing := m.Tracked(name); existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("session already active")
	}

	cmd := fmt.Sprintf("claude --resume %s --dangerously-skip-permissions --disallowed-tools AskUserQuestion", sessionID)
	if err := m.spawnInTmux(name, cwd, cmd); err != nil {
		return nil, err
	}

	info := &TrackedSession{
		SessionID: sessionID,
		TmuxName:  name,
		StartTime: time.Now(),
		Cwd:       cwd,
	}
	m.Track(info)
	return info, nil
}

// SpawnCodex starts a Codex CLI session and waits for its prompt to appear,
// polling capture-pane up to 10 seconds. Codex shows "›" when ready.
func (m *TmuxManager) SpawnCodex(tmuxName, cwd, flags string) error {
	if err := m.spawnInTmux(tmuxName, cwd, "codex "+flags); err != nil {
		return err
	}

	for i := 0; i < 20; i++ {
		time.Sleep(500 * time.Millisecond)
		out, err := exec.Command("tmux", "capture-pane", "-t", tmuxName, "-p").Output()
		if err != nil {
			continue
		}
		content := string(out)
		if strings.Contains(content, "›") || strings.Contains(content, "? for shortcuts") {
			break
		}
	}
	return nil
}

// SpawnPi starts a Pi agent session. The system prompt and memory file are
// injected via --append-system-prompt, plus the project CLAUDE.md when one
// exists in the working directory. The ready check is skipped: callers poll
// for the session file instead, which is faster than waiting for the TUI.
func (m *TmuxManager) SpawnPi(tmuxName, cwd, flags, initialMessage string) error {
	msgArg := ""
	if initialMessage != "" {
		msgArg = fmt.Sprintf(" %q", initialMessage)
	}
	cmd := fmt.Sprintf(
		`cd %s && APPEND=\"--append-system-prompt ~/SYSTEM_PROMPT.md --append-system-prompt ~/memory/MEMORY.md\"; test -f CLAUDE.md && APPEND=\"$APPEND --append-system-prompt CLAUDE.md\"; pi $APPEND %s%s`,
		cwd, flags, msgArg,
	)
	return m.spawnInTmux(tmuxName, cwd, cmd)
}

// SendMessage types a message into the session and submits it. The text is
// sent literally, then Enter after a short delay so the input is fully
// buffered first.
func (m *TmuxManager) SendMessage(sessionID, message string) error {
	name := m.SessionName(sessionID)
	if !m.IsActive(sessionID) {
		return fmt.Errorf("session not active")
	}

	if err := exec.Command("tmux", "send-keys", "-t", name, "-l", message).Run(); err != nil {
		return fmt.Errorf("failed to send text to tmux: %w", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := exec.Command("tmux", "send-keys", "-t", name, "Enter").Run(); err != nil {
		return fmt.Errorf("failed to send Enter to tmux: %w", err)
	}
	return nil
}

// SendSignal sends a tmux key name (e.g. "C-c", "Escape") to the session.
func (m *TmuxManager) SendSignal(sessionID, signal string) error {
	name := m.SessionName(sessionID)
	if !m.IsActive(sessionID) {
		return fmt.Errorf("session not active")
	}
	if err := exec.Command("tmux", "send-keys", "-t", name, signal).Run(); err != nil {
		return fmt.Errorf("failed to send signal to tmux: %w", err)
	}
	return nil
}

// SendRawKeys sends keystrokes to the pane without the active check, mapping
// common control characters to tmux key names. Used by the interactive
// terminal WebSocket.
func (m *TmuxManager) SendRawKeys(sessionID, input string) error {
	name := m.SessionName(sessionID)
	var args []string
	switch input {
	case "\r", "\n":
		args = []string{"send-keys", "-t", name, "Enter"}
	case "\x7f", "\x08":
		args = []string{"send-keys", "-t", name, "BSpace"}
	case "\x1b":
		args = []string{"send-keys", "-t", name, "Escape"}
	case "\x03":
		args = []string{"send-keys", "-t", name, "C-c"}
	case "\x04":
		args = []string{"send-keys", "-t", name, "C-d"}
	default:
		args = []string{"send-keys", "-t", name, "-l", input}
	}
	return exec.Command("tmux", args...).Run()
}

// KillSession kills the tmux session and forgets its record.
func (m *TmuxManager) KillSession(sessionID string) {
	name := m.SessionName(sessionID)
	_ = exec.Command("tmux", "kill-session", "-t", name).Run()
	m.Untrack(name)
}

// CaptureOutput returns the last N lines of the session's pane, or an empty
// string when the session is gone.
func (m *TmuxManager) CaptureOutput(sessionID string, lines int) string {
	name := m.SessionName(sessionID)
	if !m.IsActive(sessionID) {
		return ""
	}
	out, err := exec.Command("tmux", "capture-pane", "-t", name, "-p", "-S", fmt.Sprintf("-%d", lines)).Output()
	if err != nil {
		return ""
	}
	return string(out)
}

// ListSessions returns the names of all feather-managed tmux sessions.
func (m *TmuxManager) ListSessions() []string {
	out, err := exec.Command("tmux", "list-sessions", "-F", "#{session_name}").Output()
	if err != nil {
		return nil
	}
	var sessions []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "feather-") {
			sessions = append(sessions, line)
		}
	}
	return sessions
}

// ActiveCount returns the number of feather tmux sessions currently running.
func (m *TmuxManager) ActiveCount() int {
	return len(m.ListSessions())
}

// KillAll kills every feather tmux session.
func (m *TmuxManager) KillAll() {
	for _, name := range m.ListSessions() {
		_ = exec.Command("tmux", "kill-session", "-t", name).Run()
	}
	m.mu.Lock()
	m.tracked = make(map[string]*TrackedSession)
	m.mu.Unlock()
}

// RebuildPiSessions restores pi tmux→uuid mappings from session files left
// over from a previous run. Pi session files are named after their tmux
// session; the header line carries the real session uuid.
func (m *TmuxManager) RebuildPiSessions(piSessionsDir string) {
	entries, err := os.ReadDir(piSessionsDir)
	if err != nil {
		return
	}

	count := 0
	for _, cwdEntry := range entries {
		if !cwdEntry.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(piSessionsDir, cwdEntry.Name()))
		if err != nil {
			continue
		}
		for _, file := range files {
			stem := strings.TrimSuffix(file.Name(), filepath.Ext(file.Name()))
			if !strings.HasPrefix(stem, "feather-pi-") {
				continue
			}
			path := filepath.Join(piSessionsDir, cwdEntry.Name(), file.Name())
			uuid, cwd, ok := readPiHeader(path)
			if !ok {
				continue
			}
			info := &TrackedSession{
				SessionID: stem,
				TmuxName:  stem,
				StartTime: time.Now(),
				Cwd:       cwd,
				ProjectID: normalizer.ProjectIDFromPath(cwd),
			}
			u := uuid
			info.PiUUID = &u
			m.Track(info)
			count++
		}
	}
	logger.Infof("Rebuilt %d pi session mappings", count)
}

// readPiHeader reads the first line of a pi session file and returns the
// session uuid and cwd.
func readPiHeader(path string) (uuid, cwd string, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", false
	}
	firstLine, _, _ := strings.Cut(string(data), "\n")
	var header struct {
		ID  string `json:"id"`
		Cwd string `json:"cwd"`
	}
	if err := json.Unmarshal([]byte(firstLine), &header); err != nil || header.ID == "" {
		return "", "", false
	}
	return header.ID, header.Cwd, true
}

// StartIdleReaper kills tmux sessions whose transcript has gone stale. It
// checks every 5 minutes, after an initial 1-minute grace period, and stops
// when stop is closed.
func (m *TmuxManager) StartIdleReaper(normalizedDir string, stop <-chan struct{}) {
	go func() {
		select {
		case <-time.After(time.Minute):
		case <-stop:
			return
		}
		ticker := time.NewTicker(reapCheckInterval)
		defer ticker.Stop()
		for {
			m.ReapIdle(normalizedDir, reapIdleThreshold)
			select {
			case <-ticker.C:
			case <-stop:
				return
			}
		}
	}()
}

// ReapIdle kills every feather tmux session that has been idle longer than
// threshold. Idle means the session's normalized transcript file has not been
// modified within the threshold; when no transcript can be located, the tmux
// session creation time is used instead.
func (m *TmuxManager) ReapIdle(normalizedDir string, threshold time.Duration) {
	sessions := m.ListSessions()
	if len(sessions) == 0 {
		return
	}
	now := time.Now()

	for _, tmuxName := range sessions {
		path := m.findSessionFile(normalizedDir, tmuxName)

		var idle bool
		if path != "" {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			idle = now.Sub(info.ModTime()) > threshold
		} else {
			created, ok := tmuxSessionCreated(tmuxName)
			if !ok {
				continue
			}
			idle = now.Sub(created) > threshold
		}

		if idle {
			logger.Infof("Reaping idle tmux session: %s", tmuxName)
			_ = exec.Command("tmux", "kill-session", "-t", tmuxName).Run()
			m.Untrack(tmuxName)
		}
	}
}

// findSessionFile locates the normalized transcript for a tmux session name.
// Pi sessions are resolved through their tracked uuid; resumed Claude
// sessions match on the 8-char id prefix. Timestamp-named sessions
// (feather-new-, feather-codex-) have no predictable transcript name.
func (m *TmuxManager) findSessionFile(normalizedDir, tmuxName string) string {
	if info := m.Tracked(tmuxName); info != nil && info.PiUUID != nil {
		path := filepath.Join(normalizedDir, *info.PiUUID+".jsonl")
		if _, err := os.Stat(path); err == nil {
			return path
		}
		return ""
	}

	if strings.HasPrefix(tmuxName, "feather-new-") ||
		strings.HasPrefix(tmuxName, "feather-codex-") ||
		strings.HasPrefix(tmuxName, "feather-pi-") {
		return ""
	}

	prefix, ok := strings.CutPrefix(tmuxName, "feather-")
	if !ok {
		return ""
	}
	entries, err := os.ReadDir(normalizedDir)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".jsonl") {
			return filepath.Join(normalizedDir, name)
		}
	}
	return ""
}

// tmuxSessionCreated returns the creation time of a tmux session.
func tmuxSessionCreated(tmuxName string) (time.Time, bool) {
	out, err := exec.Command("tmux", "display-message", "-t", tmuxName, "-p", "#{session_created}").Output()
	if err != nil {
		return time.Time{}, false
	}
	var created int64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%d", &created); err != nil {
		return time.Time{}, false
	}
	return time.Unix(created, 0), true
}
