// Package normalizer watches the raw agent transcript trees and converts
// every session into the canonical normalized format.
//
// Watched sources:
//   - ~/.claude/projects/{project}/{session}.jsonl plus subagent side files
//   - ~/.codex/sessions/YYYY/MM/DD/rollout-*.jsonl
//   - ~/.pi/agent/sessions/{cwd-encoded}/*.jsonl
//
// Output: one {session_id}.jsonl per session under the normalized directory.
// All downstream readers (HTTP, titles, memory) consume normalized files
// only, never the raw trees.
package normalizer

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/featherdev/feather/internal/config"
	"github.com/featherdev/feather/internal/logger"
	"github.com/featherdev/feather/internal/models"
	"github.com/featherdev/feather/internal/parser"
	"github.com/featherdev/feather/internal/sessions"
)

// debounceInterval coalesces bursts of writes to the same file. Lower means
// faster updates for active sessions at the cost of more re-parses.
const debounceInterval = 100 * time.Millisecond

// Service owns the watchers, the debounce state, and the single dispatcher
// goroutine that serializes all normalization work.
type Service struct {
	cache    *sessions.Cache
	config   *config.RuntimeConfig
	activity *ActivityTracker

	dispatchCh chan string
	stopCh     chan struct{}
	stopOnce   sync.Once
	watchers   []*fsnotify.Watcher

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// NewService creates a normalizer bound to a cache and runtime config.
func NewService(cache *sessions.Cache, cfg *config.RuntimeConfig) *Service {
	return &Service{
		cache:      cache,
		config:     cfg,
		activity:   NewActivityTracker(),
		dispatchCh: make(chan string, 100),
		stopCh:     make(chan struct{}),
		timers:     make(map[string]*time.Timer),
	}
}

// Activity exposes the session activity tracker.
func (s *Service) Activity() *ActivityTracker {
	return s.activity
}

// Start performs the initial synchronous scan, then launches the watchers and
// the dispatcher. Sessions are queryable as soon as Start returns.
func (s *Service) Start() error {
	logger.Infof("Starting session normalizer (debounce: %s)", debounceInterval)

	if err := os.MkdirAll(s.config.NormalizedDir, 0755); err != nil {
		return fmt.Errorf("failed to create normalized dir: %w", err)
	}

	logger.Info("Performing initial session scan...")
	s.initialScan()

	roots := []struct {
		name string
		path string
	}{
		{"claude", s.config.ClaudeProjectsDir},
		{"codex", s.config.CodexSessionsDir},
		{"pi", s.config.PiSessionsDir},
	}
	for _, root := range roots {
		if err := os.MkdirAll(root.path, 0755); err != nil {
			logger.Warnf("Failed to create %s sessions directory %s: %v", root.name, root.path, err)
			continue
		}
		watcher, err := s.watchRoot(root.path)
		if err != nil {
			logger.Warnf("Failed to watch %s directory %s: %v", root.name, root.path, err)
			continue
		}
		s.watchers = append(s.watchers, watcher)
		logger.Infof("Watching %s for %s changes", root.path, root.name)
	}

	go s.dispatch()
	go s.cleanupLoop()
	return nil
}

// Stop shuts down watchers and the dispatcher.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		for _, watcher := range s.watchers {
			watcher.Close()
		}
	})
}

// watchRoot watches a directory tree. fsnotify is not recursive, so existing
// subdirectories are added up front and new ones as they appear.
func (s *Service) watchRoot(root string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	addTree := func(dir string) {
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if err := watcher.Add(path); err != nil {
					logger.Debugf("Failed to watch %s: %v", path, err)
				}
			}
			return nil
		})
	}
	addTree(root)

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						addTree(event.Name)
						continue
					}
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					s.debounce(event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("File watcher error: %v", err)
			case <-s.stopCh:
				return
			}
		}
	}()

	return watcher, nil
}

// debounce schedules a path for dispatch after a quiet period. Repeated
// events for the same path within the window reset the timer.
func (s *Service) debounce(path string) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	if timer, ok := s.timers[path]; ok {
		timer.Reset(debounceInterval)
		return
	}
	s.timers[path] = time.AfterFunc(debounceInterval, func() {
		s.timersMu.Lock()
		delete(s.timers, path)
		s.timersMu.Unlock()

		select {
		case s.dispatchCh <- path:
		case <-s.stopCh:
		}
	})
}

// dispatch is the single consumer of file change events. Running alone, it
// serializes all normalized file writes and cache upserts.
func (s *Service) dispatch() {
	for {
		select {
		case path := <-s.dispatchCh:
			if filepath.Ext(path) != ".jsonl" {
				continue
			}
			logger.Debugf("Processing JSONL file change: %s", path)

			var sessionID string
			var err error
			switch {
			case strings.HasPrefix(path, s.config.PiSessionsDir):
				sessionID, err = s.processPiFile(path)
			case strings.HasPrefix(path, s.config.CodexSessionsDir):
				sessionID, err = s.processCodexFile(path)
			default:
				sessionID, err = s.processClaudeFile(path)
			}
			if err != nil {
				logger.Warnf("Error processing %s: %v", path, err)
				continue
			}
			if sessionID != "" {
				s.activity.MarkActive(sessionID)
				logger.Debugf("Normalized session: %s", sessionID)
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.activity.CleanupStale()
		case <-s.stopCh:
			return
		}
	}
}

// initialScan loads every existing session from all three trees.
func (s *Service) initialScan() {
	count := 0

	// Claude: projects/{project}/{session}.jsonl
	if entries, err := os.ReadDir(s.config.ClaudeProjectsDir); err == nil {
		for _, projectEntry := range entries {
			if !projectEntry.IsDir() {
				continue
			}
			projectID := projectEntry.Name()
			projectDir := filepath.Join(s.config.ClaudeProjectsDir, projectID)
			files, err := os.ReadDir(projectDir)
			if err != nil {
				continue
			}
			for _, file := range files {
				name := file.Name()
				if !strings.HasSuffix(name, ".jsonl") {
					continue
				}
				sessionID := strings.TrimSuffix(name, ".jsonl")
				if strings.HasPrefix(sessionID, "agent-") {
					continue
				}
				if _, err := s.normalizeClaudeSession(projectID, sessionID); err != nil {
					logger.Debugf("Skipping session %s: %v", sessionID, err)
					continue
				}
				count++
			}
		}
	} else {
		logger.Warnf("Claude projects directory not readable: %v", err)
	}

	codexCount := s.scanCodexSessions()
	piCount := s.scanPiSessions()
	count += codexCount + piCount

	logger.Infof("Initial scan complete: %d sessions loaded (%d Codex, %d Pi)", count, codexCount, piCount)
}

// scanCodexSessions walks the YYYY/MM/DD layout.
func (s *Service) scanCodexSessions() int {
	count := 0
	_ = filepath.WalkDir(s.config.CodexSessionsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		if sessionID, err := s.processCodexFile(path); err != nil {
			logger.Debugf("Skipping Codex session: %v", err)
		} else if sessionID != "" {
			count++
		}
		return nil
	})
	return count
}

// scanPiSessions walks the {cwd-encoded}/*.jsonl layout.
func (s *Service) scanPiSessions() int {
	count := 0
	entries, err := os.ReadDir(s.config.PiSessionsDir)
	if err != nil {
		return 0
	}
	for _, cwdEntry := range entries {
		if !cwdEntry.IsDir() {
			continue
		}
		cwdDir := filepath.Join(s.config.PiSessionsDir, cwdEntry.Name())
		files, err := os.ReadDir(cwdDir)
		if err != nil {
			continue
		}
		for _, file := range files {
			if !strings.HasSuffix(file.Name(), ".jsonl") {
				continue
			}
			if sessionID, err := s.processPiFile(filepath.Join(cwdDir, file.Name())); err != nil {
				logger.Debugf("Skipping Pi session: %v", err)
			} else if sessionID != "" {
				count++
			}
		}
	}
	return count
}

// processClaudeFile maps a changed path back to its project and session, then
// renormalizes. Subagent side files resolve to their parent session.
func (s *Service) processClaudeFile(path string) (string, error) {
	rel, err := filepath.Rel(s.config.ClaudeProjectsDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", nil
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return "", nil
	}

	projectID := parts[0]
	var sessionID string
	if len(parts) >= 4 && parts[2] == "subagents" {
		sessionID = parts[1]
	} else {
		sessionID = strings.TrimSuffix(parts[len(parts)-1], ".jsonl")
	}
	if strings.HasPrefix(sessionID, "agent-") {
		return "", nil
	}

	logger.Debugf("Normalizing session %s in project %s", sessionID, projectID)
	session, err := s.normalizeClaudeSession(projectID, sessionID)
	if err != nil {
		return "", err
	}
	return session.Meta.ID, nil
}

// normalizeClaudeSession parses, writes, and caches one Claude session.
// Sessions that normalize to zero messages are rejected before any write so
// an empty parse can never clobber a good normalized file.
func (s *Service) normalizeClaudeSession(projectID, sessionID string) (*models.NormalizedSession, error) {
	meta, messages, err := parser.ParseClaudeSession(s.config.ClaudeProjectsDir, projectID, sessionID)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("session has no messages")
	}

	if err := writeNormalizedFile(normalizedPath(s.config.NormalizedDir, sessionID), messages); err != nil {
		return nil, err
	}

	session := models.NormalizedSession{Meta: meta, Messages: messages}
	s.cache.Upsert(session)
	return &session, nil
}

// processCodexFile normalizes one Codex rollout file.
func (s *Service) processCodexFile(path string) (string, error) {
	codexMeta, messages, err := parser.ParseCodexSession(path)
	if err != nil {
		return "", err
	}
	if len(messages) == 0 {
		return "", nil
	}

	projectID := "codex"
	if codexMeta.Cwd != "" {
		projectID = ProjectIDFromPath(codexMeta.Cwd)
	}

	meta := parser.CodexSessionMetaToSession(codexMeta, projectID, len(messages))
	meta.CreatedAt = messages[0].Timestamp
	meta.UpdatedAt = messages[len(messages)-1].Timestamp

	if err := writeNormalizedFile(normalizedPath(s.config.NormalizedDir, codexMeta.ID), messages); err != nil {
		return "", err
	}

	s.cache.Upsert(models.NormalizedSession{Meta: meta, Messages: messages})
	return meta.ID, nil
}

// processPiFile normalizes one Pi session file.
func (s *Service) processPiFile(path string) (string, error) {
	piMeta, messages, err := parser.ParsePiSession(path)
	if err != nil {
		return "", err
	}
	if len(messages) == 0 {
		return "", nil
	}

	projectID := "pi"
	if piMeta.Cwd != "" {
		projectID = ProjectIDFromPath(piMeta.Cwd)
	}

	meta := parser.PiSessionMetaToSession(piMeta, projectID, len(messages))
	meta.CreatedAt = messages[0].Timestamp
	meta.UpdatedAt = messages[len(messages)-1].Timestamp

	if err := writeNormalizedFile(normalizedPath(s.config.NormalizedDir, piMeta.ID), messages); err != nil {
		return "", err
	}

	s.cache.Upsert(models.NormalizedSession{Meta: meta, Messages: messages})
	return meta.ID, nil
}
