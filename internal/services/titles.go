package services

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/featherdev/feather/internal/logger"
	"github.com/featherdev/feather/internal/models"
	"github.com/featherdev/feather/internal/sessions"
)

const (
	titlePeriodicInterval = 5 * time.Minute

	// minMessagesForTitle is the smallest conversation worth titling.
	minMessagesForTitle = 2

	// retitleMessageThreshold is how many messages an active session must
	// grow by before it gets a fresh title.
	retitleMessageThreshold = 50

	// titlesPerCycle caps API calls in one cycle.
	titlesPerCycle = 10
)

// triggerDelays are the escalating waits after a spawn trigger. A new session
// needs a minute or two of conversation before a title is worth generating.
var triggerDelays = []time.Duration{time.Minute, 3 * time.Minute, 5 * time.Minute}

const titlePrompt = `Generate a concise title (3-6 words) for this conversation. Focus on the main topic or task.

Conversation start:
<conversation>
{conversation}
</conversation>

Return ONLY the title, no quotes or extra text.`

type titleState int

const (
	titleIdle titleState = iota
	titleEscalating
)

// TitleService generates short session titles with Haiku. It runs a small
// state machine: idle (periodic 5-minute sweeps) and escalating (after a
// session spawn, sweeps at 1m/3m/5m while the conversation takes shape).
// Generated titles persist in a cache file keyed by session id, together with
// the message count at generation time.
type TitleService struct {
	cache     *sessions.Cache
	anthropic *AnthropicService
	cacheFile string

	triggerCh chan struct{}

	titles map[string]models.TitleEntry

	// Scheduling seams, replaceable in tests.
	after    func(time.Duration) <-chan time.Time
	pause    func(time.Duration)
	listTmux func() []string
}

// NewTitleService creates a title service. tmux supplies the active session
// list used to prioritize and retitle running sessions.
func NewTitleService(cache *sessions.Cache, anthropic *AnthropicService, cacheFile string, tmux *TmuxManager) *TitleService {
	return &TitleService{
		cache:     cache,
		anthropic: anthropic,
		cacheFile: cacheFile,
		triggerCh: make(chan struct{}, 1),
		titles:    make(map[string]models.TitleEntry),
		after:     time.After,
		pause:     time.Sleep,
		listTmux:  tmux.ListSessions,
	}
}

// Trigger requests an escalating title pass, typically after a session spawn.
// Triggers coalesce; one pending trigger is remembered while a pass runs.
func (s *TitleService) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Run drives the state machine until stop is closed. On startup it applies
// cached titles, waits for the normalizer to populate the session cache, and
// runs one full pass that also fixes sessions still called "Untitled".
func (s *TitleService) Run(stop <-chan struct{}) {
	logger.Infof("Starting title generator")
	s.loadTitleCache()
	s.applyCachedTitles()

	select {
	case <-s.after(10 * time.Second):
	case <-stop:
		return
	}
	if n := s.RunCycle(false); n > 0 {
		logger.Infof("Startup: generated %d titles for untitled sessions", n)
	}

	state := titleIdle
	attempt := 0
	for {
		switch state {
		case titleIdle:
			select {
			case <-s.triggerCh:
				logger.Infof("Title generation triggered (new session)")
				state = titleEscalating
				attempt = 0
			case <-s.after(titlePeriodicInterval):
				s.RunCycle(true)
			case <-stop:
				return
			}
		case titleEscalating:
			select {
			case <-s.after(triggerDelays[attempt]):
				if n := s.RunCycle(true); n > 0 {
					logger.Infof("Trigger cycle %d: generated %d titles", attempt+1, n)
				}
				attempt++
				if attempt >= len(triggerDelays) {
					state = titleIdle
				}
			case <-stop:
				return
			}
		}
	}
}

// RunCycle runs one title generation pass and returns the number of titles
// generated. With activeOnly false it also retitles any session whose current
// title is "Untitled", which only happens at startup.
func (s *TitleService) RunCycle(activeOnly bool) int {
	metas := s.cache.List()
	activePrefixes := s.activePrefixes()

	type candidate struct {
		id       string
		msgCount int
		active   bool
	}
	var needsTitle []candidate
	for _, meta := range metas {
		if meta.MessageCount < minMessagesForTitle {
			continue
		}
		active := hasActivePrefix(meta.ID, activePrefixes)

		entry, titled := s.titles[meta.ID]
		switch {
		case !titled:
			needsTitle = append(needsTitle, candidate{meta.ID, meta.MessageCount, active})
		case active && meta.MessageCount >= entry.MsgCount+retitleMessageThreshold:
			needsTitle = append(needsTitle, candidate{meta.ID, meta.MessageCount, active})
		case !activeOnly && meta.Title != nil && *meta.Title == "Untitled":
			needsTitle = append(needsTitle, candidate{meta.ID, meta.MessageCount, active})
		}
	}
	if len(needsTitle) == 0 {
		return 0
	}

	// Active sessions first.
	var ordered []candidate
	for _, c := range needsTitle {
		if c.active {
			ordered = append(ordered, c)
		}
	}
	for _, c := range needsTitle {
		if !c.active {
			ordered = append(ordered, c)
		}
	}
	if len(ordered) > titlesPerCycle {
		ordered = ordered[:titlesPerCycle]
	}

	generated := 0
	for _, c := range ordered {
		session := s.cache.Get(c.id)
		if session == nil {
			continue
		}
		title, err := s.generateTitle(session.Messages)
		if err != nil {
			logger.Debugf("Failed to generate title for %s: %v", shortID(c.id), err)
			continue
		}
		s.cache.UpdateTitle(c.id, title)
		s.titles[c.id] = models.TitleEntry{Title: title, MsgCount: c.msgCount}
		if generated%5 == 0 {
			s.saveTitleCache()
		}
		logger.Infof("Generated title for %s: %s (at %d msgs)", shortID(c.id), title, c.msgCount)
		generated++
		s.pause(time.Second)
	}

	if generated > 0 {
		s.saveTitleCache()
	}
	return generated
}

// generateTitle asks Haiku for a title over a slice of the conversation: the
// first 3 messages for initial context plus the last 7 for current focus.
func (s *TitleService) generateTitle(messages []models.NormalizedMessage) (string, error) {
	var context []models.NormalizedMessage
	if len(messages) <= 10 {
		context = messages
	} else {
		context = append(context, messages[:3]...)
		context = append(context, messages[len(messages)-7:]...)
	}
	if len(context) == 0 {
		return "", fmt.Errorf("no messages to generate title from")
	}

	var lines []string
	for _, msg := range context {
		var parts []string
		for _, block := range msg.Content {
			if block.Type != models.BlockText {
				continue
			}
			text := block.Text
			if len(text) > 500 {
				text = text[:500]
			}
			parts = append(parts, text)
		}
		lines = append(lines, fmt.Sprintf("%s: %s", msg.Role, strings.Join(parts, " ")))
	}
	prompt := strings.Replace(titlePrompt, "{conversation}", strings.Join(lines, "\n"), 1)

	text, err := s.anthropic.Complete(prompt, 50)
	if err != nil {
		return "", err
	}

	title := strings.TrimSpace(text)
	if title == "" {
		title = "Untitled Session"
	}
	title = strings.Trim(title, `"'`)
	if len(title) > 60 {
		title = title[:57] + "..."
	}
	return title, nil
}

// activePrefixes returns the session id prefixes that have a running tmux
// session. feather-new- sessions are skipped: their eventual session id is
// unrelated to the tmux name.
func (s *TitleService) activePrefixes() []string {
	var prefixes []string
	for _, name := range s.listTmux() {
		suffix, ok := strings.CutPrefix(name, "feather-")
		if !ok || strings.HasPrefix(suffix, "new-") {
			continue
		}
		prefixes = append(prefixes, suffix)
	}
	return prefixes
}

func hasActivePrefix(sessionID string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(sessionID, p) {
			return true
		}
	}
	return false
}

// loadTitleCache reads the cache file, migrating the old plain-string format
// (id → title) to the current entry format on the way in.
func (s *TitleService) loadTitleCache() {
	data, err := os.ReadFile(s.cacheFile)
	if err != nil {
		return
	}
	var entries map[string]models.TitleEntry
	if err := json.Unmarshal(data, &entries); err == nil {
		s.titles = entries
		return
	}
	var old map[string]string
	if err := json.Unmarshal(data, &old); err == nil {
		for id, title := range old {
			s.titles[id] = models.TitleEntry{Title: title}
		}
	}
}

func (s *TitleService) saveTitleCache() {
	data, err := json.MarshalIndent(s.titles, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(s.cacheFile, data, 0644); err != nil {
		logger.Warnf("Failed to save title cache: %v", err)
	}
}

// applyCachedTitles pushes persisted titles into the session cache so they
// survive server restarts.
func (s *TitleService) applyCachedTitles() {
	for id, entry := range s.titles {
		s.cache.UpdateTitle(id, entry.Title)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
