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
	// minNewMessages is how many messages a session must gain past its
	// watermark before another extraction pass.
	minNewMessages = 3

	// maxContextMessages caps how much conversation goes into one prompt.
	maxContextMessages = 50

	extractionInterval = 30 * time.Minute
)

const extractionPrompt = `You are a memory extraction system. Extract facts worth remembering from this conversation.

Conversation (most recent messages):
<conversation>
{conversation}
</conversation>

Facts already extracted from this conversation:
<existing_facts>
{existing_facts}
</existing_facts>

Extract NEW facts worth remembering long-term. Focus on:
- Decisions made
- Preferences expressed
- Events/appointments scheduled
- People mentioned with context
- Technical choices/architecture decisions
- Problems solved and how

Skip:
- Temporary debugging info
- File contents being read
- Routine tool usage

Return JSON array of facts:
[{"fact": "description", "msg_hint": "keyword from relevant message"}]

If no new facts worth extracting, return: []`

// MemoryService periodically distills session conversations into durable
// facts appended to memory.jsonl. Each session carries a watermark (the uuid
// of the last extracted message) so only new conversation is considered.
type MemoryService struct {
	cache     *sessions.Cache
	anthropic *AnthropicService

	after func(time.Duration) <-chan time.Time
	today func() string
}

// NewMemoryService creates a memory extraction service.
func NewMemoryService(cache *sessions.Cache, anthropic *AnthropicService) *MemoryService {
	return &MemoryService{
		cache:     cache,
		anthropic: anthropic,
		after:     time.After,
		today:     func() string { return time.Now().UTC().Format("2006-01-02") },
	}
}

// Run extracts memories every 30 minutes until stop is closed.
func (s *MemoryService) Run(stop <-chan struct{}) {
	logger.Infof("Starting memory extraction (interval: %s)", extractionInterval)
	for {
		select {
		case <-s.after(extractionInterval):
		case <-stop:
			return
		}
		if err := s.RunCycle(); err != nil {
			logger.Errorf("Memory extraction cycle failed: %v", err)
		}
	}
}

// RunCycle extracts from every session that has accumulated enough new
// messages since its last extraction.
func (s *MemoryService) RunCycle() error {
	ids := s.cache.SessionsNeedingExtraction(minNewMessages)
	if len(ids) == 0 {
		logger.Debugf("No sessions need memory extraction")
		return nil
	}

	logger.Infof("Extracting memories from %d sessions", len(ids))
	for _, sessionID := range ids {
		facts, err := s.extractSession(sessionID)
		if err != nil {
			logger.Warnf("Failed to extract from session %s: %v", shortID(sessionID), err)
			continue
		}
		if len(facts) == 0 {
			continue
		}
		logger.Infof("Extracted %d facts from session %s", len(facts), shortID(sessionID))
		if err := appendFacts(s.cache.MemoryFile, facts); err != nil {
			return err
		}
		s.cache.Broadcast(models.SessionEvent{
			Type:      models.MemoryExtractedEvent,
			SessionID: sessionID,
			Facts:     facts,
		})
	}
	return nil
}

// extractSession runs one extraction over the session's unprocessed tail and
// advances the watermark.
func (s *MemoryService) extractSession(sessionID string) ([]models.ExtractedFact, error) {
	messages := s.cache.MessagesForExtraction(sessionID, maxContextMessages)
	if len(messages) == 0 {
		return nil, nil
	}

	conversation := formatConversation(messages)
	existing, err := loadExistingFacts(s.cache.MemoryFile, sessionID)
	if err != nil {
		return nil, err
	}
	var existingLines []string
	for _, f := range existing {
		existingLines = append(existingLines, f.Fact)
	}

	prompt := strings.Replace(extractionPrompt, "{conversation}", conversation, 1)
	prompt = strings.Replace(prompt, "{existing_facts}", strings.Join(existingLines, "\n"), 1)

	response, err := s.anthropic.Complete(prompt, 1024)
	if err != nil {
		return nil, err
	}

	facts := s.parseExtraction(response, sessionID, messages)
	s.cache.MarkMemoryExtracted(sessionID, messages[len(messages)-1].UUID)
	return facts, nil
}

// formatConversation renders messages as prompt text. Tool results are
// skipped to save tokens; thinking is truncated to a hint.
func formatConversation(messages []models.NormalizedMessage) string {
	var rendered []string
	for _, msg := range messages {
		var parts []string
		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText:
				parts = append(parts, block.Text)
			case models.BlockThinking:
				thinking := block.Thinking
				if len(thinking) > 200 {
					thinking = thinking[:200]
				}
				parts = append(parts, fmt.Sprintf("[thinking: %s]", thinking))
			case models.BlockToolUse:
				parts = append(parts, fmt.Sprintf("[tool: %s]", block.Name))
			case models.BlockImage:
				parts = append(parts, "[image]")
			}
		}
		rendered = append(rendered, fmt.Sprintf("%s: %s", msg.Role, strings.Join(parts, "\n")))
	}
	return strings.Join(rendered, "\n\n")
}

// loadExistingFacts returns facts already recorded for the session,
// matched on the 8-char session prefix used in memory.jsonl.
func loadExistingFacts(memoryFile, sessionID string) ([]models.ExtractedFact, error) {
	data, err := os.ReadFile(memoryFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read memory file: %w", err)
	}

	prefix := shortID(sessionID)
	var facts []models.ExtractedFact
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var fact models.ExtractedFact
		if err := json.Unmarshal([]byte(line), &fact); err != nil {
			continue
		}
		if strings.HasPrefix(fact.Session, prefix) {
			facts = append(facts, fact)
		}
	}
	return facts, nil
}

// parseExtraction reads the model's response leniently: whatever sits between
// the first '[' and the last ']' is treated as the JSON array.
func (s *MemoryService) parseExtraction(response, sessionID string, messages []models.NormalizedMessage) []models.ExtractedFact {
	jsonStr := "[]"
	if start := strings.Index(response, "["); start >= 0 {
		if end := strings.LastIndex(response, "]"); end > start {
			jsonStr = response[start : end+1]
		}
	}

	var raw []struct {
		Fact    string `json:"fact"`
		MsgHint string `json:"msg_hint"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return nil
	}

	today := s.today()
	shortSession := shortID(sessionID)

	var facts []models.ExtractedFact
	for _, item := range raw {
		if item.Fact == "" {
			continue
		}
		facts = append(facts, models.ExtractedFact{
			Date:    today,
			Session: shortSession,
			Msg:     findMessageHint(messages, item.MsgHint),
			Fact:    item.Fact,
			Action:  "add",
		})
	}
	return facts
}

// findMessageHint locates the most recent message whose text contains the
// hint and returns the short uuid, or "unknown".
func findMessageHint(messages []models.NormalizedMessage, hint string) string {
	for i := len(messages) - 1; i >= 0; i-- {
		for _, block := range messages[i].Content {
			if block.Type == models.BlockText && strings.Contains(block.Text, hint) {
				return shortID(messages[i].UUID)
			}
		}
	}
	return "unknown"
}

// appendFacts appends facts to memory.jsonl, one JSON object per line.
func appendFacts(path string, facts []models.ExtractedFact) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open memory file: %w", err)
	}
	defer file.Close()

	for _, fact := range facts {
		line, err := json.Marshal(fact)
		if err != nil {
			return fmt.Errorf("failed to marshal fact: %w", err)
		}
		if _, err := fmt.Fprintf(file, "%s\n", line); err != nil {
			return fmt.Errorf("failed to append fact: %w", err)
		}
	}
	return nil
}
