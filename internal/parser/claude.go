package parser

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/featherdev/feather/internal/logger"
	"github.com/featherdev/feather/internal/models"
)

// Claude Code sessions live at ~/.claude/projects/{project}/{session}.jsonl
// plus optional subagent transcripts under {project}/{session}/subagents/.
// A session view merges all of them into one uuid-keyed set.

type claudeRecord struct {
	Type                      string          `json:"type"`
	UUID                      string          `json:"uuid"`
	ParentUUID                string          `json:"parentUuid"`
	Timestamp                 string          `json:"timestamp"`
	Summary                   string          `json:"summary"`
	IsSidechain               bool            `json:"isSidechain"`
	IsCompactSummary          bool            `json:"isCompactSummary"`
	IsVisibleInTranscriptOnly bool            `json:"isVisibleInTranscriptOnly"`
	Message                   json.RawMessage `json:"message"`
}

// ParseClaudeSession merges a main session file with its subagent transcripts
// into a single normalized message list sorted by timestamp. Duplicate uuids
// resolve last-write-wins, so re-deliveries of the same message are harmless.
func ParseClaudeSession(projectsDir, projectID, sessionID string) (models.SessionMeta, []models.NormalizedMessage, error) {
	projectDir := filepath.Join(projectsDir, projectID)
	mainFile := filepath.Join(projectDir, sessionID+".jsonl")
	subagentsDir := filepath.Join(projectDir, sessionID, "subagents")

	if _, err := os.Stat(mainFile); err != nil {
		return models.SessionMeta{}, nil, fmt.Errorf("main session file not found: %s", mainFile)
	}

	meta := models.SessionMeta{
		ID:      sessionID,
		Project: projectID,
		Source:  models.SourceClaude,
	}
	messages := make(map[string]models.NormalizedMessage)

	if err := parseClaudeFile(mainFile, messages, &meta); err != nil {
		return models.SessionMeta{}, nil, err
	}

	if entries, err := os.ReadDir(subagentsDir); err == nil {
		for _, entry := range entries {
			name := entry.Name()
			if !strings.HasSuffix(name, ".jsonl") {
				continue
			}
			// Suggestion subagents carry only autocomplete context, never
			// useful in the session view
			if strings.Contains(name, "suggestion") {
				continue
			}
			if err := parseClaudeFile(filepath.Join(subagentsDir, name), messages, &meta); err != nil {
				logger.Debugf("Error parsing subagent file %s: %v", name, err)
			}
		}
	}

	result := make([]models.NormalizedMessage, 0, len(messages))
	for _, msg := range messages {
		result = append(result, msg)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp < result[j].Timestamp
	})

	meta.MessageCount = len(result)
	if len(result) > 0 {
		meta.CreatedAt = result[0].Timestamp
		meta.UpdatedAt = result[len(result)-1].Timestamp
	}

	return meta, result, nil
}

// parseClaudeFile reads one transcript file into the shared message map.
//
// Internal records are excluded by metadata flags (isSidechain,
// isCompactSummary, isVisibleInTranscriptOnly), and exclusion propagates to
// assistant replies: an assistant message whose parent chain reaches an
// excluded record is itself excluded. Propagation runs as a separate pass to
// a fixpoint so it does not depend on records appearing in causal order.
func parseClaudeFile(path string, messages map[string]models.NormalizedMessage, meta *models.SessionMeta) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read session file: %w", err)
	}
	filename := filepath.Base(path)

	var records []claudeRecord
	for _, line := range strings.Split(string(content), "\n") {
		if line == "" {
			continue
		}
		var record claudeRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}

		if record.Type != "user" && record.Type != "assistant" {
			if record.Type == "summary" && record.Summary != "" {
				meta.Title = &record.Summary
			}
			continue
		}
		if record.UUID == "" {
			continue
		}
		records = append(records, record)
	}

	// Pass 1: flagged records, then transitive closure over parent links.
	excluded := make(map[string]bool)
	for _, record := range records {
		if record.IsSidechain || record.IsCompactSummary || record.IsVisibleInTranscriptOnly {
			excluded[record.UUID] = true
		}
	}
	for changed := true; changed; {
		changed = false
		for _, record := range records {
			if record.Type != "assistant" || excluded[record.UUID] {
				continue
			}
			if record.ParentUUID != "" && excluded[record.ParentUUID] {
				excluded[record.UUID] = true
				changed = true
			}
		}
	}

	// Pass 2: emit everything that survived.
	for _, record := range records {
		if excluded[record.UUID] {
			continue
		}
		content := claudeContentBlocks(record.Message)
		if len(content) == 0 {
			continue
		}

		role := record.Type
		var msg struct {
			Role string `json:"role"`
		}
		if err := json.Unmarshal(record.Message, &msg); err == nil && msg.Role != "" {
			role = msg.Role
		}

		messages[record.UUID] = models.NormalizedMessage{
			UUID:       record.UUID,
			Role:       role,
			Timestamp:  record.Timestamp,
			Content:    content,
			SourceFile: filename,
		}
	}

	return nil
}

// claudeContentBlocks converts message.content, either a plain string or an
// array of typed blocks, into canonical blocks. Empty text and thinking
// blocks are dropped.
func claudeContentBlocks(message json.RawMessage) []models.ContentBlock {
	if len(message) == 0 {
		return nil
	}
	var msg struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(message, &msg); err != nil || len(msg.Content) == 0 {
		return nil
	}

	var s string
	if err := json.Unmarshal(msg.Content, &s); err == nil {
		if s == "" {
			return nil
		}
		return []models.ContentBlock{models.TextBlock(s)}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(msg.Content, &items); err != nil {
		return nil
	}

	var blocks []models.ContentBlock
	for _, item := range items {
		var block models.ContentBlock
		if err := json.Unmarshal(item, &block); err != nil {
			continue
		}
		switch block.Type {
		case models.BlockText:
			if block.Text == "" {
				continue
			}
		case models.BlockThinking:
			if block.Thinking == "" {
				continue
			}
		case models.BlockToolUse:
			if block.ID == "" || block.Name == "" {
				continue
			}
		case models.BlockToolResult:
			if block.ToolUseID == "" {
				continue
			}
		}
		blocks = append(blocks, block)
	}
	return blocks
}
