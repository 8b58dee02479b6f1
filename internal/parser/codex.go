package parser

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/featherdev/feather/internal/models"
)

// Codex session files live at ~/.codex/sessions/YYYY/MM/DD/rollout-{ts}-{uuid}.jsonl.
// Every line is an envelope {timestamp, type, payload}; the payload shape depends
// on the record type. Only session_meta and response_item records carry content.

// CodexSessionMeta is the metadata extracted from a session_meta record.
type CodexSessionMeta struct {
	ID        string
	Cwd       string
	Model     string
	Timestamp string
}

type codexRecord struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type codexPayload struct {
	// session_meta
	ID            string `json:"id"`
	Cwd           string `json:"cwd"`
	ModelProvider string `json:"model_provider"`
	Timestamp     string `json:"timestamp"`

	// response_item
	ItemType  string            `json:"type"`
	Role      string            `json:"role"`
	Content   []json.RawMessage `json:"content"`
	CallID    string            `json:"call_id"`
	Name      string            `json:"name"`
	Arguments string            `json:"arguments"`
	Output    any               `json:"output"`
	Summary   []struct {
		Text string `json:"text"`
	} `json:"summary"`
	Status string `json:"status"`
}

// ExtractCodexSessionID pulls the session uuid out of a rollout filename:
// "rollout-2026-02-03T02-32-13-019c2157-e0e9-7bb2-a886-d3b1a9e24d4f.jsonl"
// -> "019c2157-e0e9-7bb2-a886-d3b1a9e24d4f". The uuid occupies the last five
// dash-separated segments.
func ExtractCodexSessionID(filename string) (string, bool) {
	name, ok := strings.CutSuffix(filename, ".jsonl")
	if !ok {
		return "", false
	}
	parts := strings.Split(name, "-")
	if len(parts) < 5 {
		return "", false
	}
	return strings.Join(parts[len(parts)-5:], "-"), true
}

// codexUUID builds a deterministic uuid for a Codex record. Codex records have
// no per-message ids, so re-parsing the same file must produce the same ids.
func codexUUID(sessionID, timestamp string, index int) string {
	stripped := strings.NewReplacer(":", "", ".", "", "-", "").Replace(timestamp)
	return fmt.Sprintf("codex-%s-%d-%s", sessionID, index, stripped)
}

// ParseCodexSession parses one rollout file into normalized messages.
// Malformed lines are skipped. Messages are keyed by uuid and returned in
// timestamp order.
func ParseCodexSession(path string) (*CodexSessionMeta, []models.NormalizedMessage, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read codex session: %w", err)
	}
	filename := filepath.Base(path)

	sessionID, ok := ExtractCodexSessionID(filename)
	if !ok {
		return nil, nil, fmt.Errorf("invalid codex filename: %s", filename)
	}

	meta := &CodexSessionMeta{ID: sessionID}
	messages := make(map[string]models.NormalizedMessage)
	msgIndex := 0

	addMessage := func(role, timestamp string, blocks []models.ContentBlock) {
		uuid := codexUUID(sessionID, timestamp, msgIndex)
		msgIndex++
		messages[uuid] = models.NormalizedMessage{
			UUID:       uuid,
			Role:       role,
			Timestamp:  timestamp,
			Content:    blocks,
			SourceFile: filename,
		}
	}

	for _, line := range strings.Split(string(content), "\n") {
		if line == "" {
			continue
		}
		var record codexRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}

		switch record.Type {
		case "session_meta":
			var p codexPayload
			if err := json.Unmarshal(record.Payload, &p); err != nil {
				continue
			}
			if p.ID != "" {
				meta.ID = p.ID
				sessionID = p.ID
			}
			if p.Cwd != "" {
				meta.Cwd = p.Cwd
			}
			if p.ModelProvider != "" {
				meta.Model = p.ModelProvider
			}
			if p.Timestamp != "" {
				meta.Timestamp = p.Timestamp
			}

		case "response_item":
			var p codexPayload
			if err := json.Unmarshal(record.Payload, &p); err != nil {
				continue
			}

			switch p.ItemType {
			case "message":
				role := p.Role
				if role == "" {
					role = "user"
				}
				// developer/system messages are internal prompts
				if role == "developer" || role == "system" {
					continue
				}
				blocks := codexContentBlocks(p.Content)
				if len(blocks) == 0 {
					continue
				}
				addMessage(role, record.Timestamp, blocks)

			case "function_call", "custom_tool_call":
				name := p.Name
				if name == "" {
					name = "unknown"
				}
				args := p.Arguments
				if args == "" {
					args = "{}"
				}
				var input any
				if err := json.Unmarshal([]byte(args), &input); err != nil {
					input = nil
				}
				addMessage("assistant", record.Timestamp, []models.ContentBlock{
					models.ToolUseBlock(p.CallID, name, input),
				})

			case "function_call_output", "custom_tool_call_output":
				// Tool results are user messages in the canonical format
				addMessage("user", record.Timestamp, []models.ContentBlock{
					models.ToolResultBlock(p.CallID, p.Output, nil),
				})

			case "reasoning":
				// Only the summary is readable; the thinking content is encrypted
				var texts []string
				for _, item := range p.Summary {
					if item.Text != "" {
						texts = append(texts, item.Text)
					}
				}
				thinking := strings.Join(texts, "\n")
				if thinking == "" {
					continue
				}
				addMessage("assistant", record.Timestamp, []models.ContentBlock{
					models.ThinkingBlock(thinking),
				})

			case "web_search_call":
				if p.Status == "completed" {
					continue
				}
				addMessage("assistant", record.Timestamp, []models.ContentBlock{
					models.ToolUseBlock(p.ID, "web_search", map[string]any{}),
				})
			}

		case "event_msg", "turn_context", "compacted":
			// UI events and compaction bookkeeping, not conversation content
		}
	}

	result := make([]models.NormalizedMessage, 0, len(messages))
	for _, msg := range messages {
		result = append(result, msg)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp < result[j].Timestamp
	})

	return meta, result, nil
}

// codexContentBlocks converts a Codex content array to text blocks. Codex uses
// input_text for user content and output_text for model content.
func codexContentBlocks(items []json.RawMessage) []models.ContentBlock {
	var blocks []models.ContentBlock
	for _, item := range items {
		var block struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(item, &block); err != nil {
			continue
		}
		switch block.Type {
		case "input_text", "output_text", "text":
			if block.Text == "" {
				continue
			}
			blocks = append(blocks, models.TextBlock(block.Text))
		}
	}
	return blocks
}

// CodexSessionMetaToSession converts codex metadata into the cached shape.
func CodexSessionMetaToSession(meta *CodexSessionMeta, projectID string, messageCount int) models.SessionMeta {
	return models.SessionMeta{
		ID:           meta.ID,
		Project:      projectID,
		CreatedAt:    meta.Timestamp,
		UpdatedAt:    meta.Timestamp,
		MessageCount: messageCount,
		Source:       models.SourceCodex,
	}
}
