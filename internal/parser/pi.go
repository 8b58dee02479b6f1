package parser

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/featherdev/feather/internal/models"
)

// Pi sessions live at ~/.pi/agent/sessions/<cwd-encoded>/<dir>/*.jsonl. The
// first line is a session header {type: "session", id, timestamp, cwd}; the
// rest are entries forming a tree via id/parentId. Only the current branch
// (leaf to root from the last entry) is normalized; abandoned branches are
// left behind by in-CLI rewinds.

// PiSessionMeta is the metadata extracted from a Pi session header.
type PiSessionMeta struct {
	ID        string
	Cwd       string
	Timestamp string
}

type piRecord struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	ParentID  *string         `json:"parentId"`
	Timestamp json.RawMessage `json:"timestamp"`
	Cwd       string          `json:"cwd"`
	Message   json.RawMessage `json:"message"`
}

// ExtractPiSessionID strips the timestamp prefix from a session directory
// name: "1738000000000_abc12345-..." -> "abc12345-...".
func ExtractPiSessionID(dirName string) string {
	if _, uuid, found := strings.Cut(dirName, "_"); found && uuid != "" {
		return uuid
	}
	return dirName
}

// PiProjectID converts Pi's encoded cwd directory name (double hyphens for
// slashes) to the dashboard project id form (single hyphens).
func PiProjectID(encodedCwd string) string {
	path := strings.ReplaceAll(encodedCwd, "--", "/")
	return "-" + strings.TrimPrefix(strings.ReplaceAll(path, "/", "-"), "-")
}

func piUUID(sessionID, entryID string) string {
	return fmt.Sprintf("pi-%s-%s", sessionID, entryID)
}

// piTimestamp renders a Pi timestamp value, either an ISO string or a unix
// millisecond number, as an RFC 3339 string with millisecond precision.
func piTimestamp(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		secs := int64(ms / 1000)
		nanos := int64(ms) % 1000 * int64(time.Millisecond)
		return time.Unix(secs, nanos).UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	return ""
}

// ParsePiSession parses one Pi session file into normalized messages from the
// current branch only.
func ParsePiSession(path string) (*PiSessionMeta, []models.NormalizedMessage, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read pi session: %w", err)
	}
	filename := filepath.Base(path)

	meta := &PiSessionMeta{}
	var entries []piRecord
	entriesByID := make(map[string]int)
	lastEntryID := ""

	for _, line := range strings.Split(string(content), "\n") {
		if line == "" {
			continue
		}
		var record piRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}

		if record.Type == "session" {
			if record.ID != "" {
				meta.ID = record.ID
			}
			meta.Cwd = record.Cwd
			meta.Timestamp = piTimestamp(record.Timestamp)
			continue
		}

		if record.ID != "" {
			entriesByID[record.ID] = len(entries)
			lastEntryID = record.ID
		}
		entries = append(entries, record)
	}

	if len(entries) == 0 {
		return meta, nil, nil
	}

	// Walk leaf to root via parentId, then reverse for chronological order.
	var branch []int
	if lastEntryID != "" {
		currentID := &lastEntryID
		for currentID != nil {
			idx, ok := entriesByID[*currentID]
			if !ok {
				break
			}
			branch = append(branch, idx)
			currentID = entries[idx].ParentID
		}
		for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
			branch[i], branch[j] = branch[j], branch[i]
		}
	} else {
		for i := range entries {
			branch = append(branch, i)
		}
	}

	var messages []models.NormalizedMessage
	for _, idx := range branch {
		entry := entries[idx]
		if entry.Type != "message" || len(entry.Message) == 0 {
			continue
		}

		entryID := entry.ID
		if entryID == "" {
			entryID = fmt.Sprintf("idx-%d", idx)
		}

		var msg struct {
			Role       string          `json:"role"`
			Timestamp  json.RawMessage `json:"timestamp"`
			Content    json.RawMessage `json:"content"`
			ToolCallID string          `json:"toolCallId"`
			IsError    *bool           `json:"isError"`
			Command    string          `json:"command"`
			Output     string          `json:"output"`
			ExitCode   *int            `json:"exitCode"`
		}
		if err := json.Unmarshal(entry.Message, &msg); err != nil {
			continue
		}

		timestamp := piTimestamp(entry.Timestamp)
		if timestamp == "" {
			timestamp = piTimestamp(msg.Timestamp)
		}

		switch msg.Role {
		case "user":
			blocks := piUserContent(msg.Content)
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, models.NormalizedMessage{
				UUID:       piUUID(meta.ID, entryID),
				Role:       "user",
				Timestamp:  timestamp,
				Content:    blocks,
				SourceFile: filename,
			})

		case "assistant":
			blocks := piAssistantContent(msg.Content)
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, models.NormalizedMessage{
				UUID:       piUUID(meta.ID, entryID),
				Role:       "assistant",
				Timestamp:  timestamp,
				Content:    blocks,
				SourceFile: filename,
			})

		case "toolResult":
			var resultContent any
			if len(msg.Content) > 0 {
				_ = json.Unmarshal(msg.Content, &resultContent)
			}
			messages = append(messages, models.NormalizedMessage{
				UUID:      piUUID(meta.ID, entryID),
				Role:      "user",
				Timestamp: timestamp,
				Content: []models.ContentBlock{
					models.ToolResultBlock(msg.ToolCallID, resultContent, msg.IsError),
				},
				SourceFile: filename,
			})

		case "bashExecution":
			// Shell runs from the Pi UI, rendered as a readable transcript
			text := fmt.Sprintf("$ %s\n%s", msg.Command, msg.Output)
			if msg.ExitCode != nil {
				text = fmt.Sprintf("%s\n[exit code: %d]", text, *msg.ExitCode)
			}
			messages = append(messages, models.NormalizedMessage{
				UUID:       piUUID(meta.ID, entryID),
				Role:       "user",
				Timestamp:  timestamp,
				Content:    []models.ContentBlock{models.TextBlock(text)},
				SourceFile: filename,
			})

		case "compactionSummary", "branchSummary", "custom":
			// internal bookkeeping
		}
	}

	return meta, messages, nil
}

// piUserContent handles UserMessage.content: either a plain string or an
// array of text/image items.
func piUserContent(raw json.RawMessage) []models.ContentBlock {
	if len(raw) == 0 {
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []models.ContentBlock{models.TextBlock(s)}
	}

	var items []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Data     string `json:"data"`
		MimeType string `json:"mimeType"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}

	var blocks []models.ContentBlock
	for _, item := range items {
		switch item.Type {
		case "text":
			if item.Text == "" {
				continue
			}
			blocks = append(blocks, models.TextBlock(item.Text))
		case "image":
			mime := item.MimeType
			if mime == "" {
				mime = "image/png"
			}
			blocks = append(blocks, models.ContentBlock{
				Type: models.BlockImage,
				Source: &models.ImageSource{
					Type:      "base64",
					MediaType: mime,
					Data:      item.Data,
				},
			})
		}
	}
	return blocks
}

// piAssistantContent handles AssistantMessage.content: an array of
// text/thinking/toolCall items.
func piAssistantContent(raw json.RawMessage) []models.ContentBlock {
	var items []struct {
		Type      string         `json:"type"`
		Text      string         `json:"text"`
		Thinking  string         `json:"thinking"`
		ID        string         `json:"id"`
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}

	var blocks []models.ContentBlock
	for _, item := range items {
		switch item.Type {
		case "text":
			if item.Text == "" {
				continue
			}
			blocks = append(blocks, models.TextBlock(item.Text))
		case "thinking":
			if item.Thinking == "" {
				continue
			}
			blocks = append(blocks, models.ThinkingBlock(item.Thinking))
		case "toolCall":
			if item.ID == "" || item.Name == "" {
				continue
			}
			args := item.Arguments
			if args == nil {
				args = map[string]any{}
			}
			name, input := normalizePiTool(item.Name, args)
			blocks = append(blocks, models.ToolUseBlock(item.ID, name, input))
		}
	}
	return blocks
}

// normalizePiTool maps Pi's lowercase tool names and argument field names onto
// the Claude CLI conventions so the frontend renders all sources uniformly.
// Unknown tools only get their first letter capitalized.
func normalizePiTool(name string, args map[string]any) (string, map[string]any) {
	rename := func(from, to string) {
		if v, ok := args[from]; ok {
			delete(args, from)
			args[to] = v
		}
	}

	switch name {
	case "bash":
		return "Bash", args
	case "read":
		rename("path", "file_path")
		return "Read", args
	case "write":
		rename("path", "file_path")
		return "Write", args
	case "edit":
		rename("path", "file_path")
		rename("oldText", "old_string")
		rename("newText", "new_string")
		return "Edit", args
	case "grep":
		return "Grep", args
	case "glob":
		return "Glob", args
	default:
		if name == "" {
			return name, args
		}
		return strings.ToUpper(name[:1]) + name[1:], args
	}
}

// PiSessionMetaToSession converts Pi metadata into the cached shape.
func PiSessionMetaToSession(meta *PiSessionMeta, projectID string, messageCount int) models.SessionMeta {
	return models.SessionMeta{
		ID:           meta.ID,
		Project:      projectID,
		CreatedAt:    meta.Timestamp,
		UpdatedAt:    meta.Timestamp,
		MessageCount: messageCount,
		Source:       models.SourcePi,
	}
}
