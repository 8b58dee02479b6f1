package models

import (
	"encoding/json"
	"fmt"
)

// NormalizedMessage is the canonical message shape every source format is
// converted into. One message per line in the normalized session files.
type NormalizedMessage struct {
	UUID       string         `json:"uuid"`
	Role       string         `json:"role"`
	Timestamp  string         `json:"timestamp"`
	Content    []ContentBlock `json:"content"`
	SourceFile string         `json:"source_file,omitempty"`
}

// Block type discriminators used on the wire.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
)

// ContentBlock is a tagged union over the five canonical block kinds. Only the
// fields for the active Type are populated; Input and ResultContent are kept
// opaque because tool payloads are source-defined.
type ContentBlock struct {
	Type string

	// text / thinking
	Text     string
	Thinking string

	// tool_use
	ID    string
	Name  string
	Input any

	// tool_result
	ToolUseID     string
	ResultContent any
	IsError       *bool

	// image
	Source *ImageSource
}

// ImageSource mirrors the Anthropic image source shape.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ThinkingBlock returns a thinking content block.
func ThinkingBlock(thinking string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Thinking: thinking}
}

// ToolUseBlock returns a tool_use content block.
func ToolUseBlock(id, name string, input any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock returns a tool_result content block.
func ToolResultBlock(toolUseID string, content any, isError *bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, ResultContent: content, IsError: isError}
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	m := map[string]any{"type": b.Type}
	switch b.Type {
	case BlockText:
		m["text"] = b.Text
	case BlockThinking:
		m["thinking"] = b.Thinking
	case BlockToolUse:
		m["id"] = b.ID
		m["name"] = b.Name
		input := b.Input
		if input == nil {
			input = map[string]any{}
		}
		m["input"] = input
	case BlockToolResult:
		m["tool_use_id"] = b.ToolUseID
		m["content"] = b.ResultContent
		if b.IsError != nil {
			m["is_error"] = *b.IsError
		}
	case BlockImage:
		if b.Source != nil {
			m["source"] = b.Source
		}
	default:
		return nil, fmt.Errorf("unknown content block type %q", b.Type)
	}
	return json.Marshal(m)
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type      string          `json:"type"`
		Text      string          `json:"text"`
		Thinking  string          `json:"thinking"`
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Input     any             `json:"input"`
		ToolUseID string          `json:"tool_use_id"`
		Content   any             `json:"content"`
		IsError   *bool           `json:"is_error"`
		Source    json.RawMessage `json:"source"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch raw.Type {
	case BlockText:
		*b = ContentBlock{Type: BlockText, Text: raw.Text}
	case BlockThinking:
		*b = ContentBlock{Type: BlockThinking, Thinking: raw.Thinking}
	case BlockToolUse:
		*b = ContentBlock{Type: BlockToolUse, ID: raw.ID, Name: raw.Name, Input: raw.Input}
	case BlockToolResult:
		*b = ContentBlock{Type: BlockToolResult, ToolUseID: raw.ToolUseID, ResultContent: raw.Content, IsError: raw.IsError}
	case BlockImage:
		blk := ContentBlock{Type: BlockImage}
		if len(raw.Source) > 0 && string(raw.Source) != "null" {
			var src ImageSource
			if err := json.Unmarshal(raw.Source, &src); err == nil {
				blk.Source = &src
			}
		}
		*b = blk
	default:
		return fmt.Errorf("unknown content block type %q", raw.Type)
	}
	return nil
}
