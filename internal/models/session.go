package models

// Session sources. Determines synthetic id prefixes and whether the
// normalized file is append-only.
const (
	SourceClaude = "claude"
	SourceCodex  = "codex"
	SourcePi     = "pi"
)

// SessionMeta is the cached metadata for one normalized session.
// MessageCount always equals the number of lines in the normalized file.
type SessionMeta struct {
	ID             string  `json:"id"`
	Project        string  `json:"project"`
	Title          *string `json:"title,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
	MessageCount   int     `json:"message_count"`
	LastMemoryUUID *string `json:"last_memory_uuid,omitempty"`
	Source         string  `json:"source,omitempty"`
}

// NormalizedSession couples session metadata with its message list.
type NormalizedSession struct {
	Meta     SessionMeta         `json:"meta"`
	Messages []NormalizedMessage `json:"messages,omitempty"`
}

// SessionEventType enumerates cache broadcast events.
type SessionEventType string

const (
	SessionUpdatedEvent  SessionEventType = "session:updated"
	MessageEvent         SessionEventType = "message"
	TitleUpdatedEvent    SessionEventType = "session:title_updated"
	MemoryExtractedEvent SessionEventType = "memory:extracted"
	EventsSkippedEvent   SessionEventType = "events:skipped"
)

// SessionEvent is the unit of the cache broadcast stream. A subscriber whose
// buffer overflows sees a single EventsSkippedEvent in place of the dropped
// oldest event.
type SessionEvent struct {
	Type        SessionEventType `json:"type"`
	SessionID   string           `json:"session_id,omitempty"`
	Project     string           `json:"project,omitempty"`
	NewMessages int              `json:"new_messages,omitempty"`
	Title       string           `json:"title,omitempty"`
	Facts       []ExtractedFact  `json:"facts,omitempty"`
	Payload     any              `json:"payload,omitempty"`
}

// ExtractedFact is one line of memory.jsonl.
type ExtractedFact struct {
	Date    string `json:"date"`
	Session string `json:"session"`
	Msg     string `json:"msg,omitempty"`
	Fact    string `json:"fact"`
	Action  string `json:"action,omitempty"`
	Old     string `json:"old,omitempty"`
}

// TitleEntry is one record of the title cache file, keyed by session id.
// MsgCount is the message count at the time the title was generated and
// drives retitling once the session has grown enough.
type TitleEntry struct {
	Title    string `json:"title"`
	MsgCount int    `json:"msg_count"`
}
