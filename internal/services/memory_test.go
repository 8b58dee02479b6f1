package services

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featherdev/feather/internal/models"
	"github.com/featherdev/feather/internal/sessions"
)

func newTestMemoryService(cache *sessions.Cache, anthropic *AnthropicService) *MemoryService {
	return &MemoryService{
		cache:     cache,
		anthropic: anthropic,
		after:     time.After,
		today:     func() string { return "2026-08-29" },
	}
}

func TestMemoryServiceRunCycle(t *testing.T) {
	dir := t.TempDir()
	memoryFile := filepath.Join(dir, "memory.jsonl")
	cache := sessions.NewCache(dir, memoryFile)

	sessionID := "abcd1234-5678-0000-0000-000000000000"
	cache.Upsert(models.NormalizedSession{
		Meta: models.SessionMeta{ID: sessionID, Project: "-home-user-app", MessageCount: 3, Source: models.SourceClaude},
		Messages: []models.NormalizedMessage{
			{UUID: "m1", Role: "user", Timestamp: "2026-08-29T10:00:00Z", Content: []models.ContentBlock{models.TextBlock("let's use postgres for storage")}},
			{UUID: "m2", Role: "assistant", Timestamp: "2026-08-29T10:00:05Z", Content: []models.ContentBlock{models.TextBlock("postgres it is")}},
			{UUID: "m3", Role: "user", Timestamp: "2026-08-29T10:00:10Z", Content: []models.ContentBlock{models.TextBlock("thanks")}},
		},
	})

	anthropic := fakeAnthropicServer(t, `Here are the facts:
[{"fact": "Chose postgres for storage", "msg_hint": "postgres"}]`)
	svc := newTestMemoryService(cache, anthropic)

	sub := cache.Subscribe()
	defer cache.Unsubscribe(sub)

	require.NoError(t, svc.RunCycle())

	data, err := os.ReadFile(memoryFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 1)

	var fact models.ExtractedFact
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &fact))
	assert.Equal(t, "2026-08-29", fact.Date)
	assert.Equal(t, "abcd1234", fact.Session)
	assert.Equal(t, "Chose postgres for storage", fact.Fact)
	assert.Equal(t, "add", fact.Action)
	// The hint matches m2 (the most recent message containing "postgres").
	assert.Equal(t, "m2", fact.Msg)

	// Watermark advanced: nothing left to extract.
	assert.Empty(t, cache.SessionsNeedingExtraction(minNewMessages))

	var sawEvent bool
	for !sawEvent {
		select {
		case event := <-sub.Events():
			if event.Type == models.MemoryExtractedEvent {
				sawEvent = true
				assert.Equal(t, sessionID, event.SessionID)
				require.Len(t, event.Facts, 1)
			}
		case <-time.After(time.Second):
			t.Fatal("no memory:extracted event")
		}
	}
}

func TestMemoryServiceSkipsQuietSessions(t *testing.T) {
	dir := t.TempDir()
	cache := sessions.NewCache(dir, filepath.Join(dir, "memory.jsonl"))
	cache.Upsert(models.NormalizedSession{
		Meta: models.SessionMeta{ID: "s1", Project: "p", MessageCount: 1},
		Messages: []models.NormalizedMessage{
			{UUID: "m1", Role: "user", Content: []models.ContentBlock{models.TextBlock("hi")}},
		},
	})

	svc := newTestMemoryService(cache, fakeAnthropicServer(t, "[]"))
	require.NoError(t, svc.RunCycle())

	_, err := os.ReadFile(cache.MemoryFile)
	assert.True(t, os.IsNotExist(err))
}

func TestParseExtraction(t *testing.T) {
	svc := newTestMemoryService(nil, nil)
	messages := []models.NormalizedMessage{
		{UUID: "aaaa1111-0000-0000-0000-000000000000", Role: "user", Content: []models.ContentBlock{models.TextBlock("we deploy on fridays")}},
	}

	t.Run("LenientWrapperText", func(t *testing.T) {
		facts := svc.parseExtraction(`Sure! Here you go:
[{"fact": "Deploys happen on Fridays", "msg_hint": "fridays"}]
Let me know if you need more.`, "abcd1234-full-session-id", messages)
		require.Len(t, facts, 1)
		assert.Equal(t, "Deploys happen on Fridays", facts[0].Fact)
		assert.Equal(t, "abcd1234", facts[0].Session)
		assert.Equal(t, "aaaa1111", facts[0].Msg)
	})

	t.Run("EmptyArray", func(t *testing.T) {
		assert.Empty(t, svc.parseExtraction("[]", "s", messages))
	})

	t.Run("NoArrayAtAll", func(t *testing.T) {
		assert.Empty(t, svc.parseExtraction("no facts worth extracting", "s", messages))
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		assert.Empty(t, svc.parseExtraction(`[{"fact": unquoted}]`, "s", messages))
	})

	t.Run("BlankFactsSkipped", func(t *testing.T) {
		facts := svc.parseExtraction(`[{"fact": "", "msg_hint": "x"},{"fact": "real", "msg_hint": "nomatch"}]`, "s", messages)
		require.Len(t, facts, 1)
		assert.Equal(t, "real", facts[0].Fact)
		assert.Equal(t, "unknown", facts[0].Msg)
	})
}

func TestFormatConversation(t *testing.T) {
	long := strings.Repeat("x", 300)
	messages := []models.NormalizedMessage{
		{UUID: "m1", Role: "user", Content: []models.ContentBlock{models.TextBlock("run the tests")}},
		{UUID: "m2", Role: "assistant", Content: []models.ContentBlock{
			models.ThinkingBlock(long),
			models.ToolUseBlock("t1", "Bash", map[string]any{"command": "go test"}),
		}},
		{UUID: "m3", Role: "user", Content: []models.ContentBlock{
			models.ToolResultBlock("t1", "ok", nil),
		}},
	}

	out := formatConversation(messages)
	assert.Contains(t, out, "user: run the tests")
	assert.Contains(t, out, "[thinking: "+long[:200]+"]")
	assert.Contains(t, out, "[tool: Bash]")
	// Tool results carry no prompt value.
	assert.NotContains(t, out, "ok")
}

func TestLoadExistingFacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.jsonl")
	lines := []string{
		`{"date":"2026-08-01","session":"abcd1234","fact":"uses postgres","action":"add"}`,
		`{"date":"2026-08-02","session":"ffff0000","fact":"other session","action":"add"}`,
		`not json`,
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))

	facts, err := loadExistingFacts(path, "abcd1234-5678-0000-0000-000000000000")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "uses postgres", facts[0].Fact)

	missing, err := loadExistingFacts(filepath.Join(t.TempDir(), "nope.jsonl"), "s")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
