package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featherdev/feather/internal/models"
)

func writeClaudeSession(t *testing.T, projectsDir, projectID, sessionID string, lines []string) {
	t.Helper()
	dir := filepath.Join(projectsDir, projectID)
	require.NoError(t, os.MkdirAll(dir, 0755))
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, sessionID+".jsonl"), []byte(content), 0644))
}

func TestParseClaudeSession(t *testing.T) {
	projectsDir := t.TempDir()

	t.Run("BasicConversation", func(t *testing.T) {
		writeClaudeSession(t, projectsDir, "-home-user-app", "s1", []string{
			`{"type":"summary","summary":"Fix login bug"}`,
			`{"type":"user","uuid":"u1","timestamp":"2026-01-01T10:00:00Z","message":{"role":"user","content":"hello"}}`,
			`{"type":"assistant","uuid":"a1","parentUuid":"u1","timestamp":"2026-01-01T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"hi there"}]}}`,
		})

		meta, messages, err := ParseClaudeSession(projectsDir, "-home-user-app", "s1")
		require.NoError(t, err)
		require.Len(t, messages, 2)

		assert.Equal(t, "s1", meta.ID)
		assert.Equal(t, "-home-user-app", meta.Project)
		assert.Equal(t, models.SourceClaude, meta.Source)
		require.NotNil(t, meta.Title)
		assert.Equal(t, "Fix login bug", *meta.Title)
		assert.Equal(t, 2, meta.MessageCount)
		assert.Equal(t, "2026-01-01T10:00:00Z", meta.CreatedAt)
		assert.Equal(t, "2026-01-01T10:00:05Z", meta.UpdatedAt)

		assert.Equal(t, "user", messages[0].Role)
		require.Len(t, messages[0].Content, 1)
		assert.Equal(t, "hello", messages[0].Content[0].Text)
		assert.Equal(t, "assistant", messages[1].Role)
		assert.Equal(t, "hi there", messages[1].Content[0].Text)
	})

	t.Run("ExclusionPropagatesToReplies", func(t *testing.T) {
		// The assistant chain hanging off a sidechain record must disappear
		// even though the replies themselves carry no flags. Records are
		// written out of causal order on purpose.
		writeClaudeSession(t, projectsDir, "-home-user-app", "s2", []string{
			`{"type":"assistant","uuid":"a2","parentUuid":"a1","timestamp":"2026-01-01T10:00:10Z","message":{"role":"assistant","content":[{"type":"text","text":"deep reply"}]}}`,
			`{"type":"assistant","uuid":"a1","parentUuid":"u1","timestamp":"2026-01-01T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"side reply"}]}}`,
			`{"type":"user","uuid":"u1","isSidechain":true,"timestamp":"2026-01-01T10:00:00Z","message":{"role":"user","content":"internal"}}`,
			`{"type":"user","uuid":"u2","timestamp":"2026-01-01T10:01:00Z","message":{"role":"user","content":"real question"}}`,
		})

		_, messages, err := ParseClaudeSession(projectsDir, "-home-user-app", "s2")
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, "u2", messages[0].UUID)
	})

	t.Run("CompactSummaryExcluded", func(t *testing.T) {
		writeClaudeSession(t, projectsDir, "-home-user-app", "s3", []string{
			`{"type":"user","uuid":"c1","isCompactSummary":true,"timestamp":"2026-01-01T09:00:00Z","message":{"role":"user","content":"compacted history"}}`,
			`{"type":"user","uuid":"v1","isVisibleInTranscriptOnly":true,"timestamp":"2026-01-01T09:00:01Z","message":{"role":"user","content":"transcript only"}}`,
			`{"type":"user","uuid":"u1","timestamp":"2026-01-01T09:00:02Z","message":{"role":"user","content":"kept"}}`,
		})

		_, messages, err := ParseClaudeSession(projectsDir, "-home-user-app", "s3")
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, "u1", messages[0].UUID)
	})

	t.Run("SubagentMerge", func(t *testing.T) {
		writeClaudeSession(t, projectsDir, "-home-user-app", "s4", []string{
			`{"type":"user","uuid":"u1","timestamp":"2026-01-01T10:00:00Z","message":{"role":"user","content":"main"}}`,
		})
		subDir := filepath.Join(projectsDir, "-home-user-app", "s4", "subagents")
		require.NoError(t, os.MkdirAll(subDir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(subDir, "agent-1.jsonl"),
			[]byte(`{"type":"assistant","uuid":"sa1","timestamp":"2026-01-01T10:00:30Z","message":{"role":"assistant","content":[{"type":"text","text":"from subagent"}]}}`+"\n"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(subDir, "suggestion-2.jsonl"),
			[]byte(`{"type":"assistant","uuid":"sg1","timestamp":"2026-01-01T10:00:40Z","message":{"role":"assistant","content":[{"type":"text","text":"autocomplete"}]}}`+"\n"), 0644))

		_, messages, err := ParseClaudeSession(projectsDir, "-home-user-app", "s4")
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, "u1", messages[0].UUID)
		assert.Equal(t, "sa1", messages[1].UUID)
		assert.Equal(t, "agent-1.jsonl", messages[1].SourceFile)
	})

	t.Run("DuplicateUUIDLastWins", func(t *testing.T) {
		writeClaudeSession(t, projectsDir, "-home-user-app", "s5", []string{
			`{"type":"user","uuid":"u1","timestamp":"2026-01-01T10:00:00Z","message":{"role":"user","content":"first delivery"}}`,
			`{"type":"user","uuid":"u1","timestamp":"2026-01-01T10:00:00Z","message":{"role":"user","content":"second delivery"}}`,
		})

		_, messages, err := ParseClaudeSession(projectsDir, "-home-user-app", "s5")
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, "second delivery", messages[0].Content[0].Text)
	})

	t.Run("EmptyContentDropped", func(t *testing.T) {
		writeClaudeSession(t, projectsDir, "-home-user-app", "s6", []string{
			`{"type":"user","uuid":"u1","timestamp":"2026-01-01T10:00:00Z","message":{"role":"user","content":""}}`,
			`{"type":"assistant","uuid":"a1","timestamp":"2026-01-01T10:00:01Z","message":{"role":"assistant","content":[{"type":"text","text":""},{"type":"thinking","thinking":""}]}}`,
			`{"type":"user","uuid":"u2","timestamp":"2026-01-01T10:00:02Z","message":{"role":"user","content":"real"}}`,
			`not json at all`,
		})

		_, messages, err := ParseClaudeSession(projectsDir, "-home-user-app", "s6")
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, "u2", messages[0].UUID)
	})

	t.Run("ToolBlocks", func(t *testing.T) {
		writeClaudeSession(t, projectsDir, "-home-user-app", "s7", []string{
			`{"type":"assistant","uuid":"a1","timestamp":"2026-01-01T10:00:00Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`,
			`{"type":"user","uuid":"u1","timestamp":"2026-01-01T10:00:01Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"main.go"}]}}`,
		})

		_, messages, err := ParseClaudeSession(projectsDir, "-home-user-app", "s7")
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, models.BlockToolUse, messages[0].Content[0].Type)
		assert.Equal(t, "Bash", messages[0].Content[0].Name)
		assert.Equal(t, models.BlockToolResult, messages[1].Content[0].Type)
		assert.Equal(t, "t1", messages[1].Content[0].ToolUseID)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, _, err := ParseClaudeSession(projectsDir, "-home-user-app", "nope")
		assert.Error(t, err)
	})
}
