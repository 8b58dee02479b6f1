package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featherdev/feather/internal/models"
	"github.com/featherdev/feather/internal/sessions"
)

// fakeAnthropicServer returns an AnthropicService pointed at a stub that
// always answers with the given text.
func fakeAnthropicServer(t *testing.T, text string) *AnthropicService {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"id":      "msg_test",
			"type":    "message",
			"role":    "assistant",
			"content": []map[string]string{{"type": "text", "text": text}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	return &AnthropicService{
		apiKey:  "test-key",
		baseURL: srv.URL,
		client:  srv.Client(),
	}
}

func seedSession(t *testing.T, cache *sessions.Cache, id string, msgCount int) {
	t.Helper()
	var messages []models.NormalizedMessage
	for i := 0; i < msgCount; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		messages = append(messages, models.NormalizedMessage{
			UUID:      id + "-m" + string(rune('a'+i%26)),
			Role:      role,
			Timestamp: "2026-01-01T10:00:00Z",
			Content:   []models.ContentBlock{models.TextBlock("message body")},
		})
	}
	cache.Upsert(models.NormalizedSession{
		Meta: models.SessionMeta{
			ID:           id,
			Project:      "-home-user-app",
			MessageCount: msgCount,
			Source:       models.SourceClaude,
		},
		Messages: messages,
	})
	require.NoError(t, os.WriteFile(cache.NormalizedPath(id), []byte("{}\n"), 0644))
}

func newTestTitleService(t *testing.T, cache *sessions.Cache, anthropic *AnthropicService) *TitleService {
	t.Helper()
	svc := &TitleService{
		cache:     cache,
		anthropic: anthropic,
		cacheFile: filepath.Join(t.TempDir(), "title-cache.json"),
		triggerCh: make(chan struct{}, 1),
		titles:    make(map[string]models.TitleEntry),
		after:     time.After,
		pause:     func(time.Duration) {},
		listTmux:  func() []string { return nil },
	}
	return svc
}

func TestTitleServiceRunCycle(t *testing.T) {
	dir := t.TempDir()
	cache := sessions.NewCache(dir, filepath.Join(dir, "memory.jsonl"))
	seedSession(t, cache, "abcd1234-5678-0000-0000-000000000000", 4)
	seedSession(t, cache, "tiny0000-0000-0000-0000-000000000000", 1)

	svc := newTestTitleService(t, cache, fakeAnthropicServer(t, `"Fix Login Bug"`))

	generated := svc.RunCycle(false)
	assert.Equal(t, 1, generated)

	got := cache.Get("abcd1234-5678-0000-0000-000000000000")
	require.NotNil(t, got.Meta.Title)
	assert.Equal(t, "Fix Login Bug", *got.Meta.Title)

	// The single-message session stays untitled.
	assert.Nil(t, cache.Get("tiny0000-0000-0000-0000-000000000000").Meta.Title)

	// Already titled: nothing to do.
	assert.Equal(t, 0, svc.RunCycle(false))

	// Persisted with the message count at generation time.
	data, err := os.ReadFile(svc.cacheFile)
	require.NoError(t, err)
	var entries map[string]models.TitleEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	assert.Equal(t, 4, entries["abcd1234-5678-0000-0000-000000000000"].MsgCount)
}

func TestTitleServiceRetitlesActiveGrownSessions(t *testing.T) {
	dir := t.TempDir()
	cache := sessions.NewCache(dir, filepath.Join(dir, "memory.jsonl"))
	sessionID := "abcd1234-5678-0000-0000-000000000000"
	seedSession(t, cache, sessionID, 4)

	svc := newTestTitleService(t, cache, fakeAnthropicServer(t, "Initial Title"))
	require.Equal(t, 1, svc.RunCycle(false))

	// Growth below the threshold: no retitle even while active.
	svc.listTmux = func() []string { return []string{"feather-abcd1234"} }
	seedSession(t, cache, sessionID, 20)
	assert.Equal(t, 0, svc.RunCycle(true))

	// Past the threshold, but only active sessions qualify.
	seedSession(t, cache, sessionID, 60)
	svc.listTmux = func() []string { return nil }
	assert.Equal(t, 0, svc.RunCycle(true))

	svc.listTmux = func() []string { return []string{"feather-abcd1234"} }
	assert.Equal(t, 1, svc.RunCycle(true))
}

func TestTitleServiceTruncatesLongTitles(t *testing.T) {
	dir := t.TempDir()
	cache := sessions.NewCache(dir, filepath.Join(dir, "memory.jsonl"))
	seedSession(t, cache, "abcd1234-5678-0000-0000-000000000000", 4)

	long := "A Very Long Title That Goes On And On Far Past Sixty Characters Total"
	svc := newTestTitleService(t, cache, fakeAnthropicServer(t, long))
	require.Equal(t, 1, svc.RunCycle(false))

	got := cache.Get("abcd1234-5678-0000-0000-000000000000")
	require.NotNil(t, got.Meta.Title)
	assert.Len(t, *got.Meta.Title, 60)
	assert.Equal(t, long[:57]+"...", *got.Meta.Title)
}

func TestTitleServiceEscalatingTrigger(t *testing.T) {
	dir := t.TempDir()
	cache := sessions.NewCache(dir, filepath.Join(dir, "memory.jsonl"))
	svc := newTestTitleService(t, cache, fakeAnthropicServer(t, "T"))

	// Expected wait sequence: startup wait, the idle periodic wait (never
	// fires, so the pending trigger wins the select), the three escalating
	// delays, then the idle periodic wait again. Only the startup wait and
	// the escalating delays fire.
	var mu sync.Mutex
	var requested []time.Duration
	svc.after = func(d time.Duration) <-chan time.Time {
		mu.Lock()
		defer mu.Unlock()
		requested = append(requested, d)
		n := len(requested)
		if n == 1 || (n >= 3 && n <= 5) {
			ch := make(chan time.Time, 1)
			ch <- time.Time{}
			return ch
		}
		return nil
	}

	svc.Trigger()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		svc.Run(stop)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(requested) >= 6
	}, 2*time.Second, 10*time.Millisecond)

	close(stop)
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{
		10 * time.Second,
		titlePeriodicInterval,
		triggerDelays[0],
		triggerDelays[1],
		triggerDelays[2],
		titlePeriodicInterval,
	}, requested[:6])
}

func TestTitleCacheMigration(t *testing.T) {
	dir := t.TempDir()
	cache := sessions.NewCache(dir, filepath.Join(dir, "memory.jsonl"))
	svc := newTestTitleService(t, cache, fakeAnthropicServer(t, "T"))

	// Old format: plain id -> title strings.
	require.NoError(t, os.WriteFile(svc.cacheFile, []byte(`{"s1":"Old Title"}`), 0644))
	svc.loadTitleCache()

	entry, ok := svc.titles["s1"]
	require.True(t, ok)
	assert.Equal(t, "Old Title", entry.Title)
	assert.Equal(t, 0, entry.MsgCount)
}

func TestActivePrefixes(t *testing.T) {
	dir := t.TempDir()
	cache := sessions.NewCache(dir, filepath.Join(dir, "memory.jsonl"))
	svc := newTestTitleService(t, cache, fakeAnthropicServer(t, "T"))
	svc.listTmux = func() []string {
		return []string{"feather-abcd1234", "feather-new-1700000000", "feather-codex-x1", "unrelated"}
	}

	prefixes := svc.activePrefixes()
	assert.Equal(t, []string{"abcd1234", "codex-x1"}, prefixes)

	assert.True(t, hasActivePrefix("abcd1234-5678", prefixes))
	assert.False(t, hasActivePrefix("ffff0000-1111", prefixes))
}
