package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionName(t *testing.T) {
	m := NewTmuxManager("/home/user")

	tests := []struct {
		sessionID string
		want      string
	}{
		{"abcd1234-5678-0000-0000-000000000000", "feather-abcd1234"},
		{"short", "feather-short"},
		{"feather-codex-17", "feather-codex-17"},
		{"feather-new-1700000000", "feather-new-1700000000"},
		{"codex-17", "codex-17"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.SessionName(tt.sessionID), tt.sessionID)
	}
}

func TestTrackedSessions(t *testing.T) {
	m := NewTmuxManager("/home/user")

	m.Track(&TrackedSession{SessionID: "abcd1234", TmuxName: "feather-abcd1234", Cwd: "/home/user/app"})

	info := m.Tracked("feather-abcd1234")
	require.NotNil(t, info)
	assert.Equal(t, "abcd1234", info.SessionID)

	// Reads return copies: mutating them must not leak into the manager.
	info.Cwd = "/elsewhere"
	assert.Equal(t, "/home/user/app", m.Tracked("feather-abcd1234").Cwd)

	byID := m.TrackedByID("abcd1234")
	require.NotNil(t, byID)
	assert.Equal(t, "feather-abcd1234", byID.TmuxName)

	m.SetPiUUID("feather-abcd1234", "uuid-1")
	require.NotNil(t, m.Tracked("feather-abcd1234").PiUUID)
	assert.Equal(t, "uuid-1", *m.Tracked("feather-abcd1234").PiUUID)

	m.Untrack("feather-abcd1234")
	assert.Nil(t, m.Tracked("feather-abcd1234"))
	assert.Nil(t, m.TrackedByID("abcd1234"))
}

func TestReadPiHeader(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "feather-pi-1.jsonl")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"type":"session","id":"uuid-abc","cwd":"/home/user/app"}`+"\n"+`{"type":"message"}`+"\n"), 0644))
	uuid, cwd, ok := readPiHeader(path)
	require.True(t, ok)
	assert.Equal(t, "uuid-abc", uuid)
	assert.Equal(t, "/home/user/app", cwd)

	bad := filepath.Join(dir, "bad.jsonl")
	require.NoError(t, os.WriteFile(bad, []byte("not json\n"), 0644))
	_, _, ok = readPiHeader(bad)
	assert.False(t, ok)

	_, _, ok = readPiHeader(filepath.Join(dir, "missing.jsonl"))
	assert.False(t, ok)
}

func TestRebuildPiSessions(t *testing.T) {
	piDir := t.TempDir()
	cwdDir := filepath.Join(piDir, "--home--user--app")
	require.NoError(t, os.MkdirAll(cwdDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cwdDir, "feather-pi-1700000000.jsonl"),
		[]byte(`{"type":"session","id":"uuid-abc","cwd":"/home/user/app"}`+"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(cwdDir, "other-session.jsonl"),
		[]byte(`{"type":"session","id":"uuid-def","cwd":"/home/user/app"}`+"\n"), 0644))

	m := NewTmuxManager("/home/user")
	m.RebuildPiSessions(piDir)

	info := m.Tracked("feather-pi-1700000000")
	require.NotNil(t, info)
	require.NotNil(t, info.PiUUID)
	assert.Equal(t, "uuid-abc", *info.PiUUID)
	assert.Equal(t, "/home/user/app", info.Cwd)
	assert.Equal(t, "-home-user-app", info.ProjectID)

	assert.Nil(t, m.Tracked("other-session"))
}

func TestFindSessionFile(t *testing.T) {
	normalizedDir := t.TempDir()
	m := NewTmuxManager("/home/user")

	sessionFile := filepath.Join(normalizedDir, "abcd1234-5678-0000-0000-000000000000.jsonl")
	require.NoError(t, os.WriteFile(sessionFile, []byte("{}\n"), 0644))

	t.Run("ClaudePrefixMatch", func(t *testing.T) {
		assert.Equal(t, sessionFile, m.findSessionFile(normalizedDir, "feather-abcd1234"))
		assert.Equal(t, "", m.findSessionFile(normalizedDir, "feather-ffff0000"))
	})

	t.Run("PiResolvedThroughUUID", func(t *testing.T) {
		piFile := filepath.Join(normalizedDir, "uuid-pi-1.jsonl")
		require.NoError(t, os.WriteFile(piFile, []byte("{}\n"), 0644))

		u := "uuid-pi-1"
		m.Track(&TrackedSession{SessionID: "feather-pi-1", TmuxName: "feather-pi-1", PiUUID: &u})
		assert.Equal(t, piFile, m.findSessionFile(normalizedDir, "feather-pi-1"))
	})

	t.Run("TimestampNamedHaveNoFile", func(t *testing.T) {
		assert.Equal(t, "", m.findSessionFile(normalizedDir, "feather-new-1700000000"))
		assert.Equal(t, "", m.findSessionFile(normalizedDir, "feather-codex-1700000000"))
	})

	t.Run("UnmanagedName", func(t *testing.T) {
		assert.Equal(t, "", m.findSessionFile(normalizedDir, "random-session"))
	})
}
