package handlers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSafeSessionID(t *testing.T) {
	assert.True(t, isSafeSessionID("abcd1234-5678"))
	assert.True(t, isSafeSessionID("feather_codex_1"))
	assert.False(t, isSafeSessionID(""))
	assert.False(t, isSafeSessionID("bad;rm -rf"))
	assert.False(t, isSafeSessionID("has space"))
	assert.False(t, isSafeSessionID("dotted.name"))
}

func TestShortSessionID(t *testing.T) {
	assert.Equal(t, "abcd1234", shortSessionID("abcd1234-5678-0000-0000-000000000000"))
	assert.Equal(t, "short", shortSessionID("short"))
}

func TestPiHeaderUUID(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.jsonl")
	require.NoError(t, os.WriteFile(good,
		[]byte(`{"type":"session","id":"uuid-abc","cwd":"/home/user/app"}`+"\n"+`{"type":"message"}`+"\n"), 0644))
	uuid, ok := piHeaderUUID(good)
	require.True(t, ok)
	assert.Equal(t, "uuid-abc", uuid)

	wrongType := filepath.Join(dir, "wrong.jsonl")
	require.NoError(t, os.WriteFile(wrongType, []byte(`{"type":"message","id":"x"}`+"\n"), 0644))
	_, ok = piHeaderUUID(wrongType)
	assert.False(t, ok)

	_, ok = piHeaderUUID(filepath.Join(dir, "missing.jsonl"))
	assert.False(t, ok)
}

func TestFindPiSessionFile(t *testing.T) {
	piDir := t.TempDir()
	cwdDir := filepath.Join(piDir, "--home--user--app")
	require.NoError(t, os.MkdirAll(cwdDir, 0755))

	wanted := filepath.Join(cwdDir, "feather-pi-1700000000.jsonl")
	require.NoError(t, os.WriteFile(wanted,
		[]byte(`{"type":"session","id":"uuid-abc","cwd":"/home/user/app"}`+"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(cwdDir, "other.jsonl"),
		[]byte(`{"type":"session","id":"uuid-def","cwd":"/home/user/app"}`+"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(cwdDir, "not-a-session.txt"), []byte("x"), 0644))

	assert.Equal(t, wanted, findPiSessionFile(piDir, "uuid-abc"))
	assert.Equal(t, "", findPiSessionFile(piDir, "uuid-missing"))
	assert.Equal(t, "", findPiSessionFile(filepath.Join(piDir, "nope"), "uuid-abc"))
}
