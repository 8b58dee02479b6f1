package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyFile(t *testing.T) {
	dir := t.TempDir()

	rc := &RuntimeConfig{NormalizedDir: "/default/sessions", Port: "3000"}

	t.Run("missing file is a no-op", func(t *testing.T) {
		rc.applyFile(filepath.Join(dir, "nope.yaml"))
		assert.Equal(t, "/default/sessions", rc.NormalizedDir)
	})

	t.Run("invalid yaml is a no-op", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("port: [\n"), 0644))
		rc.applyFile(path)
		assert.Equal(t, "3000", rc.Port)
	})

	t.Run("set fields override, unset fields keep defaults", func(t *testing.T) {
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("port: \"4000\"\ndefault_cwd: /srv/projects\n"), 0644))
		rc.applyFile(path)
		assert.Equal(t, "4000", rc.Port)
		assert.Equal(t, "/srv/projects", rc.DefaultCwd)
		assert.Equal(t, "/default/sessions", rc.NormalizedDir)
	})
}

func TestApplyEnv(t *testing.T) {
	rc := &RuntimeConfig{Port: "3000", MemoryFile: "/home/user/memory.jsonl"}

	t.Setenv("FEATHER_PORT", "8080")
	t.Setenv("FEATHER_NORMALIZED_DIR", "/var/feather/sessions")
	t.Setenv("FEATHER_MEMORY_FILE", "")
	rc.applyEnv()

	assert.Equal(t, "8080", rc.Port)
	assert.Equal(t, "/var/feather/sessions", rc.NormalizedDir)
	// Empty env vars do not clear existing values.
	assert.Equal(t, "/home/user/memory.jsonl", rc.MemoryFile)
}

func TestDetectRuntimeLayout(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	rc := DetectRuntime()

	assert.Equal(t, filepath.Join(home, ".claude", "projects"), rc.ClaudeProjectsDir)
	assert.Equal(t, filepath.Join(home, ".codex", "sessions"), rc.CodexSessionsDir)
	assert.Equal(t, filepath.Join(home, ".pi", "agent", "sessions"), rc.PiSessionsDir)
	assert.Equal(t, filepath.Join(home, "sessions"), rc.NormalizedDir)
	assert.Equal(t, "3000", rc.Port)

	// The working directories are created up front.
	for _, dir := range []string{rc.NormalizedDir, rc.UploadsDir, filepath.Dir(rc.TitleCacheFile)} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
