package config

import (
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// RuntimeConfig holds the resolved directory layout and server settings.
// Everything is derived from the home directory, then overridden by the
// optional config file and FEATHER_* environment variables, in that order.
type RuntimeConfig struct {
	// HomeDir is the user's home directory.
	HomeDir string
	// ClaudeProjectsDir is the Claude Code transcript tree (~/.claude/projects).
	ClaudeProjectsDir string
	// CodexSessionsDir is the Codex CLI rollout tree (~/.codex/sessions).
	CodexSessionsDir string
	// PiSessionsDir is the Pi agent session tree (~/.pi/agent/sessions).
	PiSessionsDir string
	// NormalizedDir holds the normalized session files (~/sessions).
	NormalizedDir string
	// MemoryFile is the extracted facts file (~/memory.jsonl).
	MemoryFile string
	// TitleCacheFile persists generated titles across restarts.
	TitleCacheFile string
	// UploadsDir receives files posted through the upload endpoints.
	UploadsDir string
	// DefaultCwd is where new agent sessions start when no path is given.
	DefaultCwd string
	// Port is the HTTP listen port.
	Port string
}

// fileConfig is the optional ~/.feather/config.yaml shape.
type fileConfig struct {
	NormalizedDir string `yaml:"normalized_dir"`
	MemoryFile    string `yaml:"memory_file"`
	UploadsDir    string `yaml:"uploads_dir"`
	DefaultCwd    string `yaml:"default_cwd"`
	Port          string `yaml:"port"`
}

// Runtime is the global runtime configuration instance
var Runtime *RuntimeConfig

func init() {
	Runtime = DetectRuntime()
}

// DetectRuntime builds the runtime configuration for the current host.
func DetectRuntime() *RuntimeConfig {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.Getenv("HOME")
		if homeDir == "" {
			homeDir = "."
		}
	}

	config := &RuntimeConfig{
		HomeDir:           homeDir,
		ClaudeProjectsDir: filepath.Join(homeDir, ".claude", "projects"),
		CodexSessionsDir:  filepath.Join(homeDir, ".codex", "sessions"),
		PiSessionsDir:     filepath.Join(homeDir, ".pi", "agent", "sessions"),
		NormalizedDir:     filepath.Join(homeDir, "sessions"),
		MemoryFile:        filepath.Join(homeDir, "memory.jsonl"),
		TitleCacheFile:    filepath.Join(homeDir, ".feather", "title-cache.json"),
		UploadsDir:        filepath.Join(homeDir, "uploads"),
		DefaultCwd:        homeDir,
		Port:              "3000",
	}

	config.applyFile(filepath.Join(homeDir, ".feather", "config.yaml"))
	config.applyEnv()

	for _, dir := range []string{config.NormalizedDir, config.UploadsDir, filepath.Dir(config.TitleCacheFile)} {
		if err := ensureDir(dir); err != nil {
			log.Printf("Warning: failed to create directory %s: %v", dir, err)
		}
	}

	return config
}

// applyFile overlays settings from the yaml config file, if present.
func (rc *RuntimeConfig) applyFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		log.Printf("Warning: invalid config file %s: %v", path, err)
		return
	}
	if fc.NormalizedDir != "" {
		rc.NormalizedDir = fc.NormalizedDir
	}
	if fc.MemoryFile != "" {
		rc.MemoryFile = fc.MemoryFile
	}
	if fc.UploadsDir != "" {
		rc.UploadsDir = fc.UploadsDir
	}
	if fc.DefaultCwd != "" {
		rc.DefaultCwd = fc.DefaultCwd
	}
	if fc.Port != "" {
		rc.Port = fc.Port
	}
}

// applyEnv overlays FEATHER_* environment variables.
func (rc *RuntimeConfig) applyEnv() {
	overrides := map[string]*string{
		"FEATHER_CLAUDE_PROJECTS_DIR": &rc.ClaudeProjectsDir,
		"FEATHER_CODEX_SESSIONS_DIR":  &rc.CodexSessionsDir,
		"FEATHER_PI_SESSIONS_DIR":     &rc.PiSessionsDir,
		"FEATHER_NORMALIZED_DIR":      &rc.NormalizedDir,
		"FEATHER_MEMORY_FILE":         &rc.MemoryFile,
		"FEATHER_TITLE_CACHE_FILE":    &rc.TitleCacheFile,
		"FEATHER_UPLOADS_DIR":         &rc.UploadsDir,
		"FEATHER_DEFAULT_CWD":         &rc.DefaultCwd,
		"FEATHER_PORT":                &rc.Port,
	}
	for key, target := range overrides {
		if value := os.Getenv(key); value != "" {
			*target = value
		}
	}
}

// ensureDir creates a directory if it doesn't exist
func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
