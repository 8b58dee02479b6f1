package normalizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/featherdev/feather/internal/models"
)

// writeNormalizedFile rewrites a normalized session file from scratch, one
// JSON message per line. Callers must never write an empty message list; a
// parse hiccup would otherwise truncate a good file.
func writeNormalizedFile(path string, messages []models.NormalizedMessage) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create normalized file: %w", err)
	}
	defer file.Close()

	for _, msg := range messages {
		line, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message %s: %w", msg.UUID, err)
		}
		if _, err := fmt.Fprintf(file, "%s\n", line); err != nil {
			return fmt.Errorf("failed to write normalized file: %w", err)
		}
	}
	return nil
}

// ProjectIDFromPath converts an absolute path to the Claude-style project id:
// "/home/user/my-app" -> "-home-user-my-app".
func ProjectIDFromPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = "/"
	}
	return "-" + strings.TrimPrefix(strings.ReplaceAll(trimmed, "/", "-"), "-")
}

// ReconstructProjectPath recovers the filesystem path from a project id. The
// encoding is lossy (slashes and dashes both become dashes), so candidates
// are probed against the filesystem from the end, preferring longer directory
// names ("my-app" over "my/app"). Falls back to the naive replacement when
// nothing on disk matches.
func ReconstructProjectPath(projectID string) string {
	withoutPrefix := strings.TrimPrefix(projectID, "-")
	parts := strings.Split(withoutPrefix, "-")

	for i := len(parts) - 1; i >= 1; i-- {
		pathPart := "/" + strings.Join(parts[:i], "/")
		namePart := strings.Join(parts[i:], "-")
		candidate := pathPart + "/" + namePart
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	return "/" + strings.ReplaceAll(withoutPrefix, "-", "/")
}

// normalizedPath returns the output file for a session id.
func normalizedPath(normalizedDir, sessionID string) string {
	return filepath.Join(normalizedDir, sessionID+".jsonl")
}
