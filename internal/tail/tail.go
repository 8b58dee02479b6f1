// Package tail implements byte-offset incremental reads over JSONL files.
// It backs the SSE tail endpoint: each poll picks up only complete new lines,
// and the returned offset never includes a partial trailing line, so a write
// that lands mid-line is picked up whole on the next poll.
package tail

import (
	"encoding/base64"
	"io"
	"os"
	"strconv"
	"strings"
)

// ReadFrom reads complete lines from path starting at offset. It returns the
// lines and the new offset, which counts only consumed bytes: a trailing
// partial line without a newline is left for the next read.
func ReadFrom(path string, offset int64) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, offset, err
	}
	if offset >= info.Size() {
		return nil, offset, nil
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, offset, err
	}

	buffer := string(data)
	lines := strings.Split(buffer, "\n")

	// Without a trailing newline the last element is an incomplete line;
	// with one it is the empty string after the final newline.
	lines = lines[:len(lines)-1]

	var consumed int64
	for _, line := range lines {
		consumed += int64(len(line)) + 1
	}

	var complete []string
	for _, line := range lines {
		if line != "" {
			complete = append(complete, line)
		}
	}

	return complete, offset + consumed, nil
}

// EncodeCursor renders a byte offset as an opaque cursor for clients.
func EncodeCursor(offset int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(offset, 10)))
}

// DecodeCursor parses a cursor back to a byte offset.
func DecodeCursor(cursor string) (int64, bool) {
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, false
	}
	offset, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil || offset < 0 {
		return 0, false
	}
	return offset, true
}
