package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// sendFileDirective matches a full line of the shape [[send-file:<path>]].
var sendFileDirective = regexp.MustCompile(`^\[\[send-file:(.+)\]\]$`)

type parsedResponse struct {
	// Text is the human-visible message with directive lines removed.
	Text string
	// FilePaths are the requested paths, deduplicated, first occurrence
	// wins, order preserved.
	FilePaths []string
}

// parseAgentResponse splits the agent's message into visible text and
// file-transfer directives.
func parseAgentResponse(message string) parsedResponse {
	var (
		kept  []string
		paths []string
		seen  = map[string]struct{}{}
	)
	for _, line := range strings.Split(message, "\n") {
		m := sendFileDirective.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			kept = append(kept, line)
			continue
		}
		path := cleanDirectivePath(m[1])
		if path == "" {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		paths = append(paths, path)
	}
	return parsedResponse{
		Text:      strings.TrimSpace(strings.Join(kept, "\n")),
		FilePaths: paths,
	}
}

// cleanDirectivePath trims whitespace and strips one layer of quoting or
// backquoting around the path.
func cleanDirectivePath(raw string) string {
	path := strings.TrimSpace(raw)
	for _, quote := range []string{`"`, "'", "`"} {
		if len(path) >= 2 && strings.HasPrefix(path, quote) && strings.HasSuffix(path, quote) {
			path = strings.TrimSpace(path[1 : len(path)-1])
			break
		}
	}
	return path
}

// resolveFileForSend resolves a directive path against the working root and
// validates it. Each rejection is a descriptive error; none aborts the batch.
func resolveFileForSend(root, raw string, maxSizeBytes int64) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve working root: %w", err)
	}

	path := raw
	if !filepath.IsAbs(path) {
		path = filepath.Join(rootAbs, path)
	}
	path = filepath.Clean(path)

	if path != rootAbs && !strings.HasPrefix(path, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the working root")
	}

	// The lexical check above does not see through symlinks: a link inside
	// the root may still point outside it. Check again on the resolved path.
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file does not exist")
		}
		return "", fmt.Errorf("resolve file: %w", err)
	}
	rootResolved, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("resolve working root: %w", err)
	}
	if resolved != rootResolved && !strings.HasPrefix(resolved, rootResolved+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the working root")
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file does not exist")
		}
		return "", fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("not a regular file")
	}
	if info.Size() > maxSizeBytes {
		return "", fmt.Errorf("file too large: %d bytes (limit %d)", info.Size(), maxSizeBytes)
	}
	return resolved, nil
}
