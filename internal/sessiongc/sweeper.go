// Package sessiongc deletes stale on-disk session transcripts that no
// tracked chat references anymore.
package sessiongc

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// sessionIDPattern is the canonical session token embedded in transcript
// filenames. The last match in the name wins.
var sessionIDPattern = regexp.MustCompile(`(?i)([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`)

const transcriptPrefix = "rollout-"

// Result reports what one sweep did.
type Result struct {
	Deleted int `json:"deleted"`
	Kept    int `json:"kept"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

type Sweeper struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

func New(dir string, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{dir: dir, logger: logger, now: time.Now}
}

// Sweep walks every transcript under the sessions directory. Files newer
// than the cutoff are always kept regardless of id: a session mid-use may
// not be linked to a chat yet. Older files survive only when their embedded
// session id is in the retain set.
func (s *Sweeper) Sweep(retainIDs []string, olderThanDays int) Result {
	retain := make(map[string]struct{}, len(retainIDs))
	for _, id := range retainIDs {
		if id != "" {
			retain[strings.ToLower(id)] = struct{}{}
		}
	}
	if olderThanDays < 0 {
		olderThanDays = 0
	}
	cutoff := s.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)

	var result Result
	if _, err := os.Stat(s.dir); err != nil {
		return result
	}

	walkErr := filepath.WalkDir(s.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			result.Errors++
			return nil
		}
		if entry.IsDir() || !isTranscript(entry.Name()) {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			result.Errors++
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			result.Skipped++
			return nil
		}

		sessionID := extractSessionID(entry.Name())
		if sessionID != "" {
			if _, ok := retain[sessionID]; ok {
				result.Kept++
				return nil
			}
		}

		if err := os.Remove(path); err != nil {
			result.Errors++
			return nil
		}
		result.Deleted++
		return nil
	})
	if walkErr != nil {
		result.Errors++
	}

	s.removeEmptyDirs()

	s.logger.Info("session sweep finished",
		"deleted", result.Deleted,
		"kept", result.Kept,
		"skipped", result.Skipped,
		"errors", result.Errors,
	)
	return result
}

func isTranscript(name string) bool {
	return strings.HasPrefix(name, transcriptPrefix) && strings.HasSuffix(name, ".jsonl")
}

// extractSessionID returns the last canonical token in the filename,
// lowercased, or empty when none is embedded.
func extractSessionID(name string) string {
	matches := sessionIDPattern.FindAllString(name, -1)
	if len(matches) == 0 {
		return ""
	}
	return strings.ToLower(matches[len(matches)-1])
}

// removeEmptyDirs prunes now-empty subdirectories, deepest first.
// Best-effort: errors are ignored.
func (s *Sweeper) removeEmptyDirs() {
	var dirs []string
	_ = filepath.WalkDir(s.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() && path != s.dir {
			dirs = append(dirs, path)
		}
		return nil
	})
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		_ = os.Remove(dir)
	}
}
