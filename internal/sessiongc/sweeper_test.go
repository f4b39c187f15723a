package sessiongc

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const (
	retainedID   = "11111111-2222-3333-4444-555555555555"
	unreferenced = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
)

func writeTranscript(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
	return path
}

func TestSweep_RetainSetAndCutoff(t *testing.T) {
	dir := t.TempDir()
	tenDays := 10 * 24 * time.Hour

	kept := writeTranscript(t, dir, transcriptName(retainedID), tenDays)
	deleted := writeTranscript(t, dir, transcriptName(unreferenced), tenDays)
	fresh := writeTranscript(t, dir, transcriptName(unreferenced[:8]+"-ffff-ffff-ffff-ffffffffffff"), time.Hour)

	sweeper := New(dir, nil)
	result := sweeper.Sweep([]string{retainedID}, 7)

	if result.Deleted != 1 || result.Kept != 1 || result.Skipped != 1 || result.Errors != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, err := os.Stat(kept); err != nil {
		t.Fatalf("retained transcript was deleted: %v", err)
	}
	if _, err := os.Stat(deleted); !os.IsNotExist(err) {
		t.Fatalf("unreferenced old transcript survived: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh transcript must be kept regardless of id: %v", err)
	}
}

func TestSweep_RetainMatchIsCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	upper := "AAAAAAAA-BBBB-CCCC-DDDD-EEEEEEEEEEEE"
	path := writeTranscript(t, dir, transcriptName(upper), 10*24*time.Hour)

	sweeper := New(dir, nil)
	result := sweeper.Sweep([]string{"aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"}, 7)

	if result.Kept != 1 {
		t.Fatalf("case-insensitive retain failed: %+v", result)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("retained transcript was deleted: %v", err)
	}
}

func TestSweep_NonTranscriptFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	other := writeTranscript(t, dir, "notes-"+unreferenced+".jsonl", 10*24*time.Hour)

	sweeper := New(dir, nil)
	result := sweeper.Sweep(nil, 7)

	if result.Deleted != 0 {
		t.Fatalf("non-transcript file was swept: %+v", result)
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatalf("non-transcript file deleted: %v", err)
	}
}

func TestSweep_RemovesEmptySubdirectories(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "2026", "02")
	writeTranscript(t, sub, transcriptName(unreferenced), 10*24*time.Hour)

	sweeper := New(dir, nil)
	result := sweeper.Sweep(nil, 7)

	if result.Deleted != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, err := os.Stat(sub); !os.IsNotExist(err) {
		t.Fatalf("empty subdirectory survived: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("the sessions root itself must survive: %v", err)
	}
}

func TestSweep_MissingDirectoryIsZeroResult(t *testing.T) {
	sweeper := New(filepath.Join(t.TempDir(), "nope"), nil)
	result := sweeper.Sweep([]string{retainedID}, 7)
	if result != (Result{}) {
		t.Fatalf("expected zero result, got %+v", result)
	}
}

func TestExtractSessionID_LastTokenWins(t *testing.T) {
	name := "rollout-" + retainedID + "-" + unreferenced + ".jsonl"
	if got := extractSessionID(name); got != unreferenced {
		t.Fatalf("expected last token %s, got %s", unreferenced, got)
	}
	if got := extractSessionID("rollout-no-id.jsonl"); got != "" {
		t.Fatalf("expected empty for missing token, got %s", got)
	}
}

func transcriptName(id string) string {
	return "rollout-2026-02-10T08-00-00-" + id + ".jsonl"
}
