package gitops

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/majordomo/internal/persistence"
)

// fakeGit scripts responses per subcommand and records calls.
type fakeGit struct {
	calls     [][]string
	responses map[string]fakeGitResponse
}

type fakeGitResponse struct {
	stdout string
	stderr string
	err    error
}

func (f *fakeGit) run(_ context.Context, _ string, args ...string) (string, string, error) {
	f.calls = append(f.calls, args)
	if resp, ok := f.responses[args[0]]; ok {
		return resp.stdout, resp.stderr, resp.err
	}
	return "", "", nil
}

func (f *fakeGit) count(subcommand string) int {
	n := 0
	for _, call := range f.calls {
		if call[0] == subcommand {
			n++
		}
	}
	return n
}

func newTestRepo(t *testing.T, cfg Config, git *fakeGit, at time.Time) (*Repo, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	repo := New(cfg, store, nil)
	repo.run = git.run
	repo.now = func() time.Time { return at }
	return repo, store
}

func TestCommitIfNeeded_Decisions(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		git := &fakeGit{}
		repo, _ := newTestRepo(t, Config{AutoCommit: false}, git, time.Now())
		if note := repo.CommitIfNeeded(ctx, 1); note != "Auto-commit disabled." {
			t.Fatalf("unexpected note %q", note)
		}
		if len(git.calls) != 0 {
			t.Fatalf("disabled commit must not touch git: %v", git.calls)
		}
	})

	t.Run("clean tree", func(t *testing.T) {
		git := &fakeGit{responses: map[string]fakeGitResponse{
			"status": {stdout: "\n"},
		}}
		repo, _ := newTestRepo(t, Config{AutoCommit: true}, git, time.Now())
		if note := repo.CommitIfNeeded(ctx, 1); note != "No file changes." {
			t.Fatalf("unexpected note %q", note)
		}
		if git.count("commit") != 0 {
			t.Fatal("clean tree must not be committed")
		}
	})

	t.Run("dirty tree commits with task id", func(t *testing.T) {
		git := &fakeGit{responses: map[string]fakeGitResponse{
			"status":    {stdout: " M notes.md\n"},
			"rev-parse": {stdout: "abc1234\n"},
		}}
		repo, _ := newTestRepo(t, Config{AutoCommit: true, UserName: "Bot", UserEmail: "bot@local"}, git, time.Now())
		note := repo.CommitIfNeeded(ctx, 17)
		if note != "Committed: abc1234" {
			t.Fatalf("unexpected note %q", note)
		}
		var commitMsg string
		for _, call := range git.calls {
			if call[0] == "commit" {
				commitMsg = call[2]
			}
		}
		if !strings.Contains(commitMsg, "#17") {
			t.Fatalf("commit message must reference the task id, got %q", commitMsg)
		}
		// Identity was absent, so it gets configured.
		if git.count("config") != 4 {
			t.Fatalf("expected 2 reads + 2 writes of identity, got %d config calls", git.count("config"))
		}
	})

	t.Run("commit failure reported", func(t *testing.T) {
		git := &fakeGit{responses: map[string]fakeGitResponse{
			"status": {stdout: " M notes.md\n"},
			"commit": {stderr: "hook rejected", err: errors.New("exit status 1")},
		}}
		repo, _ := newTestRepo(t, Config{AutoCommit: true}, git, time.Now())
		note := repo.CommitIfNeeded(ctx, 1)
		if !strings.Contains(note, "hook rejected") {
			t.Fatalf("failure reason missing: %q", note)
		}
	})
}

func TestPushIfDue_OncePerDay(t *testing.T) {
	ctx := context.Background()
	afterThreshold := time.Date(2026, 2, 22, 5, 0, 0, 0, time.UTC)

	git := &fakeGit{responses: map[string]fakeGitResponse{
		"remote": {stdout: "origin\n"},
	}}
	repo, store := newTestRepo(t, Config{AutoPush: true, PushHourUTC: 3}, git, afterThreshold)

	if note := repo.PushIfDue(ctx); note != "Push completed." {
		t.Fatalf("first attempt: %q", note)
	}
	if note := repo.PushIfDue(ctx); note != "Push already attempted today." {
		t.Fatalf("second attempt same day: %q", note)
	}
	if git.count("push") != 1 {
		t.Fatalf("push must run at most once per day, ran %d times", git.count("push"))
	}

	recorded, err := store.GetMeta(ctx, persistence.MetaKeyLastPushAttempt, "")
	if err != nil || recorded != "2026-02-22" {
		t.Fatalf("attempt date not recorded: %q %v", recorded, err)
	}
}

func TestPushIfDue_BeforeThreshold(t *testing.T) {
	git := &fakeGit{}
	repo, _ := newTestRepo(t, Config{AutoPush: true, PushHourUTC: 3},
		git, time.Date(2026, 2, 22, 2, 59, 0, 0, time.UTC))
	if note := repo.PushIfDue(context.Background()); note != "Push not due yet." {
		t.Fatalf("unexpected note %q", note)
	}
	if len(git.calls) != 0 {
		t.Fatalf("early push must not touch git: %v", git.calls)
	}
}

func TestPushIfDue_FailedAttemptStillCounts(t *testing.T) {
	ctx := context.Background()
	git := &fakeGit{responses: map[string]fakeGitResponse{
		"remote": {stdout: "origin\n"},
		"push":   {stderr: "auth failed", err: errors.New("exit status 128")},
	}}
	repo, _ := newTestRepo(t, Config{AutoPush: true, PushHourUTC: 0},
		git, time.Date(2026, 2, 22, 12, 0, 0, 0, time.UTC))

	note := repo.PushIfDue(ctx)
	if !strings.Contains(note, "auth failed") {
		t.Fatalf("failure reason missing: %q", note)
	}
	if note := repo.PushIfDue(ctx); note != "Push already attempted today." {
		t.Fatalf("a failed attempt must not be retried the same day: %q", note)
	}
}

func TestPushIfDue_NoRemoteRecordsAttempt(t *testing.T) {
	ctx := context.Background()
	git := &fakeGit{responses: map[string]fakeGitResponse{
		"remote": {stdout: ""},
	}}
	repo, store := newTestRepo(t, Config{AutoPush: true, PushHourUTC: 0},
		git, time.Date(2026, 2, 22, 12, 0, 0, 0, time.UTC))

	note := repo.PushIfDue(ctx)
	if !strings.Contains(note, "no git remote") {
		t.Fatalf("unexpected note %q", note)
	}
	recorded, _ := store.GetMeta(ctx, persistence.MetaKeyLastPushAttempt, "")
	if recorded != "2026-02-22" {
		t.Fatalf("no-remote must still record the attempt, got %q", recorded)
	}
	if note := repo.PushIfDue(ctx); note != "Push already attempted today." {
		t.Fatalf("remote check must not repeat all day: %q", note)
	}
}
