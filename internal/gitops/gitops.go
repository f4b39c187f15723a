// Package gitops commits and pushes the assistant working tree after
// successful tasks. Both decisions are idempotent and no-ops when disabled.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/majordomo/internal/persistence"
)

// GitRunner executes one git command in the repository and returns its
// output. Injectable so the decision logic is testable without a repository.
type GitRunner func(ctx context.Context, repoDir string, args ...string) (stdout, stderr string, err error)

type Config struct {
	RepoDir     string
	AutoCommit  bool
	AutoPush    bool
	PushHourUTC int
	UserName    string
	UserEmail   string
}

type Repo struct {
	cfg    Config
	store  *persistence.Store
	logger *slog.Logger
	run    GitRunner
	now    func() time.Time
}

func New(cfg Config, store *persistence.Store, logger *slog.Logger) *Repo {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repo{
		cfg:    cfg,
		store:  store,
		logger: logger,
		run:    execGit,
		now:    time.Now,
	}
}

// CommitIfNeeded stages and commits working-tree changes, tagging the commit
// with the task id. The returned string is a human-readable note; it never
// carries an error up because sync is advisory.
func (r *Repo) CommitIfNeeded(ctx context.Context, taskID int64) string {
	if !r.cfg.AutoCommit {
		return "Auto-commit disabled."
	}

	stdout, stderr, err := r.run(ctx, r.cfg.RepoDir, "status", "--porcelain")
	if err != nil {
		return fmt.Sprintf("Commit skipped (git status failed): %s", firstNonEmpty(strings.TrimSpace(stderr), err.Error()))
	}
	if strings.TrimSpace(stdout) == "" {
		return "No file changes."
	}

	r.ensureIdentity(ctx)

	if _, stderr, err := r.run(ctx, r.cfg.RepoDir, "add", "-A"); err != nil {
		return fmt.Sprintf("Commit failed (git add): %s", firstNonEmpty(strings.TrimSpace(stderr), err.Error()))
	}
	message := fmt.Sprintf("assistant: task #%d", taskID)
	stdout, stderr, err = r.run(ctx, r.cfg.RepoDir, "commit", "-m", message)
	if err != nil {
		return fmt.Sprintf("Commit failed: %s", firstNonEmpty(strings.TrimSpace(stderr), strings.TrimSpace(stdout)))
	}
	head, _, _ := r.run(ctx, r.cfg.RepoDir, "rev-parse", "--short", "HEAD")
	return fmt.Sprintf("Committed: %s", strings.TrimSpace(head))
}

// PushIfDue pushes at most once per UTC calendar day, after the configured
// hour. The attempt itself (success or failure) is what gets recorded, so a
// failed push is not retried until the next day.
func (r *Repo) PushIfDue(ctx context.Context) string {
	if !r.cfg.AutoPush {
		return "Auto-push disabled."
	}

	now := r.now().UTC()
	if now.Hour() < r.cfg.PushHourUTC {
		return "Push not due yet."
	}

	today := now.Format("2006-01-02")
	lastAttempt, err := r.store.GetMeta(ctx, persistence.MetaKeyLastPushAttempt, "")
	if err != nil {
		return fmt.Sprintf("Push skipped (meta read failed): %v", err)
	}
	if lastAttempt == today {
		return "Push already attempted today."
	}

	remotes, _, err := r.run(ctx, r.cfg.RepoDir, "remote")
	if err != nil || strings.TrimSpace(remotes) == "" {
		// Record the attempt anyway so the remote check doesn't repeat all day.
		r.recordAttempt(ctx, today)
		return "Push skipped: no git remote configured."
	}

	stdout, stderr, pushErr := r.run(ctx, r.cfg.RepoDir, "push")
	r.recordAttempt(ctx, today)
	if pushErr != nil {
		return fmt.Sprintf("Push failed: %s", firstNonEmpty(strings.TrimSpace(stderr), strings.TrimSpace(stdout)))
	}
	return "Push completed."
}

func (r *Repo) ensureIdentity(ctx context.Context) {
	name, _, _ := r.run(ctx, r.cfg.RepoDir, "config", "--get", "user.name")
	if strings.TrimSpace(name) == "" {
		_, _, _ = r.run(ctx, r.cfg.RepoDir, "config", "user.name", r.cfg.UserName)
	}
	email, _, _ := r.run(ctx, r.cfg.RepoDir, "config", "--get", "user.email")
	if strings.TrimSpace(email) == "" {
		_, _, _ = r.run(ctx, r.cfg.RepoDir, "config", "user.email", r.cfg.UserEmail)
	}
}

func (r *Repo) recordAttempt(ctx context.Context, today string) {
	if err := r.store.SetMeta(ctx, persistence.MetaKeyLastPushAttempt, today); err != nil {
		r.logger.Error("record push attempt", "error", err)
	}
}

func execGit(ctx context.Context, repoDir string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", repoDir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
