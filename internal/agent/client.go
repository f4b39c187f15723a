// Package agent invokes the external conversational-agent CLI as a
// bounded-time subprocess and parses its newline-delimited JSON event stream.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrBinaryNotFound reports that the agent executable could not be launched
// at all. No session id is carried in that case.
var ErrBinaryNotFound = errors.New("agent binary not found")

const (
	noAnswerFallback = "The agent returned no textual answer."
	failureFallback  = "Agent invocation failed without diagnostic output."
)

// RunResult is the transient outcome of one agent invocation. Only its
// derived result/error text is persisted, on the task row.
type RunResult struct {
	Success   bool
	Message   string
	SessionID string
}

// Config holds the invocation shape shared by every run.
type Config struct {
	Bin        string
	WorkingDir string
	Model      string
	ExtraArgs  []string
	Timeout    time.Duration
}

type Client struct {
	cfg    Config
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}
}

// Run executes one agent invocation: a fresh-session call when sessionID is
// empty, a resume call otherwise. Exactly one invocation, no retry.
//
// An invocation in flight is not preemptible: it ends only through its own
// timeout or natural completion, so the subprocess context is detached from
// the caller's cancellation. ctx still carries values for logging.
//
// A timeout is a failed run but keeps the passed-in session id so a later
// resume continues the same context. A missing binary returns
// ErrBinaryNotFound with no session id.
func (c *Client) Run(ctx context.Context, prompt, sessionID string) (RunResult, error) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()

	args := c.buildArgs(prompt, sessionID)
	cmd := exec.CommandContext(runCtx, c.cfg.Bin, args...)
	cmd.Dir = c.cfg.WorkingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr != nil && (errors.Is(runErr, exec.ErrNotFound) || errors.Is(runErr, os.ErrNotExist)) {
		return RunResult{}, fmt.Errorf("launch %s: %w", c.cfg.Bin, ErrBinaryNotFound)
	}
	if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		c.logger.Warn("agent run timed out", "timeout", c.cfg.Timeout, "session_id", sessionID)
		return RunResult{
			Success:   false,
			Message:   fmt.Sprintf("Agent execution timed out after %s.", c.cfg.Timeout),
			SessionID: sessionID,
		}, nil
	}

	stream := parseEventStream(stdout.String())
	resultSession := stream.sessionID
	if resultSession == "" {
		// The agent did not reannounce the session; continuity survives on
		// whatever we were given.
		resultSession = sessionID
	}

	if runErr != nil {
		c.logger.Warn("agent run failed",
			"elapsed", elapsed.Round(time.Millisecond),
			"session_id", resultSession,
			"error", runErr,
		)
		return RunResult{
			Success:   false,
			Message:   failureText(stdout.String(), stderr.String()),
			SessionID: resultSession,
		}, nil
	}

	c.logger.Info("agent run completed",
		"elapsed", elapsed.Round(time.Millisecond),
		"session_id", resultSession,
	)
	return RunResult{
		Success:   true,
		Message:   successText(stream),
		SessionID: resultSession,
	}, nil
}

func (c *Client) buildArgs(prompt, sessionID string) []string {
	args := []string{"exec"}
	if sessionID != "" {
		args = append(args, "resume", sessionID)
	}
	args = append(args,
		"--json",
		"--skip-git-repo-check",
		"--cd", c.cfg.WorkingDir,
	)
	if c.cfg.Model != "" {
		args = append(args, "-m", c.cfg.Model)
	}
	args = append(args, c.cfg.ExtraArgs...)
	args = append(args, prompt)
	return args
}

func successText(stream parsedStream) string {
	if stream.message != "" {
		return stream.message
	}
	if len(stream.diagnostics) > 0 {
		return strings.Join(stream.diagnostics, "\n")
	}
	return noAnswerFallback
}

func failureText(stdout, stderr string) string {
	var parts []string
	if lines := diagnosticLines(stderr); len(lines) > 0 {
		parts = append(parts, strings.Join(lines, "\n"))
	}
	if lines := diagnosticLines(stdout); len(lines) > 0 {
		parts = append(parts, strings.Join(lines, "\n"))
	}
	if len(parts) == 0 {
		return failureFallback
	}
	return "Agent invocation failed.\n\n" + strings.Join(parts, "\n")
}
