// Package worker drives the serialized task loop: claim a task, run the
// agent, relay the outcome, persist the result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/majordomo/internal/agent"
	"github.com/basket/majordomo/internal/persistence"
	"github.com/basket/majordomo/internal/prompt"
)

// Outbound is the chat-side delivery port. Implemented by the Telegram
// channel; all three calls are best-effort from the worker's point of view.
type Outbound interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendFile(ctx context.Context, chatID int64, path string) error
	SendTyping(ctx context.Context, chatID int64) error
}

// AgentRunner is implemented by *agent.Client.
type AgentRunner interface {
	Run(ctx context.Context, prompt, sessionID string) (agent.RunResult, error)
}

// SyncPolicy is implemented by *gitops.Repo.
type SyncPolicy interface {
	CommitIfNeeded(ctx context.Context, taskID int64) string
	PushIfDue(ctx context.Context) string
}

type Config struct {
	WorkingRoot      string
	IdleSleep        time.Duration
	MaxResultChars   int
	MaxSendFileBytes int64
}

type Worker struct {
	store    *persistence.Store
	outbound Outbound
	runner   AgentRunner
	sync     SyncPolicy
	config   Config
	logger   *slog.Logger

	once sync.Once
	wg   sync.WaitGroup
}

func New(store *persistence.Store, outbound Outbound, runner AgentRunner, syncPolicy SyncPolicy, cfg Config, logger *slog.Logger) *Worker {
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = time.Second
	}
	if cfg.MaxResultChars <= 0 {
		cfg.MaxResultChars = 3500
	}
	if cfg.MaxSendFileBytes <= 0 {
		cfg.MaxSendFileBytes = 50 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    store,
		outbound: outbound,
		runner:   runner,
		sync:     syncPolicy,
		config:   cfg,
		logger:   logger,
	}
}

// Start launches the single worker goroutine. Exactly one task is in flight
// at any time: the shared working tree and per-chat session mapping must not
// be touched by overlapping runs.
func (w *Worker) Start(ctx context.Context) {
	w.once.Do(func() {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(ctx)
		}()
	})
}

// Wait blocks until the loop has exited. An in-flight agent run is not
// preemptible; shutdown waits for it to finish or hit its own timeout.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := w.store.ClaimNext(ctx)
		if err != nil {
			w.logger.Error("claim failed", "error", err)
			if !w.idleWait(ctx) {
				return
			}
			continue
		}
		if task == nil {
			if !w.idleWait(ctx) {
				return
			}
			continue
		}
		w.processTask(ctx, task)
	}
}

// idleWait sleeps the idle interval, returning false when the stop signal
// fired during the wait.
func (w *Worker) idleWait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.config.IdleSleep):
		return true
	}
}

func (w *Worker) processTask(ctx context.Context, task *persistence.Task) {
	// A claimed task runs to completion: the stop signal is honored between
	// tasks only. Detaching here keeps the agent run alive through shutdown
	// and lets the session id and result land in the store afterwards.
	ctx = context.WithoutCancel(ctx)

	runID := uuid.NewString()
	logger := w.logger.With("task_id", task.ID, "chat_id", task.ChatID, "run_id", runID)

	// One malformed task must not kill the loop. The task stays running in
	// the store; there is deliberately no automatic reclaim.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task processing panicked", "panic", r)
			msg := w.trim(fmt.Sprintf("Task #%d failed.\n\nInternal error while processing.", task.ID))
			if err := w.store.Fail(ctx, task.ID, msg); err != nil {
				logger.Error("persist panic failure", "error", err)
			}
			w.safeSendText(ctx, task.ChatID, msg)
		}
	}()

	logger.Info("task processing")

	sessionID, err := w.store.ChatSessionID(ctx, task.ChatID)
	if err != nil {
		logger.Error("read chat session", "error", err)
		w.failTask(ctx, logger, task, fmt.Sprintf("Task #%d failed.\n\nState storage error.", task.ID))
		return
	}
	bootstrap := sessionID == ""

	p := prompt.Build(task.Text, task.Attachments, bootstrap)

	if err := w.outbound.SendTyping(ctx, task.ChatID); err != nil {
		logger.Warn("typing indicator failed", "error", err)
	}

	result, runErr := w.runner.Run(ctx, p, sessionID)
	if runErr != nil {
		if errors.Is(runErr, agent.ErrBinaryNotFound) {
			logger.Error("agent binary missing", "error", runErr)
		} else {
			logger.Error("agent launch failed", "error", runErr)
		}
		w.failTask(ctx, logger, task, w.trim(fmt.Sprintf("Task #%d failed.\n\n%v", task.ID, runErr)))
		return
	}

	// Persist a new session id even when the run failed downstream: a later
	// resume should build on whatever session the agent created.
	if result.SessionID != "" && result.SessionID != sessionID {
		if err := w.store.SetChatSessionID(ctx, task.ChatID, result.SessionID); err != nil {
			logger.Error("persist session id", "error", err)
		} else {
			logger.Info("chat session updated", "session_id", result.SessionID)
		}
	}

	if !result.Success {
		w.failTask(ctx, logger, task, w.trim(fmt.Sprintf("Task #%d failed.\n\n%s", task.ID, result.Message)))
		return
	}

	parsed := parseAgentResponse(result.Message)
	finalText := w.trim(parsed.Text)

	if finalText != "" {
		w.safeSendText(ctx, task.ChatID, finalText)
	}

	sent, fileErrors := w.sendFiles(ctx, logger, task.ChatID, parsed.FilePaths)

	if w.sync != nil {
		commitNote := w.sync.CommitIfNeeded(ctx, task.ID)
		pushNote := w.sync.PushIfDue(ctx)
		logger.Info("repository sync", "commit", commitNote, "push", pushNote)
	}

	resultText := composeResult(finalText, sent, fileErrors)
	if err := w.store.Complete(ctx, task.ID, resultText); err != nil {
		logger.Error("persist completion", "error", err)
		return
	}
	logger.Info("task done", "files_sent", len(sent), "file_errors", len(fileErrors))
}

// sendFiles delivers each requested file independently: one failure never
// blocks the rest or fails the task.
func (w *Worker) sendFiles(ctx context.Context, logger *slog.Logger, chatID int64, paths []string) (sent []string, fileErrors []string) {
	for _, raw := range paths {
		resolved, err := resolveFileForSend(w.config.WorkingRoot, raw, w.config.MaxSendFileBytes)
		if err != nil {
			logger.Warn("file rejected", "path", raw, "error", err)
			fileErrors = append(fileErrors, fmt.Sprintf("%s: %v", raw, err))
			continue
		}
		if err := w.outbound.SendFile(ctx, chatID, resolved); err != nil {
			logger.Warn("file send failed", "path", raw, "error", err)
			fileErrors = append(fileErrors, fmt.Sprintf("%s: %v", raw, err))
			continue
		}
		sent = append(sent, raw)
	}
	return sent, fileErrors
}

func (w *Worker) failTask(ctx context.Context, logger *slog.Logger, task *persistence.Task, message string) {
	if err := w.store.Fail(ctx, task.ID, message); err != nil {
		logger.Error("persist failure", "error", err)
	}
	w.safeSendText(ctx, task.ChatID, message)
}

func (w *Worker) safeSendText(ctx context.Context, chatID int64, text string) {
	if err := w.outbound.SendText(ctx, chatID, text); err != nil {
		w.logger.Error("send message failed", "chat_id", chatID, "error", err)
	}
}

// trim caps text at the configured character budget, marking the cut.
func (w *Worker) trim(text string) string {
	clean := strings.TrimSpace(text)
	runes := []rune(clean)
	if len(runes) <= w.config.MaxResultChars {
		return clean
	}
	cut := w.config.MaxResultChars - 120
	if cut < 0 {
		cut = 0
	}
	return string(runes[:cut]) + "\n\n[truncated]"
}

// composeResult is the persisted task outcome: visible text plus the file
// delivery ledger.
func composeResult(text string, sent, fileErrors []string) string {
	var b strings.Builder
	b.WriteString(text)
	if len(sent) > 0 {
		b.WriteString("\n\nSent files:\n")
		for _, p := range sent {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	if len(fileErrors) > 0 {
		b.WriteString("\n\nFile delivery errors:\n")
		for _, e := range fileErrors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	return strings.TrimSpace(b.String())
}
