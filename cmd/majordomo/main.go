// Command majordomo is the personal-assistant gateway daemon: Telegram
// messages in, durable tasks through a single serialized worker driving the
// external agent CLI, results back out.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/majordomo/internal/agent"
	"github.com/basket/majordomo/internal/channels"
	"github.com/basket/majordomo/internal/config"
	"github.com/basket/majordomo/internal/cron"
	"github.com/basket/majordomo/internal/gitops"
	"github.com/basket/majordomo/internal/persistence"
	"github.com/basket/majordomo/internal/sessiongc"
	"github.com/basket/majordomo/internal/telemetry"
	"github.com/basket/majordomo/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "majordomo:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	logger.Info("state store opened", "path", cfg.DBPath)

	// Tasks left running by a previous crash are not reclaimed; surface the
	// gap instead of hiding it.
	if counts, err := store.Counts(ctx); err == nil && counts.Running > 0 {
		logger.Warn("tasks stuck in running from a previous run; manual intervention required", "count", counts.Running)
	}

	channel := channels.NewTelegramChannel(
		cfg.Telegram.Token,
		cfg.Telegram.AllowedUserIDs,
		cfg.Telegram.AllowedChatIDs,
		store,
		logger.With("component", "telegram"),
	)

	runner := agent.NewClient(agent.Config{
		Bin:        cfg.Agent.Bin,
		WorkingDir: cfg.WorkingRoot,
		Model:      cfg.Agent.Model,
		ExtraArgs:  cfg.Agent.ExtraArgs,
		Timeout:    time.Duration(cfg.Agent.TimeoutSeconds) * time.Second,
	}, logger.With("component", "agent"))

	repo := gitops.New(gitops.Config{
		RepoDir:     cfg.WorkingRoot,
		AutoCommit:  cfg.Git.AutoCommit,
		AutoPush:    cfg.Git.AutoPush,
		PushHourUTC: cfg.Git.PushHourUTC,
		UserName:    cfg.Git.UserName,
		UserEmail:   cfg.Git.UserEmail,
	}, store, logger.With("component", "gitops"))

	w := worker.New(store, channel, runner, repo, worker.Config{
		WorkingRoot:      cfg.WorkingRoot,
		IdleSleep:        time.Duration(cfg.IdleSleepSeconds) * time.Second,
		MaxResultChars:   cfg.MaxResultChars,
		MaxSendFileBytes: cfg.MaxSendFileBytes,
	}, logger.With("component", "worker"))

	sweeper := sessiongc.New(cfg.Sessions.Dir, logger.With("component", "sessiongc"))
	scheduler := cron.NewScheduler(logger.With("component", "cron"))
	if err := scheduler.Add(cron.Job{
		Name:     "session-sweep",
		Schedule: cfg.Sessions.SweepSchedule,
		Run: func(jobCtx context.Context) {
			retain, err := store.ListChatSessionIDs(jobCtx)
			if err != nil {
				logger.Error("session sweep: retain set unavailable", "error", err)
				return
			}
			sweeper.Sweep(retain, cfg.Sessions.RetainDays)
		},
	}); err != nil {
		return fmt.Errorf("register session sweep: %w", err)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger.With("component", "config"))
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				channel.UpdateAllowlists(reloaded.Telegram.AllowedUserIDs, reloaded.Telegram.AllowedChatIDs)
				logger.Info("telegram allowlists reloaded")
			}
		}()
	}

	w.Start(ctx)
	scheduler.Start(ctx)

	channelErr := make(chan error, 1)
	go func() {
		channelErr <- channel.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-channelErr:
		if err != nil {
			logger.Error("telegram channel failed", "error", err)
		}
		stop()
	}

	// The in-flight agent run is not preemptible: wait for the worker loop,
	// which ends after the current task finishes or its timeout fires.
	logger.Info("waiting for worker to drain")
	w.Wait()
	logger.Info("shutdown complete")
	return nil
}
