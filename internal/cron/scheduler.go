// Package cron runs the periodic maintenance jobs: the session-transcript
// sweep and anything else on a daily cadence.
package cron

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one named maintenance task.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context)
}

type Scheduler struct {
	logger *slog.Logger
	runner *cronlib.Cron
	jobs   []Job
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		runner: cronlib.New(cronlib.WithParser(cronParser), cronlib.WithLocation(time.UTC)),
	}
}

// Add registers a job. Returns an error for a malformed schedule expression.
func (s *Scheduler) Add(job Job) error {
	s.jobs = append(s.jobs, job)
	_, err := s.runner.AddFunc(job.Schedule, func() {
		s.logger.Info("maintenance job firing", "job", job.Name)
		job.Run(context.Background())
	})
	return err
}

// Start begins firing jobs on their schedules and stops them when ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.runner.Start()
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs))
	go func() {
		<-ctx.Done()
		stopCtx := s.runner.Stop()
		<-stopCtx.Done()
		s.logger.Info("maintenance scheduler stopped")
	}()
}

// ValidateSchedule checks a cron expression without registering a job.
func ValidateSchedule(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}
