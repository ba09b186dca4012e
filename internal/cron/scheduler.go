// Package cron owns time-driven work: one-shot reminders parsed from natural
// language and intentions, saved prompts run on a cron schedule.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the scheduler. Either service may be nil.
type Config struct {
	Reminders  *Reminders
	Intentions *Intentions
	Logger     *slog.Logger
	Interval   time.Duration // tick interval; defaults to 10 seconds if zero
}

// Scheduler periodically fires due reminders and starts due intentions.
type Scheduler struct {
	reminders  *Reminders
	intentions *Intentions
	logger     *slog.Logger
	interval   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reminders:  cfg.Reminders,
		intentions: cfg.Intentions,
		logger:     logger.With("component", "scheduler"),
		interval:   interval,
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.reminders != nil {
		if n, err := s.reminders.FireDue(ctx); err != nil {
			s.logger.Error("fire due reminders", "error", err)
		} else if n > 0 {
			s.logger.Debug("reminders fired", "count", n)
		}
	}
	if s.intentions != nil {
		if n, err := s.intentions.RunDue(ctx); err != nil {
			s.logger.Error("run due intentions", "error", err)
		} else if n > 0 {
			s.logger.Debug("intentions started", "count", n)
		}
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// ValidSchedule reports whether expr is a valid 5-field cron expression.
func ValidSchedule(expr string) bool {
	_, err := cronParser.Parse(expr)
	return err == nil
}
