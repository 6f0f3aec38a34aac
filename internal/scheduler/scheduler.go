package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs fixed-interval background jobs on a shared cron runner.
// Single-flight semantics live in the jobs themselves; the scheduler only
// ticks.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// New creates a scheduler.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
	}
}

// Every registers a job at a fixed interval.
func (s *Scheduler) Every(interval time.Duration, name string, job func()) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: non-positive interval for job %s", name)
	}
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := s.cron.AddFunc(spec, job); err != nil {
		return fmt.Errorf("scheduler: register %s: %w", name, err)
	}
	s.logger.Info("job registered", zap.String("job", name), zap.Duration("interval", interval))
	return nil
}

// Start begins ticking. Blocks until the context is cancelled, then waits
// for any running job to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started")

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}
