package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler runs the bot's periodic maintenance jobs.
type Scheduler struct {
	sched gocron.Scheduler
}

// New creates a scheduler whose cron expressions are read in loc.
func New(loc *time.Location) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	sched, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{sched: sched}, nil
}

// AddCron registers fn on a five-field cron expression.
func (s *Scheduler) AddCron(name, expr string, fn func(ctx context.Context) error) error {
	return s.add(name, gocron.CronJob(expr, false), fn)
}

// AddEvery registers fn on a fixed interval.
func (s *Scheduler) AddEvery(name string, every time.Duration, fn func(ctx context.Context) error) error {
	return s.add(name, gocron.DurationJob(every), fn)
}

func (s *Scheduler) add(name string, def gocron.JobDefinition, fn func(ctx context.Context) error) error {
	_, err := s.sched.NewJob(
		def,
		gocron.NewTask(func(ctx context.Context) {
			if err := fn(ctx); err != nil {
				log.Printf("[Scheduler] %s failed: %v", name, err)
			}
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	return nil
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.sched.Start()
}

// Stop waits for running jobs and stops the scheduler.
func (s *Scheduler) Stop() error {
	return s.sched.Shutdown()
}
