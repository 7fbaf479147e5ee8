package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/avidal-labs/datarun/internal/checkpoint"
	"github.com/avidal-labs/datarun/pkg/schema"
)

// Submitter is the interface the scheduler uses to start runs.
// Satisfied by the workflow machine (avoids import cycle).
type Submitter interface {
	Submit(ctx context.Context, task string) (*schema.Run, error)
}

// Scheduler polls the store for due recurring tasks and submits them.
type Scheduler struct {
	store     checkpoint.Store
	submitter Submitter
	parser    cron.Parser
	logger    *slog.Logger
	interval  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // task IDs currently submitting (dedup)
}

// New creates a Scheduler that checks for due tasks once a minute.
func New(store checkpoint.Store, submitter Submitter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     store,
		submitter: submitter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		interval:  60 * time.Second,
		inflight:  make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick submits every enabled task that is due.
func (s *Scheduler) tick(ctx context.Context) {
	tasks, err := s.store.ListScheduledTasks(ctx)
	if err != nil {
		s.logger.Error("failed to list scheduled tasks", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		due, err := s.isDue(task, now)
		if err != nil {
			s.logger.Error("invalid cron expression",
				slog.String("task_id", task.ID),
				slog.String("cron", task.CronExpr),
				slog.String("error", err.Error()))
			continue
		}
		if !due {
			continue
		}
		if !s.tryAcquire(task.ID) {
			continue // already submitting (dedup)
		}
		s.runTask(ctx, task, now)
		s.release(task.ID)
	}
}

// isDue reports whether the next fire time after the last run has passed.
// A task that never ran is due when its first fire time after creation has
// passed, so missed runs are recovered on restart.
func (s *Scheduler) isDue(task *checkpoint.ScheduledTask, now time.Time) (bool, error) {
	schedule, err := s.parser.Parse(task.CronExpr)
	if err != nil {
		return false, err
	}
	from := task.CreatedAt
	if task.LastRunAt != nil {
		from = *task.LastRunAt
	}
	return !schedule.Next(from).After(now), nil
}

func (s *Scheduler) runTask(ctx context.Context, task *checkpoint.ScheduledTask, now time.Time) {
	s.logger.Info("submitting scheduled task",
		slog.String("task_id", task.ID),
		slog.String("name", task.Name))

	// Mark before submitting so a failing run does not retrigger every tick.
	if err := s.store.MarkScheduledRun(ctx, task.ID, now); err != nil {
		s.logger.Error("failed to mark scheduled run",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
		return
	}

	run, err := s.submitter.Submit(ctx, task.Task)
	if err != nil {
		s.logger.Error("scheduled run failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Info("scheduled run finished",
		slog.String("task_id", task.ID),
		slog.String("run_id", run.ID),
		slog.String("state", string(run.State)))
}

func (s *Scheduler) tryAcquire(taskID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[taskID]; ok {
		return false
	}
	s.inflight[taskID] = struct{}{}
	return true
}

func (s *Scheduler) release(taskID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, taskID)
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
