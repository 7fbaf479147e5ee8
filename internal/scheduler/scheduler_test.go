package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avidal-labs/datarun/internal/checkpoint"
	"github.com/avidal-labs/datarun/pkg/schema"
)

type recordingSubmitter struct {
	mu    sync.Mutex
	tasks []string
}

func (r *recordingSubmitter) Submit(_ context.Context, task string) (*schema.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return &schema.Run{ID: schema.NewRunID(), Task: task, State: schema.RunStateCompleted}, nil
}

func (r *recordingSubmitter) submitted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tasks...)
}

func TestScheduler_IsDue_NeverRanTask(t *testing.T) {
	s := New(checkpoint.NewMemoryStore(), &recordingSubmitter{}, nil)
	created := time.Now().UTC().Add(-2 * time.Hour)

	task := &checkpoint.ScheduledTask{
		ID:        "task_1",
		CronExpr:  "0 * * * *", // hourly
		CreatedAt: created,
	}

	due, err := s.isDue(task, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, due, "missed fire times are recovered")
}

func TestScheduler_IsDue_RecentlyRan(t *testing.T) {
	s := New(checkpoint.NewMemoryStore(), &recordingSubmitter{}, nil)
	now := time.Now().UTC()
	lastRun := now.Add(-time.Minute)

	task := &checkpoint.ScheduledTask{
		ID:        "task_1",
		CronExpr:  "0 * * * *",
		CreatedAt: now.Add(-24 * time.Hour),
		LastRunAt: &lastRun,
	}

	due, err := s.isDue(task, lastRun.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, due)
}

func TestScheduler_IsDue_InvalidCron(t *testing.T) {
	s := New(checkpoint.NewMemoryStore(), &recordingSubmitter{}, nil)
	task := &checkpoint.ScheduledTask{ID: "task_1", CronExpr: "not a cron"}

	_, err := s.isDue(task, time.Now().UTC())
	require.Error(t, err)
}

func TestScheduler_NextRun(t *testing.T) {
	s := New(checkpoint.NewMemoryStore(), &recordingSubmitter{}, nil)
	from := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	next, err := s.NextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), next)

	_, err = s.NextRun("bogus", from)
	require.Error(t, err)
}

func TestScheduler_Tick_SubmitsDueTasksOnce(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	submitter := &recordingSubmitter{}
	s := New(store, submitter, nil)
	ctx := context.Background()

	created := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.UpsertScheduledTask(ctx, &checkpoint.ScheduledTask{
		ID:        "task_due",
		Name:      "daily profile",
		CronExpr:  "0 * * * *",
		Task:      "profile the orders table",
		Enabled:   true,
		CreatedAt: created,
	}))
	require.NoError(t, store.UpsertScheduledTask(ctx, &checkpoint.ScheduledTask{
		ID:        "task_disabled",
		Name:      "disabled",
		CronExpr:  "0 * * * *",
		Task:      "never runs",
		Enabled:   false,
		CreatedAt: created,
	}))

	s.tick(ctx)
	assert.Equal(t, []string{"profile the orders table"}, submitter.submitted())

	// The run was marked, so the next tick submits nothing new.
	s.tick(ctx)
	assert.Len(t, submitter.submitted(), 1)
}

func TestScheduler_StartStop(t *testing.T) {
	s := New(checkpoint.NewMemoryStore(), &recordingSubmitter{}, nil)

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()), "double start is rejected")
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
}
