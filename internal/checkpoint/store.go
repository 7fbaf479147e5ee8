package checkpoint

import (
	"context"
	"time"

	"github.com/avidal-labs/datarun/pkg/schema"
)

// Checkpoint is one durable snapshot of a run. Sequence numbers are
// monotonically increasing per run; the latest checkpoint is the one with
// the highest sequence.
type Checkpoint struct {
	RunID    string      `json:"run_id"`
	Sequence int64       `json:"sequence"`
	TakenAt  time.Time   `json:"taken_at"`
	Run      *schema.Run `json:"run"`
}

// Lease marks the single executor allowed to drive a run. Leases expire so
// a crashed executor does not block resume forever.
type Lease struct {
	RunID      string    `json:"run_id"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// RunSummary is a listing row for a persisted run.
type RunSummary struct {
	RunID       string     `json:"run_id"`
	Task        string     `json:"task"`
	State       string     `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	State string
	Since *time.Time
	Limit int
}

// ScheduledTask is a recurring analysis submission driven by a cron
// expression.
type ScheduledTask struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	Task      string     `json:"task"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Store persists run checkpoints, executor leases, and scheduled tasks.
// Implementations must make SaveCheckpoint atomic: a concurrent reader sees
// either the previous checkpoint or the new one, never a partial state.
type Store interface {
	// Migrate applies pending schema migrations.
	Migrate(ctx context.Context) error

	// SaveCheckpoint snapshots the run and returns the assigned sequence.
	// Sequences are monotonically increasing per run.
	SaveCheckpoint(ctx context.Context, run *schema.Run) (int64, error)

	// LoadLatest returns the newest checkpoint for the run. A snapshot
	// that fails its integrity check yields a CHECKPOINT_CORRUPTION error.
	LoadLatest(ctx context.Context, runID string) (*Checkpoint, error)

	// History returns checkpoints for the run, newest first. limit <= 0
	// means no limit.
	History(ctx context.Context, runID string, limit int) ([]*Checkpoint, error)

	// ListRuns lists persisted runs, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunSummary, error)

	// AcquireLease grants the run's executor lease to holder, or fails
	// with LEASE_HELD if another live holder has it. Re-acquiring an own
	// lease extends it.
	AcquireLease(ctx context.Context, runID, holder string, ttl time.Duration) (*Lease, error)

	// RenewLease extends a held lease. Fails if holder does not hold it.
	RenewLease(ctx context.Context, runID, holder string, ttl time.Duration) error

	// ReleaseLease releases a held lease. Releasing an already released
	// lease is not an error.
	ReleaseLease(ctx context.Context, runID, holder string) error

	// UpsertScheduledTask creates or updates a recurring task.
	UpsertScheduledTask(ctx context.Context, task *ScheduledTask) error

	// ListScheduledTasks returns all recurring tasks.
	ListScheduledTasks(ctx context.Context) ([]*ScheduledTask, error)

	// DeleteScheduledTask removes a recurring task.
	DeleteScheduledTask(ctx context.Context, id string) error

	// MarkScheduledRun records the last submission time of a task.
	MarkScheduledRun(ctx context.Context, id string, at time.Time) error

	// Close releases store resources.
	Close() error
}
