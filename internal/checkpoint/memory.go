package checkpoint

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/avidal-labs/datarun/pkg/schema"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs. Snapshots
// are deep-copied through JSON so callers cannot mutate stored state.
type MemoryStore struct {
	mu          sync.Mutex
	checkpoints map[string][]*Checkpoint
	leases      map[string]*Lease
	scheduled   map[string]*ScheduledTask

	// Corrupt marks run IDs whose latest checkpoint should fail its
	// integrity check. Test hook.
	corrupt map[string]bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string][]*Checkpoint),
		leases:      make(map[string]*Lease),
		scheduled:   make(map[string]*ScheduledTask),
		corrupt:     make(map[string]bool),
	}
}

// MarkCorrupt makes subsequent loads for the run fail with a corruption
// error. Used by tests.
func (s *MemoryStore) MarkCorrupt(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt[runID] = true
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) SaveCheckpoint(ctx context.Context, run *schema.Run) (int64, error) {
	snapshot, err := copyRun(run)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "snapshot run").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := int64(len(s.checkpoints[run.ID])) + 1
	s.checkpoints[run.ID] = append(s.checkpoints[run.ID], &Checkpoint{
		RunID:    run.ID,
		Sequence: seq,
		TakenAt:  time.Now().UTC(),
		Run:      snapshot,
	})
	return seq, nil
}

func (s *MemoryStore) LoadLatest(ctx context.Context, runID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.corrupt[runID] {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpointCorruption,
			"checkpoint of run %q failed its integrity check", runID)
	}

	cps := s.checkpoints[runID]
	if len(cps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q has no checkpoints", runID)
	}
	return copyCheckpoint(cps[len(cps)-1])
}

func (s *MemoryStore) History(ctx context.Context, runID string, limit int) ([]*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cps := s.checkpoints[runID]
	out := make([]*Checkpoint, 0, len(cps))
	for i := len(cps) - 1; i >= 0; i-- {
		cp, err := copyCheckpoint(cps[i])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var summaries []*RunSummary
	for _, cps := range s.checkpoints {
		latest := cps[len(cps)-1].Run
		if filter.State != "" && string(latest.State) != filter.State {
			continue
		}
		if filter.Since != nil && latest.CreatedAt.Before(*filter.Since) {
			continue
		}
		summaries = append(summaries, &RunSummary{
			RunID:       latest.ID,
			Task:        latest.Task,
			State:       string(latest.State),
			CreatedAt:   latest.CreatedAt,
			UpdatedAt:   latest.UpdatedAt,
			CompletedAt: latest.CompletedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	if filter.Limit > 0 && len(summaries) > filter.Limit {
		summaries = summaries[:filter.Limit]
	}
	return summaries, nil
}

func (s *MemoryStore) AcquireLease(ctx context.Context, runID, holder string, ttl time.Duration) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if cur, ok := s.leases[runID]; ok && cur.Holder != holder && cur.ExpiresAt.After(now) {
		return nil, schema.NewErrorf(schema.ErrCodeLeaseHeld,
			"run %q is leased by %q until %s", runID, cur.Holder, cur.ExpiresAt.Format(time.RFC3339))
	}
	lease := &Lease{RunID: runID, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	s.leases[runID] = lease
	out := *lease
	return &out, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, runID, holder string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cur, ok := s.leases[runID]
	if !ok || cur.Holder != holder || !cur.ExpiresAt.After(now) {
		return schema.NewErrorf(schema.ErrCodeLeaseHeld, "lease on run %q not held by %q", runID, holder)
	}
	cur.ExpiresAt = now.Add(ttl)
	return nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, runID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.leases[runID]; ok && cur.Holder == holder {
		delete(s.leases, runID)
	}
	return nil
}

func (s *MemoryStore) UpsertScheduledTask(ctx context.Context, task *ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := *task
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = time.Now().UTC()
	s.scheduled[t.ID] = &t
	return nil
}

func (s *MemoryStore) ListScheduledTasks(ctx context.Context) ([]*ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ScheduledTask, 0, len(s.scheduled))
	for _, t := range s.scheduled {
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) DeleteScheduledTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scheduled[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled task %q not found", id)
	}
	delete(s.scheduled, id)
	return nil
}

func (s *MemoryStore) MarkScheduledRun(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.scheduled[id]; ok {
		t.LastRunAt = &at
		t.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func copyRun(run *schema.Run) (*schema.Run, error) {
	b, err := json.Marshal(run)
	if err != nil {
		return nil, err
	}
	var out schema.Run
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func copyCheckpoint(cp *Checkpoint) (*Checkpoint, error) {
	run, err := copyRun(cp.Run)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "copy checkpoint").WithCause(err)
	}
	return &Checkpoint{RunID: cp.RunID, Sequence: cp.Sequence, TakenAt: cp.TakenAt, Run: run}, nil
}

var _ Store = (*MemoryStore)(nil)
