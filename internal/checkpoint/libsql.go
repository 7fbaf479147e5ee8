package checkpoint

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/avidal-labs/datarun/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. the sql.query tool).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Checkpoints ---

func (s *LibSQLStore) SaveCheckpoint(ctx context.Context, run *schema.Run) (int64, error) {
	payload, err := json.Marshal(run)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "marshal run snapshot").WithCause(err)
	}
	checksum := payloadChecksum(payload)
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "begin checkpoint tx").WithCause(err)
	}
	defer tx.Rollback()

	var runErr any
	if run.Error != nil {
		b, merr := json.Marshal(run.Error)
		if merr != nil {
			return 0, schema.NewError(schema.ErrCodeStore, "marshal run error").WithCause(merr)
		}
		runErr = string(b)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, task, state, error, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state=excluded.state, error=excluded.error,
		   updated_at=excluded.updated_at, completed_at=excluded.completed_at`,
		run.ID, run.Task, string(run.State), runErr,
		timeOrNow(run.CreatedAt), now, nullTime(run.CompletedAt),
	)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "upsert run").WithCause(err)
	}

	// Next sequence for this run. MaxOpenConns(1) plus the transaction
	// keeps this read-then-insert race-free.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM checkpoints WHERE run_id = ?`, run.ID,
	).Scan(&seq)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "next checkpoint sequence").WithCause(err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, sequence, payload, checksum, taken_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, seq, string(payload), checksum, now,
	)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "insert checkpoint").WithCause(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "commit checkpoint").WithCause(err)
	}
	return seq, nil
}

func (s *LibSQLStore) LoadLatest(ctx context.Context, runID string) (*Checkpoint, error) {
	var (
		seq               int64
		payload, checksum string
		takenAt           time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence, payload, checksum, taken_at FROM checkpoints
		 WHERE run_id = ? ORDER BY sequence DESC LIMIT 1`, runID,
	).Scan(&seq, &payload, &checksum, &takenAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q has no checkpoints", runID)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "load latest checkpoint").WithCause(err)
	}
	return decodeCheckpoint(runID, seq, payload, checksum, takenAt)
}

func (s *LibSQLStore) History(ctx context.Context, runID string, limit int) ([]*Checkpoint, error) {
	query := `SELECT sequence, payload, checksum, taken_at FROM checkpoints
	          WHERE run_id = ? ORDER BY sequence DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "load checkpoint history").WithCause(err)
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		var (
			seq               int64
			payload, checksum string
			takenAt           time.Time
		)
		if err := rows.Scan(&seq, &payload, &checksum, &takenAt); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan checkpoint").WithCause(err)
		}
		cp, err := decodeCheckpoint(runID, seq, payload, checksum, takenAt)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunSummary, error) {
	var where []string
	var args []any

	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, task, state, created_at, updated_at, completed_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list runs").WithCause(err)
	}
	defer rows.Close()

	var summaries []*RunSummary
	for rows.Next() {
		rs := &RunSummary{}
		var completedAt sql.NullTime
		if err := rows.Scan(&rs.RunID, &rs.Task, &rs.State, &rs.CreatedAt, &rs.UpdatedAt, &completedAt); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan run").WithCause(err)
		}
		if completedAt.Valid {
			rs.CompletedAt = &completedAt.Time
		}
		summaries = append(summaries, rs)
	}
	return summaries, rows.Err()
}

// --- Leases ---

func (s *LibSQLStore) AcquireLease(ctx context.Context, runID, holder string, ttl time.Duration) (*Lease, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "begin lease tx").WithCause(err)
	}
	defer tx.Rollback()

	var curHolder string
	var curExpires time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT holder, expires_at FROM leases WHERE run_id = ?`, runID,
	).Scan(&curHolder, &curExpires)
	switch {
	case err == sql.ErrNoRows:
		// No lease yet.
	case err != nil:
		return nil, schema.NewError(schema.ErrCodeStore, "read lease").WithCause(err)
	case curHolder != holder && curExpires.After(now):
		return nil, schema.NewErrorf(schema.ErrCodeLeaseHeld,
			"run %q is leased by %q until %s", runID, curHolder, curExpires.Format(time.RFC3339))
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO leases (run_id, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   holder=excluded.holder, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		runID, holder, now, expires,
	)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "write lease").WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "commit lease").WithCause(err)
	}
	return &Lease{RunID: runID, Holder: holder, AcquiredAt: now, ExpiresAt: expires}, nil
}

func (s *LibSQLStore) RenewLease(ctx context.Context, runID, holder string, ttl time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE run_id = ? AND holder = ? AND expires_at > ?`,
		now.Add(ttl), runID, holder, now,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "renew lease").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "renew lease").WithCause(err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeLeaseHeld, "lease on run %q not held by %q", runID, holder)
	}
	return nil
}

func (s *LibSQLStore) ReleaseLease(ctx context.Context, runID, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE run_id = ? AND holder = ?`, runID, holder,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "release lease").WithCause(err)
	}
	return nil
}

// --- Scheduled tasks ---

func (s *LibSQLStore) UpsertScheduledTask(ctx context.Context, task *ScheduledTask) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (id, name, cron_expr, task, enabled, last_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, cron_expr=excluded.cron_expr, task=excluded.task,
		   enabled=excluded.enabled, updated_at=CURRENT_TIMESTAMP`,
		task.ID, task.Name, task.CronExpr, task.Task, boolToInt(task.Enabled),
		nullTime(task.LastRunAt), timeOrNow(task.CreatedAt), timeOrNow(task.UpdatedAt),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "upsert scheduled task").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) ListScheduledTasks(ctx context.Context) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, cron_expr, task, enabled, last_run_at, created_at, updated_at
		 FROM scheduled_tasks ORDER BY name`,
	)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list scheduled tasks").WithCause(err)
	}
	defer rows.Close()

	var tasks []*ScheduledTask
	for rows.Next() {
		t := &ScheduledTask{}
		var enabled int
		var lastRun sql.NullTime
		if err := rows.Scan(&t.ID, &t.Name, &t.CronExpr, &t.Task, &enabled, &lastRun, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan scheduled task").WithCause(err)
		}
		t.Enabled = enabled != 0
		if lastRun.Valid {
			t.LastRunAt = &lastRun.Time
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "delete scheduled task").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "delete scheduled task").WithCause(err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled task %q not found", id)
	}
	return nil
}

func (s *LibSQLStore) MarkScheduledRun(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET last_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		at, id,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "mark scheduled run").WithCause(err)
	}
	return nil
}

// --- Helpers ---

func decodeCheckpoint(runID string, seq int64, payload, checksum string, takenAt time.Time) (*Checkpoint, error) {
	if payloadChecksum([]byte(payload)) != checksum {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpointCorruption,
			"checkpoint %d of run %q failed its integrity check", seq, runID).
			WithDetails(map[string]any{"run_id": runID, "sequence": seq})
	}
	var run schema.Run
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpointCorruption,
			"checkpoint %d of run %q is not decodable", seq, runID).
			WithCause(err).
			WithDetails(map[string]any{"run_id": runID, "sequence": seq})
	}
	return &Checkpoint{RunID: runID, Sequence: seq, TakenAt: takenAt, Run: &run}, nil
}

func payloadChecksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
