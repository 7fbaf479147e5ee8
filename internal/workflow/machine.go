package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avidal-labs/datarun/internal/checkpoint"
	"github.com/avidal-labs/datarun/internal/executor"
	"github.com/avidal-labs/datarun/internal/logging"
	"github.com/avidal-labs/datarun/internal/reasoning"
	"github.com/avidal-labs/datarun/internal/registry"
	"github.com/avidal-labs/datarun/pkg/schema"
)

const (
	// DefaultConfirmationTimeout bounds how long a plan waits for a human.
	DefaultConfirmationTimeout = 30 * time.Minute

	// DefaultLeaseTTL is the executor lease duration. Drives renew it as a
	// side effect of checkpointing phases.
	DefaultLeaseTTL = 5 * time.Minute
)

// decisionSignal is an in-process confirmation delivery.
type decisionSignal struct {
	decision string
	feedback string
}

// Machine drives runs through their lifecycle: understanding, feedback,
// planning, confirmation, execution, and reporting. Every transition is
// checkpointed before the phase acts, so a crash resumes at the last
// recorded state without repeating completed work.
type Machine struct {
	store    checkpoint.Store
	executor *executor.Executor
	collab   reasoning.Collaborator
	registry *registry.Registry
	policy   *ConfirmationPolicy
	logger   *slog.Logger

	confirmTimeout time.Duration
	leaseTTL       time.Duration
	holder         string
	detach         bool

	mu      sync.Mutex
	waiters map[string]chan decisionSignal
}

// Config assembles a Machine.
type Config struct {
	Store        checkpoint.Store
	Executor     *executor.Executor
	Collaborator reasoning.Collaborator
	Registry     *registry.Registry
	Policy       *ConfirmationPolicy
	Logger       *slog.Logger

	ConfirmationTimeout time.Duration
	LeaseTTL            time.Duration

	// DetachOnConfirmation makes drives return at needs_confirmation instead
	// of waiting in-process for a decision. Decisions then arrive via Decide
	// and take effect on the next Resume. Intended for CLI-style callers
	// whose process does not outlive the command.
	DetachOnConfirmation bool
}

// New creates a Machine.
func New(cfg Config) *Machine {
	confirmTimeout := cfg.ConfirmationTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmationTimeout
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:          cfg.Store,
		executor:       cfg.Executor,
		collab:         cfg.Collaborator,
		registry:       cfg.Registry,
		policy:         cfg.Policy,
		logger:         logger,
		confirmTimeout: confirmTimeout,
		leaseTTL:       leaseTTL,
		detach:         cfg.DetachOnConfirmation,
		holder:         "exec_" + uuid.NewString()[:8],
		waiters:        make(map[string]chan decisionSignal),
	}
}

// Submit creates a run for the task and drives it as far as it can go
// without external input. The returned run reflects the state reached.
func (m *Machine) Submit(ctx context.Context, task string) (*schema.Run, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "task is empty")
	}

	now := time.Now().UTC()
	run := &schema.Run{
		ID:        schema.NewRunID(),
		Task:      task,
		State:     schema.RunStateCreated,
		Steps:     make(map[string]*schema.StepExecution),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.checkpoint(ctx, run); err != nil {
		return nil, err
	}
	return run, m.drive(ctx, run)
}

// Resume reloads a run from its latest checkpoint and continues driving it.
func (m *Machine) Resume(ctx context.Context, runID string) (*schema.Run, error) {
	cp, err := m.store.LoadLatest(ctx, runID)
	if err != nil {
		return nil, err
	}
	run := cp.Run
	if run.Steps == nil {
		run.Steps = make(map[string]*schema.StepExecution)
	}
	if run.State.IsTerminal() {
		return run, nil
	}
	return run, m.drive(ctx, run)
}

// Decide delivers a confirmation decision for a run awaiting it. When an
// in-process drive is waiting, the decision is handed to it directly;
// otherwise it is recorded on the checkpoint and applied on the next Resume.
// Decisions arriving after the confirmation deadline are rejected with
// CONFIRMATION_TIMEOUT.
func (m *Machine) Decide(ctx context.Context, runID, decision, feedback string) error {
	switch decision {
	case schema.DecisionApprove, schema.DecisionReject, schema.DecisionCancel:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown decision %q", decision)
	}

	m.mu.Lock()
	waiter, ok := m.waiters[runID]
	m.mu.Unlock()
	if ok {
		select {
		case waiter <- decisionSignal{decision: decision, feedback: feedback}:
			return nil
		default:
			// Waiter is gone; fall through to the durable path.
		}
	}

	return m.withLease(ctx, runID, func(run *schema.Run) error {
		if run.State != schema.RunStateNeedsConfirmation || run.Confirmation == nil {
			return schema.NewErrorf(schema.ErrCodeConflict, "run %q is not awaiting confirmation", runID)
		}
		now := time.Now().UTC()
		if now.After(run.Confirmation.Deadline) {
			return m.confirmationTimeout(run)
		}
		run.Confirmation.Decision = decision
		run.Confirmation.Feedback = feedback
		run.Confirmation.ResolvedAt = &now
		return nil
	})
}

// Feedback records clarifying feedback for a run awaiting it. The run
// continues on the next Resume.
func (m *Machine) Feedback(ctx context.Context, runID, feedback string) error {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return schema.NewError(schema.ErrCodeValidation, "feedback is empty")
	}
	return m.withLease(ctx, runID, func(run *schema.Run) error {
		if run.State != schema.RunStateAwaitingFeedback {
			return schema.NewErrorf(schema.ErrCodeConflict, "run %q is not awaiting feedback", runID)
		}
		run.Feedback = feedback
		return nil
	})
}

// Cancel terminates a non-terminal run.
func (m *Machine) Cancel(ctx context.Context, runID string) error {
	m.mu.Lock()
	waiter, ok := m.waiters[runID]
	m.mu.Unlock()
	if ok {
		select {
		case waiter <- decisionSignal{decision: schema.DecisionCancel}:
			return nil
		default:
		}
	}

	return m.withLease(ctx, runID, func(run *schema.Run) error {
		if run.State.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeConflict, "run %q is already %s", runID, run.State)
		}
		if err := transition(run, schema.RunStateCancelled); err != nil {
			return err
		}
		now := time.Now().UTC()
		run.CompletedAt = &now
		return nil
	})
}

// withLease runs a load-mutate-checkpoint cycle while holding the run's
// executor lease, so durable writes never interleave with an active drive in
// another process.
func (m *Machine) withLease(ctx context.Context, runID string, mutate func(run *schema.Run) error) error {
	if _, err := m.store.AcquireLease(ctx, runID, m.holder, m.leaseTTL); err != nil {
		return err
	}
	defer func() {
		_ = m.store.ReleaseLease(context.WithoutCancel(ctx), runID, m.holder)
	}()

	cp, err := m.store.LoadLatest(ctx, runID)
	if err != nil {
		return err
	}
	run := cp.Run
	if err := mutate(run); err != nil {
		return err
	}
	return m.checkpoint(ctx, run)
}

// drive advances the run until it reaches a terminal state or blocks on
// external input. It holds the run's executor lease for the duration.
func (m *Machine) drive(ctx context.Context, run *schema.Run) error {
	ctx = logging.WithRunID(ctx, run.ID)

	if _, err := m.store.AcquireLease(ctx, run.ID, m.holder, m.leaseTTL); err != nil {
		return err
	}
	defer func() {
		_ = m.store.ReleaseLease(context.WithoutCancel(ctx), run.ID, m.holder)
	}()

	for !run.State.IsTerminal() {
		if ctx.Err() != nil {
			return schema.NewError(schema.ErrCodeCancelled, "drive cancelled").WithCause(ctx.Err())
		}
		if _, err := m.store.AcquireLease(ctx, run.ID, m.holder, m.leaseTTL); err != nil {
			return err
		}

		m.logger.InfoContext(ctx, "run phase", slog.String("state", string(run.State)))

		var err error
		var blocked bool
		switch run.State {
		case schema.RunStateCreated:
			err = m.step(ctx, run, schema.RunStateUnderstanding, nil)
		case schema.RunStateUnderstanding:
			err = m.phaseUnderstand(ctx, run)
		case schema.RunStateAwaitingFeedback:
			blocked, err = m.phaseFeedback(ctx, run)
		case schema.RunStatePlanning:
			err = m.phasePlan(ctx, run)
		case schema.RunStateNeedsConfirmation:
			blocked, err = m.phaseConfirm(ctx, run)
		case schema.RunStateExecuting:
			err = m.phaseExecute(ctx, run)
		case schema.RunStateReporting:
			err = m.phaseReport(ctx, run)
		default:
			err = schema.NewErrorf(schema.ErrCodeInvalidTransition, "run in unknown state %q", run.State)
		}

		if err != nil {
			return m.failRun(ctx, run, err)
		}
		if blocked {
			return nil
		}
	}
	return nil
}

// step transitions and checkpoints before the next phase acts.
func (m *Machine) step(ctx context.Context, run *schema.Run, to schema.RunState, mutate func()) error {
	if err := transition(run, to); err != nil {
		return err
	}
	if mutate != nil {
		mutate()
	}
	return m.checkpoint(ctx, run)
}

func (m *Machine) phaseUnderstand(ctx context.Context, run *schema.Run) error {
	tu, err := m.collab.Understand(ctx, run.Task, run.Feedback)
	if err != nil {
		return err
	}
	run.Understanding = tu
	run.Feedback = ""

	if len(tu.OpenQuestions) > 0 {
		return m.step(ctx, run, schema.RunStateAwaitingFeedback, nil)
	}
	return m.step(ctx, run, schema.RunStatePlanning, nil)
}

// phaseFeedback blocks until feedback arrives via a checkpointed Resume.
func (m *Machine) phaseFeedback(ctx context.Context, run *schema.Run) (bool, error) {
	if run.Feedback == "" {
		return true, nil // wait for the requester
	}
	return false, m.step(ctx, run, schema.RunStateUnderstanding, nil)
}

func (m *Machine) phasePlan(ctx context.Context, run *schema.Run) error {
	plan, err := m.collab.BuildPlan(ctx, run, m.registry.List())
	if err != nil {
		return err
	}
	if err := m.validatePlan(plan); err != nil {
		return err
	}
	run.Plan = plan
	run.Steps = make(map[string]*schema.StepExecution, len(plan.Steps))
	run.Feedback = ""

	approved, err := m.policy.AutoApprove(ctx, run)
	if err != nil {
		return err
	}
	if approved {
		m.logger.InfoContext(ctx, "plan auto-approved by policy", slog.String("plan_id", plan.ID))
		now := time.Now().UTC()
		return m.step(ctx, run, schema.RunStateExecuting, func() {
			run.Confirmation = &schema.ConfirmationRecord{
				PlanID:      plan.ID,
				RequestedAt: now,
				Deadline:    now,
				Decision:    schema.DecisionApprove,
				Feedback:    "auto-approved by policy",
				ResolvedAt:  &now,
			}
		})
	}

	now := time.Now().UTC()
	return m.step(ctx, run, schema.RunStateNeedsConfirmation, func() {
		run.Confirmation = &schema.ConfirmationRecord{
			PlanID:      plan.ID,
			RequestedAt: now,
			Deadline:    now.Add(m.confirmTimeout),
		}
	})
}

// validatePlan rejects plans referencing unknown tools or containing
// structural defects before anything executes.
func (m *Machine) validatePlan(plan *schema.Plan) error {
	if _, err := executor.ParseDAG(plan); err != nil {
		return err
	}
	for _, step := range plan.Steps {
		if !m.registry.Has(step.Tool) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"plan step %q references unknown tool %q", step.ID, step.Tool).WithStep(step.ID)
		}
	}
	return nil
}

// phaseConfirm resolves the pending confirmation: an already recorded
// decision is applied; otherwise the machine waits in-process for the
// remaining deadline, or blocks the drive when detached.
func (m *Machine) phaseConfirm(ctx context.Context, run *schema.Run) (bool, error) {
	rec := run.Confirmation
	if rec == nil {
		return false, schema.NewError(schema.ErrCodeConflict, "run needs confirmation but has no confirmation record")
	}

	if rec.Decision == "" {
		remaining := time.Until(rec.Deadline)
		if remaining <= 0 {
			return false, m.confirmationTimeout(run)
		}
		if m.detach {
			return true, nil // wait for Decide + Resume
		}

		sig, timedOut, err := m.waitForDecision(ctx, run.ID, remaining)
		if err != nil {
			return false, err
		}
		if timedOut {
			return false, m.confirmationTimeout(run)
		}
		now := time.Now().UTC()
		rec.Decision = sig.decision
		rec.Feedback = sig.feedback
		rec.ResolvedAt = &now
	}

	// A decision recorded past the deadline cannot rescue the run.
	if rec.ResolvedAt != nil && rec.ResolvedAt.After(rec.Deadline) {
		return false, m.confirmationTimeout(run)
	}

	switch rec.Decision {
	case schema.DecisionApprove:
		return false, m.step(ctx, run, schema.RunStateExecuting, nil)
	case schema.DecisionReject:
		// Rejection feedback steers the next planning round.
		return false, m.step(ctx, run, schema.RunStatePlanning, func() {
			run.Feedback = rec.Feedback
		})
	case schema.DecisionCancel:
		now := time.Now().UTC()
		return false, m.step(ctx, run, schema.RunStateCancelled, func() {
			run.CompletedAt = &now
		})
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown confirmation decision %q", rec.Decision)
	}
}

func (m *Machine) confirmationTimeout(run *schema.Run) error {
	return schema.NewErrorf(schema.ErrCodeConfirmationTimeout,
		"plan %q was not confirmed before %s", run.Confirmation.PlanID,
		run.Confirmation.Deadline.Format(time.RFC3339))
}

func (m *Machine) waitForDecision(ctx context.Context, runID string, timeout time.Duration) (decisionSignal, bool, error) {
	ch := make(chan decisionSignal, 1)
	m.mu.Lock()
	m.waiters[runID] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.waiters, runID)
		m.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sig := <-ch:
		return sig, false, nil
	case <-timer.C:
		return decisionSignal{}, true, nil
	case <-ctx.Done():
		return decisionSignal{}, false, schema.NewError(schema.ErrCodeCancelled, "confirmation wait cancelled").WithCause(ctx.Err())
	}
}

func (m *Machine) phaseExecute(ctx context.Context, run *schema.Run) error {
	if err := m.executor.Execute(ctx, run); err != nil {
		return err
	}
	return m.step(ctx, run, schema.RunStateReporting, nil)
}

func (m *Machine) phaseReport(ctx context.Context, run *schema.Run) error {
	report := buildReport(run)

	summary, err := m.collab.Summarize(ctx, run)
	if err != nil {
		// A failed summary degrades the report; it does not fail the run.
		m.logger.WarnContext(ctx, "summary generation failed", slog.String("error", err.Error()))
		summary = "Summary unavailable. See section details."
	}
	report.Summary = summary
	report.Rendered = renderReport(run, report)
	run.Report = report

	now := time.Now().UTC()
	return m.step(ctx, run, schema.RunStateCompleted, func() {
		run.CompletedAt = &now
	})
}

func (m *Machine) failRun(ctx context.Context, run *schema.Run, cause error) error {
	rerr, ok := cause.(*schema.RunError)
	if !ok {
		rerr = schema.NewError(schema.ErrCodeToolExecution, cause.Error()).WithCause(cause)
	}

	to := schema.RunStateFailed
	if rerr.Code == schema.ErrCodeCancelled {
		to = schema.RunStateCancelled
	}

	m.logger.ErrorContext(ctx, "run terminated",
		slog.String("state", string(to)),
		slog.String("code", rerr.Code),
		slog.String("error", rerr.Message))

	if err := transition(run, to); err != nil {
		return err
	}
	now := time.Now().UTC()
	run.Error = rerr
	run.CompletedAt = &now
	if err := m.checkpoint(context.WithoutCancel(ctx), run); err != nil {
		return err
	}
	return rerr
}

func (m *Machine) checkpoint(ctx context.Context, run *schema.Run) error {
	run.UpdatedAt = time.Now().UTC()
	if _, err := m.store.SaveCheckpoint(ctx, run); err != nil {
		if rerr, ok := err.(*schema.RunError); ok {
			return rerr
		}
		return schema.NewError(schema.ErrCodeStore, "checkpoint save failed").WithCause(err)
	}
	return nil
}

// buildReport assembles per-step sections. Failed and skipped steps are
// surfaced as degraded sections rather than silently dropped.
func buildReport(run *schema.Run) *schema.Report {
	report := &schema.Report{}
	if run.Plan == nil {
		return report
	}
	for _, step := range run.Plan.Steps {
		section := schema.ReportSection{
			StepID: step.ID,
			Title:  step.Name,
		}
		if section.Title == "" {
			section.Title = step.ID
		}
		exec, ok := run.Steps[step.ID]
		if !ok {
			section.Status = schema.StepStatusPending
			section.Body = "Step did not run."
		} else {
			section.Status = exec.Status
			section.ArtifactIDs = exec.ArtifactIDs
			switch exec.Status {
			case schema.StepStatusSucceeded:
				section.Body = fmt.Sprintf("Completed in %d attempt(s), producing %d artifact(s).",
					exec.AttemptCount, len(exec.ArtifactIDs))
			case schema.StepStatusFailed:
				section.Body = "Degraded: step failed."
				if exec.Error != nil {
					section.Body = fmt.Sprintf("Degraded: step failed after %d attempt(s): %s",
						exec.AttemptCount, exec.Error.Message)
				}
			case schema.StepStatusSkipped:
				section.Body = "Degraded: step skipped."
				if exec.Error != nil {
					section.Body = "Degraded: " + exec.Error.Message
				}
			default:
				section.Body = fmt.Sprintf("Step ended in state %s.", exec.Status)
			}
		}
		report.Sections = append(report.Sections, section)
	}
	return report
}

// renderReport produces the markdown rendering of the report.
func renderReport(run *schema.Run, report *schema.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Analysis Report\n\n")
	fmt.Fprintf(&b, "**Task:** %s\n\n", run.Task)
	if report.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", report.Summary)
	}
	for _, s := range report.Sections {
		fmt.Fprintf(&b, "## %s\n\n", s.Title)
		fmt.Fprintf(&b, "Status: %s\n\n", s.Status)
		if s.Body != "" {
			fmt.Fprintf(&b, "%s\n\n", s.Body)
		}
		for _, id := range s.ArtifactIDs {
			fmt.Fprintf(&b, "- artifact `%s`\n", id)
		}
		if len(s.ArtifactIDs) > 0 {
			b.WriteString("\n")
		}
	}
	return b.String()
}
