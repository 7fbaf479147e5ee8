package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/avidal-labs/datarun/internal/checkpoint"
	"github.com/avidal-labs/datarun/internal/contract"
	"github.com/avidal-labs/datarun/internal/expressions"
	"github.com/avidal-labs/datarun/internal/logging"
	"github.com/avidal-labs/datarun/internal/manifest"
	"github.com/avidal-labs/datarun/internal/registry"
	"github.com/avidal-labs/datarun/pkg/schema"
)

// DefaultStepTimeout bounds a single tool invocation when the plan does not
// set one.
const DefaultStepTimeout = 2 * time.Minute

// RepairRequest carries everything a repairer needs to propose revised
// inputs for a failed attempt.
type RepairRequest struct {
	Run      *schema.Run
	Step     *schema.Step
	Attempt  int
	Inputs   map[string]any
	Failure  *schema.RunError
	Contract registry.Contract
}

// RepairResponse is the repairer's proposal for the next attempt. Inputs may
// contain binding references, which are re-resolved before the retry.
type RepairResponse struct {
	Inputs  map[string]any
	Reason  string
	Abandon bool
}

// Repairer proposes revised inputs after a failed attempt. Implementations
// are typically LLM-backed; a nil Repairer makes the executor retry with
// unchanged inputs.
type Repairer interface {
	RepairStep(ctx context.Context, req *RepairRequest) (*RepairResponse, error)
}

// Executor drives plan steps in dependency order: bind, pre-validate with
// artifact auto-injection, invoke, classify, and decide. Every state change
// is checkpointed before the next externally visible action, and terminal
// steps are never re-executed on resume.
type Executor struct {
	registry  *registry.Registry
	validator *contract.Validator
	binder    *Binder
	classify  *classifier
	store     checkpoint.Store
	repairer  Repairer
	logger    *slog.Logger

	stepTimeout time.Duration
}

// Config assembles an Executor.
type Config struct {
	Registry  *registry.Registry
	Validator *contract.Validator
	JQ        *expressions.JQEngine
	Expr      *expressions.ExprEngine
	Store     checkpoint.Store
	Repairer  Repairer
	Logger    *slog.Logger

	// StepTimeout bounds each attempt when the step sets none.
	StepTimeout time.Duration
}

// New creates an Executor.
func New(cfg Config) *Executor {
	timeout := cfg.StepTimeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:    cfg.Registry,
		validator:   cfg.Validator,
		binder:      NewBinder(cfg.JQ),
		classify:    newClassifier(cfg.Expr),
		store:       cfg.Store,
		repairer:    cfg.Repairer,
		logger:      logger,
		stepTimeout: timeout,
	}
}

// Execute runs the plan attached to the run. It returns an error only for
// engine-level failures (cancellation, storage); step failures are recorded
// on the run and cascade as skips to dependents, leaving independent steps
// to proceed.
func (e *Executor) Execute(ctx context.Context, run *schema.Run) error {
	dag, err := ParseDAG(run.Plan)
	if err != nil {
		return err
	}

	if run.Steps == nil {
		run.Steps = make(map[string]*schema.StepExecution, len(run.Plan.Steps))
	}
	man := manifest.New(run.Artifacts)

	for _, stepID := range dag.Sorted {
		if ctx.Err() != nil {
			return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(ctx.Err())
		}

		exec := ensureStepExecution(run, stepID)
		if exec.Status.IsTerminal() {
			// Resumed runs never re-execute finished steps.
			continue
		}

		if blocked, blocker := blockedByDependency(run, dag, stepID); blocked {
			e.markSkipped(run, exec, blocker)
			if err := e.checkpointRun(ctx, run, man); err != nil {
				return err
			}
			continue
		}

		if err := e.executeStep(ctx, run, dag, man, dag.Steps[stepID], exec); err != nil {
			return err
		}
	}

	run.Artifacts = man.All()
	return nil
}

// executeStep drives one step through its bounded attempt loop.
func (e *Executor) executeStep(ctx context.Context, run *schema.Run, dag *DAG, man *manifest.Manifest, step *schema.Step, exec *schema.StepExecution) error {
	ctx = logging.WithStepID(ctx, step.ID)

	tool, err := e.registry.Get(step.Tool)
	if err != nil {
		// Unknown tools are a plan defect no repair can fix.
		rerr := schema.NewErrorf(schema.ErrCodeValidation, "plan references unknown tool %q", step.Tool).
			WithStep(step.ID).WithCause(err)
		return e.failStep(ctx, run, dag, man, exec, rerr)
	}
	toolContract := tool.Contract()

	timeout, rerr := stepTimeout(step, e.stepTimeout)
	if rerr != nil {
		return e.failStep(ctx, run, dag, man, exec, rerr.WithStep(step.ID))
	}

	maxAttempts := step.EffectiveMaxAttempts()
	currentInputs := step.Inputs

	if exec.StartedAt == nil {
		now := time.Now().UTC()
		exec.StartedAt = &now
	}

	for attempt := exec.AttemptCount + 1; attempt <= maxAttempts; attempt++ {
		exec.Status = schema.StepStatusRunning
		exec.AttemptCount = attempt
		started := time.Now().UTC()

		e.logger.InfoContext(ctx, "step attempt starting",
			slog.String("tool", step.Tool),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts))

		resolved, payload, artifactIDs, stepErr := e.attempt(ctx, run, man, step, tool, toolContract, currentInputs, timeout, attempt)

		result := schema.AttemptResult{
			Attempt:     attempt,
			Inputs:      resolved,
			OK:          stepErr == nil,
			Error:       stepErr,
			Payload:     payload,
			ArtifactIDs: artifactIDs,
			StartedAt:   started,
			CompletedAt: time.Now().UTC(),
		}
		exec.Attempts = append(exec.Attempts, result)

		if stepErr == nil {
			exec.Status = schema.StepStatusSucceeded
			exec.Error = nil
			exec.ArtifactIDs = append(exec.ArtifactIDs, artifactIDs...)
			now := time.Now().UTC()
			exec.CompletedAt = &now

			e.logger.InfoContext(ctx, "step succeeded",
				slog.Int("attempt", attempt),
				slog.Int("artifacts", len(artifactIDs)))
			return e.checkpointRun(ctx, run, man)
		}

		if !stepErr.IsStepLevel() {
			return stepErr
		}

		exec.Error = stepErr
		e.logger.WarnContext(ctx, "step attempt failed",
			slog.Int("attempt", attempt),
			slog.String("code", stepErr.Code),
			slog.String("error", stepErr.Message))

		// Persist the failed attempt before repairing or retrying.
		if err := e.checkpointRun(ctx, run, man); err != nil {
			return err
		}

		if attempt >= maxAttempts {
			break
		}
		abandon, next := e.repair(ctx, run, step, toolContract, attempt, resolved, stepErr)
		if abandon {
			break
		}
		if next != nil {
			currentInputs = next
		}
	}

	exhausted := schema.NewErrorf(schema.ErrCodeRepairExhausted,
		"step failed after %d attempts", exec.AttemptCount).
		WithStep(step.ID).
		WithCause(exec.Error)
	if exec.Error != nil {
		exhausted.Details = map[string]any{"last_error_code": exec.Error.Code}
	}
	return e.failStep(ctx, run, dag, man, exec, exhausted)
}

// attempt performs one bind → validate → invoke → classify pass. Returned
// inputs are the resolved values actually sent to the tool.
func (e *Executor) attempt(ctx context.Context, run *schema.Run, man *manifest.Manifest, step *schema.Step, tool registry.Tool, toolContract registry.Contract, inputs map[string]any, timeout time.Duration, attempt int) (map[string]any, map[string]any, []string, *schema.RunError) {
	symbolic := &schema.Step{ID: step.ID, Tool: step.Tool, Inputs: inputs}
	resolved, err := e.binder.Resolve(ctx, symbolic, run, man)
	if err != nil {
		return nil, nil, nil, asRunError(err, step.ID)
	}

	resolved, rerr := e.injectArtifacts(step.ID, toolContract, resolved, man)
	if rerr != nil {
		return resolved, nil, nil, rerr
	}

	validated, err := e.validator.ValidateInput(toolContract.InputSchema, resolved)
	if err != nil {
		return resolved, nil, nil, asRunError(err, step.ID)
	}

	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	outcome, invokeErr := tool.Invoke(invokeCtx, validated)
	cancel()
	if invokeErr != nil {
		return validated, nil, nil, classifyInvocation(step.ID, invokeErr)
	}

	if rerr := e.classify.classifyOutcome(ctx, step.ID, toolContract, outcome); rerr != nil {
		return validated, nil, nil, rerr
	}

	payload, err := e.validator.ValidateOutput(toolContract.OutputSchema, outcome.Payload)
	if err != nil {
		return validated, nil, nil, asRunError(err, step.ID)
	}

	// Materialize artifacts only after the outcome passed every check, so
	// the manifest never records output of a failed attempt.
	artifactIDs := make([]string, 0, len(outcome.Artifacts))
	for _, spec := range outcome.Artifacts {
		art := schema.Artifact{
			ID:              schema.NewArtifactID(),
			ProducingStepID: step.ID,
			Attempt:         attempt,
			Type:            spec.Type,
			Location:        spec.Location,
			SchemaMetadata:  spec.SchemaMetadata,
			Payload:         spec.Payload,
			Description:     spec.Description,
			CreatedAt:       time.Now().UTC(),
		}
		man.Append(art)
		artifactIDs = append(artifactIDs, art.ID)
	}

	return validated, payload, artifactIDs, nil
}

// injectArtifacts fills required inputs the plan left unbound, when the tool
// declares an artifact type for them and the manifest holds exactly one
// candidate. Ambiguity is an error; absence is left for schema validation to
// report.
func (e *Executor) injectArtifacts(stepID string, toolContract registry.Contract, inputs map[string]any, man *manifest.Manifest) (map[string]any, *schema.RunError) {
	if len(toolContract.ArtifactInputs) == 0 {
		return inputs, nil
	}
	missing := contract.MissingRequired(toolContract.InputSchema, inputs)
	for _, field := range missing {
		artifactType, ok := toolContract.ArtifactInputs[field]
		if !ok {
			continue
		}
		art, count := man.UniqueByType(artifactType)
		switch {
		case count == 1:
			inputs[field] = art.Location
		case count > 1:
			return inputs, schema.NewErrorf(schema.ErrCodeValidation,
				"cannot auto-inject %q: %d artifacts of type %q are candidates", field, count, artifactType).
				WithStep(stepID).
				WithDetails(map[string]any{"field": field, "artifact_type": artifactType, "candidates": count})
		}
	}
	return inputs, nil
}

// repair consults the repairer for revised inputs. Repairer errors degrade
// to a plain retry with unchanged inputs.
func (e *Executor) repair(ctx context.Context, run *schema.Run, step *schema.Step, toolContract registry.Contract, attempt int, inputs map[string]any, failure *schema.RunError) (bool, map[string]any) {
	if e.repairer == nil {
		return false, nil
	}
	resp, err := e.repairer.RepairStep(ctx, &RepairRequest{
		Run:      run,
		Step:     step,
		Attempt:  attempt,
		Inputs:   inputs,
		Failure:  failure,
		Contract: toolContract,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "repair failed, retrying with unchanged inputs",
			slog.String("error", err.Error()))
		return false, nil
	}
	if resp == nil {
		return false, nil
	}
	if resp.Abandon {
		e.logger.InfoContext(ctx, "repairer abandoned step", slog.String("reason", resp.Reason))
		return true, nil
	}
	if resp.Reason != "" {
		e.logger.InfoContext(ctx, "repairer proposed revised inputs", slog.String("reason", resp.Reason))
	}
	return false, resp.Inputs
}

// failStep marks a step terminally failed and skips its transitive
// dependents in one checkpoint.
func (e *Executor) failStep(ctx context.Context, run *schema.Run, dag *DAG, man *manifest.Manifest, exec *schema.StepExecution, rerr *schema.RunError) error {
	exec.Status = schema.StepStatusFailed
	exec.Error = rerr
	now := time.Now().UTC()
	exec.CompletedAt = &now

	e.logger.ErrorContext(ctx, "step failed terminally",
		slog.String("step_id", exec.StepID),
		slog.String("code", rerr.Code),
		slog.String("error", rerr.Message))

	for _, depID := range dag.Descendants(exec.StepID) {
		depExec := ensureStepExecution(run, depID)
		if depExec.Status.IsTerminal() {
			continue
		}
		e.markSkipped(run, depExec, exec.StepID)
	}
	return e.checkpointRun(ctx, run, man)
}

func (e *Executor) markSkipped(run *schema.Run, exec *schema.StepExecution, blocker string) {
	now := time.Now().UTC()
	exec.Status = schema.StepStatusSkipped
	exec.Error = schema.NewErrorf(schema.ErrCodeSkipped,
		"skipped because dependency %q did not succeed", blocker).
		WithStep(exec.StepID).
		WithDetails(map[string]any{"blocked_by": blocker})
	exec.CompletedAt = &now
}

func (e *Executor) checkpointRun(ctx context.Context, run *schema.Run, man *manifest.Manifest) error {
	run.Artifacts = man.All()
	run.UpdatedAt = time.Now().UTC()
	if _, err := e.store.SaveCheckpoint(ctx, run); err != nil {
		if rerr, ok := err.(*schema.RunError); ok {
			return rerr
		}
		return schema.NewError(schema.ErrCodeStore, "checkpoint save failed").WithCause(err)
	}
	return nil
}

func ensureStepExecution(run *schema.Run, stepID string) *schema.StepExecution {
	if exec, ok := run.Steps[stepID]; ok {
		return exec
	}
	exec := &schema.StepExecution{StepID: stepID, Status: schema.StepStatusPending}
	run.Steps[stepID] = exec
	return exec
}

// blockedByDependency reports whether any dependency of the step ended in a
// non-succeeded terminal state, returning the first blocker.
func blockedByDependency(run *schema.Run, dag *DAG, stepID string) (bool, string) {
	for _, dep := range dag.Edges[stepID] {
		exec, ok := run.Steps[dep]
		if !ok || exec.Status != schema.StepStatusSucceeded {
			return true, dep
		}
	}
	return false, ""
}

func stepTimeout(step *schema.Step, fallback time.Duration) (time.Duration, *schema.RunError) {
	if step.Timeout == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(step.Timeout)
	if err != nil || d <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "step has invalid timeout %q", step.Timeout)
	}
	return d, nil
}

func asRunError(err error, stepID string) *schema.RunError {
	if rerr, ok := err.(*schema.RunError); ok {
		if rerr.StepID == "" {
			return rerr.WithStep(stepID)
		}
		return rerr
	}
	return schema.NewError(schema.ErrCodeValidation, err.Error()).WithStep(stepID).WithCause(err)
}
