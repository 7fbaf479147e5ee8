package schema

import "time"

// RunState represents the lifecycle phase of a run.
type RunState string

const (
	RunStateCreated           RunState = "created"
	RunStateUnderstanding     RunState = "understanding"
	RunStateAwaitingFeedback  RunState = "awaiting_feedback"
	RunStatePlanning          RunState = "planning"
	RunStateNeedsConfirmation RunState = "needs_confirmation"
	RunStateExecuting         RunState = "executing"
	RunStateReporting         RunState = "reporting"
	RunStateCompleted         RunState = "completed"
	RunStateFailed            RunState = "failed"
	RunStateCancelled         RunState = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateFailed || s == RunStateCancelled
}

// StepStatus represents the lifecycle state of a step execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the step status is final.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusSkipped
}

// Run is the full execution state of one end-to-end task, from understanding
// through reporting. It is the payload of every checkpoint; everything the
// engine needs to resume after a crash lives here.
type Run struct {
	ID            string                    `json:"id"`
	Task          string                    `json:"task"`
	State         RunState                  `json:"state"`
	Understanding *TaskUnderstanding        `json:"understanding,omitempty"`
	Plan          *Plan                     `json:"plan,omitempty"`
	Steps         map[string]*StepExecution `json:"steps,omitempty"`
	Artifacts     []Artifact                `json:"artifacts,omitempty"`
	Confirmation  *ConfirmationRecord       `json:"confirmation,omitempty"`
	Feedback      string                    `json:"feedback,omitempty"`
	Report        *Report                   `json:"report,omitempty"`
	Error         *RunError                 `json:"error,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
	CompletedAt   *time.Time                `json:"completed_at,omitempty"`
}

// StepExecution is the mutable per-step execution record across attempts.
type StepExecution struct {
	StepID       string          `json:"step_id"`
	Status       StepStatus      `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	Attempts     []AttemptResult `json:"attempts,omitempty"`
	ArtifactIDs  []string        `json:"artifact_ids,omitempty"`
	Error        *RunError       `json:"error,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// AttemptResult records one execution attempt, including the inputs actually
// used after binding and repair. Failed attempts are never dropped, even when
// a later attempt succeeds.
type AttemptResult struct {
	Attempt     int            `json:"attempt"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	OK          bool           `json:"ok"`
	Error       *RunError      `json:"error,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"` // kept on success for downstream bindings
	ArtifactIDs []string       `json:"artifact_ids,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// ConfirmationRecord captures the pending or resolved human confirmation for
// a plan. Deadline is persisted so a resumed run waits only the remainder.
type ConfirmationRecord struct {
	PlanID      string     `json:"plan_id"`
	RequestedAt time.Time  `json:"requested_at"`
	Deadline    time.Time  `json:"deadline"`
	Decision    string     `json:"decision,omitempty"` // approve | reject | cancel
	Feedback    string     `json:"feedback,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Confirmation decisions delivered by the confirmation channel.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionCancel  = "cancel"
)

// Report is the output of the reporting phase. Sections for failed or skipped
// steps are marked degraded rather than omitted silently.
type Report struct {
	Summary  string          `json:"summary"`
	Sections []ReportSection `json:"sections,omitempty"`
	Rendered string          `json:"rendered,omitempty"`
}

// ReportSection describes one step's contribution to the report.
type ReportSection struct {
	StepID      string     `json:"step_id"`
	Title       string     `json:"title"`
	Status      StepStatus `json:"status"`
	Body        string     `json:"body,omitempty"`
	ArtifactIDs []string   `json:"artifact_ids,omitempty"`
}
