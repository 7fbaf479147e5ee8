package reasoning

import (
	"context"
	"time"

	"github.com/avidal-labs/datarun/internal/executor"
	"github.com/avidal-labs/datarun/internal/registry"
	"github.com/avidal-labs/datarun/pkg/schema"
)

// Collaborator is the reasoning side of the engine: it turns a raw task into
// a structured understanding, builds plans over the registered tools,
// proposes repairs for failed steps, and writes the final summary. The
// engine never trusts it: everything it returns is validated before use.
type Collaborator interface {
	// Understand produces a structured reading of the task. Feedback from
	// a prior clarification round, if any, is folded in.
	Understand(ctx context.Context, task, feedback string) (*schema.TaskUnderstanding, error)

	// BuildPlan generates an executable plan over the given tools.
	BuildPlan(ctx context.Context, run *schema.Run, tools []registry.ToolInfo) (*schema.Plan, error)

	// RepairStep proposes revised inputs after a failed attempt.
	RepairStep(ctx context.Context, req *executor.RepairRequest) (*executor.RepairResponse, error)

	// Summarize writes the narrative summary of a finished run.
	Summarize(ctx context.Context, run *schema.Run) (string, error)
}

// WithTimeout wraps a Collaborator so every call is bounded. Reasoning calls
// go to an external model and must never stall the engine indefinitely.
func WithTimeout(inner Collaborator, timeout time.Duration) Collaborator {
	return &timeoutCollaborator{inner: inner, timeout: timeout}
}

type timeoutCollaborator struct {
	inner   Collaborator
	timeout time.Duration
}

func (t *timeoutCollaborator) Understand(ctx context.Context, task, feedback string) (*schema.TaskUnderstanding, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Understand(ctx, task, feedback)
}

func (t *timeoutCollaborator) BuildPlan(ctx context.Context, run *schema.Run, tools []registry.ToolInfo) (*schema.Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.BuildPlan(ctx, run, tools)
}

func (t *timeoutCollaborator) RepairStep(ctx context.Context, req *executor.RepairRequest) (*executor.RepairResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.RepairStep(ctx, req)
}

func (t *timeoutCollaborator) Summarize(ctx context.Context, run *schema.Run) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Summarize(ctx, run)
}
