package registry

import (
	"context"
	"encoding/json"

	"github.com/avidal-labs/datarun/pkg/schema"
)

// Contract declares a tool's data interface: the JSON Schemas its inputs and
// outputs must satisfy, plus metadata the executor uses around invocation.
type Contract struct {
	// Description is a human and planner facing summary of the tool.
	Description string `json:"description,omitempty"`

	// InputSchema validates the bound inputs before invocation.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// OutputSchema validates the payload of a successful outcome.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	// NonEmpty is an optional expr predicate over the outcome payload.
	// When it evaluates false, a structurally valid result is reclassified
	// as an empty-result failure (e.g. "len(rows) > 0").
	NonEmpty string `json:"non_empty,omitempty"`

	// ArtifactInputs maps required input parameter names to the artifact
	// type that can satisfy them by auto-injection when the plan leaves
	// them unbound (e.g. {"dataset": "table"}).
	ArtifactInputs map[string]string `json:"artifact_inputs,omitempty"`
}

// Tool is an invokable capability with a declared contract. Implementations
// must be safe for concurrent invocation.
type Tool interface {
	// Name returns the unique registry name of the tool.
	Name() string

	// Contract returns the tool's declared data contract.
	Contract() Contract

	// Invoke runs the tool with validated inputs. Domain failures are
	// reported inside the outcome (OK=false); a non-nil error means the
	// invocation itself broke (process death, context cancellation).
	Invoke(ctx context.Context, inputs map[string]any) (*schema.ToolOutcome, error)
}

// ToolInfo is a summary entry for listing registered tools.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ToolFunc adapts a function into a Tool.
type ToolFunc struct {
	ToolName     string
	ToolContract Contract
	Fn           func(ctx context.Context, inputs map[string]any) (*schema.ToolOutcome, error)
}

func (t *ToolFunc) Name() string       { return t.ToolName }
func (t *ToolFunc) Contract() Contract { return t.ToolContract }

func (t *ToolFunc) Invoke(ctx context.Context, inputs map[string]any) (*schema.ToolOutcome, error) {
	return t.Fn(ctx, inputs)
}
