package tools

import (
	"context"
	"fmt"

	"github.com/avidal-labs/datarun/internal/expressions"
	"github.com/avidal-labs/datarun/internal/registry"
	"github.com/avidal-labs/datarun/pkg/schema"
)

var jqInputSchema = []byte(`{
	"type": "object",
	"properties": {
		"expression": {"type": "string", "minLength": 1},
		"data": {"type": ["object", "array"]}
	},
	"required": ["expression", "data"],
	"additionalProperties": false
}`)

var jqOutputSchema = []byte(`{
	"type": "object",
	"properties": {
		"result": {}
	},
	"required": ["result"]
}`)

// JQTool reshapes JSON data with a jq expression. Used by plans to filter
// or aggregate a prior step's payload into the shape the next tool needs.
type JQTool struct {
	engine *expressions.JQEngine
}

// NewJQTool creates the jq tool over a shared engine.
func NewJQTool(engine *expressions.JQEngine) *JQTool {
	return &JQTool{engine: engine}
}

func (t *JQTool) Name() string { return "jq" }

func (t *JQTool) Contract() registry.Contract {
	return registry.Contract{
		Description:  "Transform JSON data with a jq expression",
		InputSchema:  jqInputSchema,
		OutputSchema: jqOutputSchema,
		NonEmpty:     "result != nil",
	}
}

func (t *JQTool) Invoke(ctx context.Context, inputs map[string]any) (*schema.ToolOutcome, error) {
	expression, _ := inputs["expression"].(string)

	// Arrays are wrapped so the engine always receives an object root.
	var data map[string]any
	switch d := inputs["data"].(type) {
	case map[string]any:
		data = d
		// The expression runs against the data object directly.
	case []any:
		data = map[string]any{"items": d}
		expression = ".items | " + expression
	default:
		return &schema.ToolOutcome{
			OK:    false,
			Error: &schema.ErrorInfo{Code: schema.ErrCodeValidation, Message: "data must be an object or array"},
		}, nil
	}

	result, err := t.engine.Evaluate(ctx, expression, data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &schema.ToolOutcome{
			OK:    false,
			Error: &schema.ErrorInfo{Code: schema.ErrCodeToolExecution, Message: fmt.Sprintf("jq evaluation failed: %v", err)},
		}, nil
	}

	return &schema.ToolOutcome{
		OK:      true,
		Payload: map[string]any{"result": result},
	}, nil
}

var _ registry.Tool = (*JQTool)(nil)
