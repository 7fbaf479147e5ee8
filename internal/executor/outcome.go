package executor

import (
	"context"
	"errors"

	"github.com/avidal-labs/datarun/internal/expressions"
	"github.com/avidal-labs/datarun/internal/registry"
	"github.com/avidal-labs/datarun/pkg/schema"
)

// classifier turns raw invocation results into step-level errors, including
// the reclassification of structurally valid but empty payloads. A tool that
// declares no non-empty predicate accepts empty results as valid.
type classifier struct {
	expr *expressions.ExprEngine
}

func newClassifier(expr *expressions.ExprEngine) *classifier {
	return &classifier{expr: expr}
}

// classifyInvocation converts a transport-level invocation error into a
// step-level RunError.
func classifyInvocation(stepID string, err error) *schema.RunError {
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "tool invocation timed out").
			WithStep(stepID).WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "tool invocation cancelled").
			WithStep(stepID).WithCause(err)
	}
	if rerr, ok := err.(*schema.RunError); ok {
		return rerr.WithStep(stepID)
	}
	return schema.NewError(schema.ErrCodeToolExecution, err.Error()).
		WithStep(stepID).WithCause(err)
}

// classifyOutcome inspects a returned outcome. A nil result means success.
func (c *classifier) classifyOutcome(ctx context.Context, stepID string, contract registry.Contract, outcome *schema.ToolOutcome) *schema.RunError {
	if outcome == nil {
		return schema.NewError(schema.ErrCodeToolExecution, "tool returned no outcome").WithStep(stepID)
	}

	if !outcome.OK {
		msg := "tool reported failure"
		code := schema.ErrCodeToolExecution
		if outcome.Error != nil {
			if outcome.Error.Message != "" {
				msg = outcome.Error.Message
			}
			if outcome.Error.Code != "" {
				code = outcome.Error.Code
			}
		}
		return schema.NewError(code, msg).WithStep(stepID)
	}

	if contract.NonEmpty == "" {
		return nil
	}

	nonEmpty, err := c.expr.EvaluatePredicate(ctx, contract.NonEmpty, outcome.Payload)
	if err != nil {
		// A broken predicate is a contract defect, not an empty result.
		if rerr, ok := err.(*schema.RunError); ok {
			return rerr.WithStep(stepID)
		}
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithStep(stepID).WithCause(err)
	}
	if !nonEmpty {
		return schema.NewError(schema.ErrCodeEmptyResult,
			"tool succeeded but produced an empty result").
			WithStep(stepID).
			WithDetails(map[string]any{"predicate": contract.NonEmpty})
	}
	return nil
}
