package workflow

import (
	"context"
	"encoding/json"

	"github.com/avidal-labs/datarun/internal/expressions"
	"github.com/avidal-labs/datarun/pkg/schema"
)

// ConfirmationPolicy decides whether a plan may skip human confirmation.
// The rule is a CEL expression over {plan, understanding, run}; an empty
// rule means every plan needs a human.
type ConfirmationPolicy struct {
	cel  *expressions.CELEngine
	rule string
}

// NewConfirmationPolicy creates a policy with the given auto-approve rule.
func NewConfirmationPolicy(cel *expressions.CELEngine, rule string) *ConfirmationPolicy {
	return &ConfirmationPolicy{cel: cel, rule: rule}
}

// AutoApprove evaluates the rule against the run's current plan. Evaluation
// errors are returned so a broken rule fails loudly instead of silently
// approving.
func (p *ConfirmationPolicy) AutoApprove(ctx context.Context, run *schema.Run) (bool, error) {
	if p == nil || p.rule == "" {
		return false, nil
	}

	plan, err := toMap(run.Plan)
	if err != nil {
		return false, err
	}
	understanding, err := toMap(run.Understanding)
	if err != nil {
		return false, err
	}
	data := map[string]any{
		"plan":          plan,
		"understanding": understanding,
		"run":           map[string]any{"run_id": run.ID, "task": run.Task},
	}
	return p.cel.EvaluateBool(ctx, p.rule, data)
}

func toMap(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "marshal policy input").WithCause(err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "unmarshal policy input").WithCause(err)
	}
	return out, nil
}
