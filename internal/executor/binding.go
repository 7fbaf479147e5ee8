package executor

import (
	"context"
	"regexp"
	"strings"

	"github.com/avidal-labs/datarun/internal/expressions"
	"github.com/avidal-labs/datarun/internal/manifest"
	"github.com/avidal-labs/datarun/pkg/schema"
)

// Binding references have the form "${{ steps.<id>.<selector> }}", where
// selector is one of:
//
//	artifact            → the location of the step's latest artifact
//	artifact_id         → the ID of the step's latest artifact
//	payload             → the step's successful output payload
//	payload | <jq>      → a jq expression over the payload
//
// A string input is treated as a binding only when the whole value is one
// reference; literals pass through untouched.
var bindingPattern = regexp.MustCompile(`^\$\{\{\s*steps\.([A-Za-z0-9_.-]+)\.(artifact_id|artifact|payload)\s*(?:\|(.+?))?\s*\}\}$`)

// Binder resolves symbolic binding references in step inputs into concrete
// values drawn from prior step results and the artifact manifest.
type Binder struct {
	jq *expressions.JQEngine
}

// NewBinder creates a Binder using the given jq engine.
func NewBinder(jq *expressions.JQEngine) *Binder {
	return &Binder{jq: jq}
}

// Resolve returns a copy of the step's inputs with every binding reference
// replaced by its concrete value. References to steps that have not produced
// the requested data fail with a step-scoped VALIDATION_ERROR.
func (b *Binder) Resolve(ctx context.Context, step *schema.Step, run *schema.Run, man *manifest.Manifest) (map[string]any, error) {
	resolved := make(map[string]any, len(step.Inputs))
	for key, value := range step.Inputs {
		v, err := b.resolveValue(ctx, value, run, man)
		if err != nil {
			if rerr, ok := err.(*schema.RunError); ok {
				return nil, rerr.WithStep(step.ID)
			}
			return nil, err
		}
		resolved[key] = v
	}
	return resolved, nil
}

func (b *Binder) resolveValue(ctx context.Context, value any, run *schema.Run, man *manifest.Manifest) (any, error) {
	switch v := value.(type) {
	case string:
		m := bindingPattern.FindStringSubmatch(v)
		if m == nil {
			return v, nil
		}
		return b.resolveRef(ctx, m[1], m[2], strings.TrimSpace(m[3]), run, man)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			r, err := b.resolveValue(ctx, inner, run, man)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			r, err := b.resolveValue(ctx, inner, run, man)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func (b *Binder) resolveRef(ctx context.Context, stepID, selector, jqExpr string, run *schema.Run, man *manifest.Manifest) (any, error) {
	switch selector {
	case "artifact", "artifact_id":
		art, ok := man.LatestByProducer(stepID)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"binding references step %q which produced no artifact", stepID)
		}
		if selector == "artifact_id" {
			return art.ID, nil
		}
		return art.Location, nil

	case "payload":
		payload, ok := latestPayload(run, stepID)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"binding references step %q which has no successful payload", stepID)
		}
		if jqExpr == "" {
			return payload, nil
		}
		return b.jq.Evaluate(ctx, jqExpr, payload)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown binding selector %q", selector)
	}
}

// latestPayload returns the payload of the step's most recent successful attempt.
func latestPayload(run *schema.Run, stepID string) (map[string]any, bool) {
	exec, ok := run.Steps[stepID]
	if !ok {
		return nil, false
	}
	for i := len(exec.Attempts) - 1; i >= 0; i-- {
		if exec.Attempts[i].OK {
			return exec.Attempts[i].Payload, true
		}
	}
	return nil, false
}

// bindingRefs extracts the step IDs referenced by binding expressions in the
// given inputs, including nested maps and slices.
func bindingRefs(inputs map[string]any) []string {
	var refs []string
	var walk func(value any)
	walk = func(value any) {
		switch v := value.(type) {
		case string:
			if m := bindingPattern.FindStringSubmatch(v); m != nil {
				refs = append(refs, m[1])
			}
		case map[string]any:
			for _, inner := range v {
				walk(inner)
			}
		case []any:
			for _, inner := range v {
				walk(inner)
			}
		}
	}
	for _, v := range inputs {
		walk(v)
	}
	return refs
}
