package workflow

import (
	"github.com/avidal-labs/datarun/pkg/schema"
)

// ValidTransitions defines the allowed run state transitions. Terminal
// states admit none; failed and cancelled are reachable from every
// non-terminal state (encoded explicitly below).
var ValidTransitions = map[schema.RunState][]schema.RunState{
	schema.RunStateCreated: {
		schema.RunStateUnderstanding,
		schema.RunStateFailed, schema.RunStateCancelled,
	},
	schema.RunStateUnderstanding: {
		schema.RunStateAwaitingFeedback, schema.RunStatePlanning,
		schema.RunStateFailed, schema.RunStateCancelled,
	},
	schema.RunStateAwaitingFeedback: {
		schema.RunStateUnderstanding,
		schema.RunStateFailed, schema.RunStateCancelled,
	},
	schema.RunStatePlanning: {
		schema.RunStateNeedsConfirmation, schema.RunStateExecuting,
		schema.RunStateFailed, schema.RunStateCancelled,
	},
	schema.RunStateNeedsConfirmation: {
		schema.RunStateExecuting, schema.RunStatePlanning,
		schema.RunStateFailed, schema.RunStateCancelled,
	},
	schema.RunStateExecuting: {
		schema.RunStateReporting,
		schema.RunStateFailed, schema.RunStateCancelled,
	},
	schema.RunStateReporting: {
		schema.RunStateCompleted,
		schema.RunStateFailed, schema.RunStateCancelled,
	},
	schema.RunStateCompleted: {},
	schema.RunStateFailed:    {},
	schema.RunStateCancelled: {},
}

func isValidTransition(from, to schema.RunState) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// transition validates and applies a state change on the run. The caller is
// responsible for checkpointing the new state.
func transition(run *schema.Run, to schema.RunState) error {
	if !isValidTransition(run.State, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", run.State, to).
			WithDetails(map[string]any{"run_id": run.ID, "from": string(run.State), "to": string(to)})
	}
	run.State = to
	return nil
}
