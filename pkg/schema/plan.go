package schema

// DefaultMaxAttempts is one original execution plus two repair attempts.
const DefaultMaxAttempts = 3

// Plan is an ordered sequence of steps produced by the planning phase.
// Immutable once confirmed, except for step-level execution state which
// lives in StepExecution, not here.
type Plan struct {
	ID            string   `json:"plan_id"`
	RunID         string   `json:"run_id"`
	Version       int      `json:"version"`
	Steps         []Step   `json:"steps"`
	EstimatedCost PlanCost `json:"estimated_cost"`
	Risks         []string `json:"risks,omitempty"`
}

// Step is one planned tool invocation. Input values are either literals or
// symbolic binding references of the form "${{ steps.<id>.artifact }}" or
// "${{ steps.<id>.payload | <jq> }}", resolved at execution time.
type Step struct {
	ID          string         `json:"step_id"`
	Name        string         `json:"name,omitempty"`
	Tool        string         `json:"tool"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
	Timeout     string         `json:"timeout,omitempty"` // per-attempt tool timeout, e.g. "30s"
}

// EffectiveMaxAttempts returns the configured max attempts or the default.
func (s *Step) EffectiveMaxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return DefaultMaxAttempts
}

// PlanCost is the planner's resource estimate, surfaced at confirmation and
// consumed by the auto-approve policy.
type PlanCost struct {
	DBQueries    int `json:"db_queries"`
	ExpectedRows int `json:"expected_rows"`
	RuntimeS     int `json:"runtime_s"`
	MemoryMB     int `json:"memory_mb"`
}

// StepByID returns the step with the given ID, or nil.
func (p *Plan) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}
