package executor

import (
	"fmt"
	"sort"

	"github.com/avidal-labs/datarun/pkg/schema"
)

// DAG is the in-memory dependency graph of a plan. Built once per execution,
// used to determine step order and to cascade skips to dependents.
type DAG struct {
	Steps   map[string]*schema.Step // step ID → definition
	Edges   map[string][]string     // step ID → dependencies
	Reverse map[string][]string     // step ID → dependents (who depends on me)
	Sorted  []string                // topological order
	Roots   []string                // steps with no dependencies
}

// ParseDAG builds an executable DAG from a plan. It validates the plan
// structure, merges declared depends_on edges with dependencies implied by
// binding references in step inputs, performs a topological sort using
// Kahn's algorithm, and detects cycles.
func ParseDAG(plan *schema.Plan) (*DAG, error) {
	if plan == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan is nil")
	}
	if len(plan.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan has no steps")
	}

	dag := &DAG{
		Steps:   make(map[string]*schema.Step, len(plan.Steps)),
		Edges:   make(map[string][]string, len(plan.Steps)),
		Reverse: make(map[string][]string, len(plan.Steps)),
	}

	// First pass: register all steps and check for duplicates.
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("step at index %d has empty ID", i))
		}
		if _, exists := dag.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
		}
		if step.Tool == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has no tool name", step.ID)
		}
		dag.Steps[step.ID] = step
	}

	// Second pass: build adjacency lists from declared and implied deps.
	for id, step := range dag.Steps {
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))

		addDep := func(dep string) error {
			if _, exists := dag.Steps[dep]; !exists {
				return schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on non-existent step: %s", id, dep)
			}
			if dep == id {
				return schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", id)
			}
			if seen[dep] {
				return nil
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
			return nil
		}

		for _, dep := range step.DependsOn {
			if err := addDep(dep); err != nil {
				return nil, err
			}
		}
		// Binding references imply an edge even when depends_on omits it.
		for _, ref := range bindingRefs(step.Inputs) {
			if err := addDep(ref); err != nil {
				return nil, err
			}
		}
		dag.Edges[id] = deps
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Steps))
	for id := range dag.Steps {
		inDegree[id] = len(dag.Edges[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	// Sort roots for deterministic ordering.
	sort.Strings(queue)
	dag.Roots = make([]string, len(queue))
	copy(dag.Roots, queue)

	sorted := make([]string, 0, len(dag.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := make([]string, len(dag.Reverse[node]))
		copy(dependents, dag.Reverse[node])
		sort.Strings(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(dag.Steps) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "plan contains a dependency cycle")
	}
	dag.Sorted = sorted

	return dag, nil
}

// Descendants returns every transitive dependent of the given step, sorted.
// Used to cascade skips when a step exhausts its attempts.
func (d *DAG) Descendants(stepID string) []string {
	visited := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		for _, dep := range d.Reverse[id] {
			if !visited[dep] {
				visited[dep] = true
				visit(dep)
			}
		}
	}
	visit(stepID)

	out := make([]string, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
