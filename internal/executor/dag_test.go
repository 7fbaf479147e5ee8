package executor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avidal-labs/datarun/pkg/schema"
)

func planOf(steps ...schema.Step) *schema.Plan {
	return &schema.Plan{ID: "plan_1", RunID: "run_1", Version: 1, Steps: steps}
}

func TestParseDAG_TopologicalOrder(t *testing.T) {
	plan := planOf(
		schema.Step{ID: "report", Tool: "report.render", DependsOn: []string{"profile"}},
		schema.Step{ID: "load", Tool: "sql.query"},
		schema.Step{ID: "profile", Tool: "table.profile", DependsOn: []string{"load"}},
	)

	dag, err := ParseDAG(plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"load", "profile", "report"}, dag.Sorted)
	assert.Equal(t, []string{"load"}, dag.Roots)
}

func TestParseDAG_BindingImpliesEdge(t *testing.T) {
	plan := planOf(
		schema.Step{ID: "load", Tool: "sql.query"},
		schema.Step{ID: "profile", Tool: "table.profile", Inputs: map[string]any{
			"dataset": "${{ steps.load.artifact }}",
		}},
	)

	dag, err := ParseDAG(plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"load"}, dag.Edges["profile"])
	assert.Equal(t, []string{"load", "profile"}, dag.Sorted)
}

func TestParseDAG_NestedBindingImpliesEdge(t *testing.T) {
	plan := planOf(
		schema.Step{ID: "query", Tool: "sql.query"},
		schema.Step{ID: "shape", Tool: "jq", Inputs: map[string]any{
			"data": map[string]any{"inner": []any{"${{ steps.query.payload | .rows }}"}},
		}},
	)

	dag, err := ParseDAG(plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"query"}, dag.Edges["shape"])
}

func TestParseDAG_Cycle(t *testing.T) {
	plan := planOf(
		schema.Step{ID: "a", Tool: "jq", DependsOn: []string{"b"}},
		schema.Step{ID: "b", Tool: "jq", DependsOn: []string{"a"}},
	)

	_, err := ParseDAG(plan)
	require.Error(t, err)

	var rerr *schema.RunError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, schema.ErrCodeCycleDetected, rerr.Code)
}

func TestParseDAG_SelfDependency(t *testing.T) {
	plan := planOf(schema.Step{ID: "a", Tool: "jq", DependsOn: []string{"a"}})

	_, err := ParseDAG(plan)
	require.Error(t, err)

	var rerr *schema.RunError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, schema.ErrCodeCycleDetected, rerr.Code)
}

func TestParseDAG_DuplicateStepID(t *testing.T) {
	plan := planOf(
		schema.Step{ID: "a", Tool: "jq"},
		schema.Step{ID: "a", Tool: "jq"},
	)

	_, err := ParseDAG(plan)
	require.Error(t, err)

	var rerr *schema.RunError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
}

func TestParseDAG_UnknownDependency(t *testing.T) {
	plan := planOf(schema.Step{ID: "a", Tool: "jq", DependsOn: []string{"ghost"}})

	_, err := ParseDAG(plan)
	require.Error(t, err)
}

func TestParseDAG_MissingTool(t *testing.T) {
	plan := planOf(schema.Step{ID: "a"})

	_, err := ParseDAG(plan)
	require.Error(t, err)
}

func TestParseDAG_EmptyPlan(t *testing.T) {
	_, err := ParseDAG(planOf())
	require.Error(t, err)

	_, err = ParseDAG(nil)
	require.Error(t, err)
}

func TestDAG_Descendants_Transitive(t *testing.T) {
	plan := planOf(
		schema.Step{ID: "a", Tool: "jq"},
		schema.Step{ID: "b", Tool: "jq", DependsOn: []string{"a"}},
		schema.Step{ID: "c", Tool: "jq", DependsOn: []string{"b"}},
		schema.Step{ID: "d", Tool: "jq"},
	)

	dag, err := ParseDAG(plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, dag.Descendants("a"))
	assert.Empty(t, dag.Descendants("d"))
}
