package reasoning

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avidal-labs/datarun/internal/registry"
	"github.com/avidal-labs/datarun/pkg/schema"
)

func builtinToolInfos() []registry.ToolInfo {
	return []registry.ToolInfo{
		{Name: "sql.query"},
		{Name: "jq"},
		{Name: "table.profile"},
		{Name: "report.render"},
	}
}

func TestNewTemplateCollaborator_EmbeddedDefaults(t *testing.T) {
	c, err := NewTemplateCollaborator("")
	require.NoError(t, err)
	require.NotEmpty(t, c.templates)
	assert.Equal(t, "generic", c.templates[len(c.templates)-1].Name)
}

func TestNewTemplateCollaborator_MissingFile(t *testing.T) {
	_, err := NewTemplateCollaborator("/nonexistent/templates.yaml")
	require.Error(t, err)
}

func TestNewTemplateCollaborator_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("templates: []\n"), 0o644))
	_, err := NewTemplateCollaborator(path)
	require.Error(t, err)
}

func TestTemplateCollaborator_Match_Keyword(t *testing.T) {
	c, err := NewTemplateCollaborator("")
	require.NoError(t, err)

	tu, err := c.Understand(context.Background(), "profile the orders table", "")
	require.NoError(t, err)
	assert.Equal(t, "Profile the dataset and report per-column statistics", tu.AnalysisGoal)
	assert.Empty(t, tu.OpenQuestions)
}

func TestTemplateCollaborator_Match_FallsBackToCatchAll(t *testing.T) {
	c, err := NewTemplateCollaborator("")
	require.NoError(t, err)

	tpl := c.match("do something entirely unrelated")
	assert.Equal(t, "generic", tpl.Name)
}

func TestTemplateCollaborator_BuildPlan(t *testing.T) {
	c, err := NewTemplateCollaborator("")
	require.NoError(t, err)
	run := &schema.Run{ID: "run_1", Task: "profile the orders table"}

	plan, err := c.BuildPlan(context.Background(), run, builtinToolInfos())
	require.NoError(t, err)
	assert.Equal(t, "run_1", plan.RunID)
	assert.Equal(t, 1, plan.Version)
	require.Len(t, plan.Steps, 3)

	// Template inputs carry binding references verbatim.
	profile := plan.StepByID("profile")
	require.NotNil(t, profile)
	assert.Equal(t, "${{ steps.load.artifact }}", profile.Inputs["dataset"])
	assert.Equal(t, []string{"load"}, profile.DependsOn)

	assert.Equal(t, 1, plan.EstimatedCost.DBQueries)
	assert.Equal(t, 10000, plan.EstimatedCost.ExpectedRows)
}

func TestTemplateCollaborator_BuildPlan_VersionIncrements(t *testing.T) {
	c, err := NewTemplateCollaborator("")
	require.NoError(t, err)
	run := &schema.Run{
		ID:   "run_1",
		Task: "profile the orders table",
		Plan: &schema.Plan{ID: "plan_old", Version: 3},
	}

	plan, err := c.BuildPlan(context.Background(), run, builtinToolInfos())
	require.NoError(t, err)
	assert.Equal(t, 4, plan.Version)
	assert.NotEqual(t, "plan_old", plan.ID)
}

func TestTemplateCollaborator_BuildPlan_UnregisteredTool(t *testing.T) {
	c, err := NewTemplateCollaborator("")
	require.NoError(t, err)
	run := &schema.Run{ID: "run_1", Task: "profile the orders table"}

	// table.profile is missing from the registry listing.
	_, err = c.BuildPlan(context.Background(), run, []registry.ToolInfo{
		{Name: "sql.query"}, {Name: "report.render"},
	})
	require.Error(t, err)

	rerr, ok := err.(*schema.RunError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
}

func TestTemplateCollaborator_RepairStep_RetriesUnchanged(t *testing.T) {
	c, err := NewTemplateCollaborator("")
	require.NoError(t, err)

	resp, err := c.RepairStep(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, resp.Abandon)
	assert.Nil(t, resp.Inputs)
}

func TestTemplateCollaborator_Summarize(t *testing.T) {
	c, err := NewTemplateCollaborator("")
	require.NoError(t, err)
	run := &schema.Run{
		Task: "profile the orders table",
		Steps: map[string]*schema.StepExecution{
			"a": {StepID: "a", Status: schema.StepStatusSucceeded},
			"b": {StepID: "b", Status: schema.StepStatusFailed},
			"c": {StepID: "c", Status: schema.StepStatusSkipped},
		},
		Artifacts: []schema.Artifact{{ID: "art_1"}},
	}

	summary, err := c.Summarize(context.Background(), run)
	require.NoError(t, err)
	assert.Contains(t, summary, "1 step(s) succeeded")
	assert.Contains(t, summary, "1 failed")
	assert.Contains(t, summary, "1 skipped")
	assert.Contains(t, summary, "1 artifact(s)")
}

func TestNormalizeYAML_RewritesInterfaceKeys(t *testing.T) {
	in := map[string]any{
		"plain": "value",
		"nested": map[any]any{
			"inner": []any{map[any]any{1: "one"}},
		},
	}

	out := normalizeYAML(in)
	assert.Equal(t, "value", out["plain"])
	nested, ok := out["nested"].(map[string]any)
	require.True(t, ok)
	items, ok := nested["inner"].([]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"1": "one"}, items[0])
}
