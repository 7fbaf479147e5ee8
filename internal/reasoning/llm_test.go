package reasoning

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/avidal-labs/datarun/internal/executor"
	"github.com/avidal-labs/datarun/internal/registry"
	"github.com/avidal-labs/datarun/pkg/schema"
)

// stubModel replays a canned reply and records the messages it was sent.
type stubModel struct {
	reply    string
	err      error
	messages []llms.MessageContent
}

func (m *stubModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: m.reply}},
	}, nil
}

func (m *stubModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := m.GenerateContent(ctx, []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)}, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func userPrompt(t *testing.T, m *stubModel) string {
	t.Helper()
	require.Len(t, m.messages, 2)
	require.Equal(t, llms.ChatMessageTypeHuman, m.messages[1].Role)
	part, ok := m.messages[1].Parts[0].(llms.TextContent)
	require.True(t, ok)
	return part.Text
}

func TestLLMCollaborator_Understand(t *testing.T) {
	model := &stubModel{reply: `{"analysis_goal": "profile orders", "open_questions": ["which table?"]}`}
	c := NewLLMCollaborator(model, nil)

	tu, err := c.Understand(context.Background(), "profile the orders table", "")
	require.NoError(t, err)
	assert.Equal(t, "profile orders", tu.AnalysisGoal)
	assert.Equal(t, []string{"which table?"}, tu.OpenQuestions)
	assert.Contains(t, userPrompt(t, model), "profile the orders table")
}

func TestLLMCollaborator_Understand_FeedbackInPrompt(t *testing.T) {
	model := &stubModel{reply: `{"analysis_goal": "profile orders"}`}
	c := NewLLMCollaborator(model, nil)

	_, err := c.Understand(context.Background(), "profile the orders table", "last 30 days only")
	require.NoError(t, err)
	assert.Contains(t, userPrompt(t, model), "last 30 days only")
}

func TestLLMCollaborator_Understand_MissingGoal(t *testing.T) {
	model := &stubModel{reply: `{"assumptions": ["none"]}`}
	c := NewLLMCollaborator(model, nil)

	_, err := c.Understand(context.Background(), "task", "")
	require.Error(t, err)

	rerr, ok := err.(*schema.RunError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
}

func TestLLMCollaborator_Understand_ModelError(t *testing.T) {
	model := &stubModel{err: errors.New("connection refused")}
	c := NewLLMCollaborator(model, nil)

	_, err := c.Understand(context.Background(), "task", "")
	require.Error(t, err)

	rerr, ok := err.(*schema.RunError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeToolExecution, rerr.Code)
}

func TestLLMCollaborator_BuildPlan_AssignsIdentity(t *testing.T) {
	model := &stubModel{reply: "```json\n" + `{
  "steps": [{"step_id": "s1", "tool": "sql.query", "inputs": {"query": "SELECT 1"}}],
  "estimated_cost": {"db_queries": 1, "expected_rows": 1}
}` + "\n```"}
	c := NewLLMCollaborator(model, nil)
	run := &schema.Run{ID: "run_1", Task: "count rows"}

	plan, err := c.BuildPlan(context.Background(), run, []registry.ToolInfo{{Name: "sql.query", Description: "run SQL"}})
	require.NoError(t, err)
	assert.Equal(t, "run_1", plan.RunID)
	assert.Equal(t, 1, plan.Version)
	assert.NotEmpty(t, plan.ID)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "sql.query", plan.Steps[0].Tool)
	assert.Equal(t, 1, plan.EstimatedCost.DBQueries)
	assert.Contains(t, userPrompt(t, model), "sql.query: run SQL")
}

func TestLLMCollaborator_BuildPlan_VersionIncrementsOnReplan(t *testing.T) {
	model := &stubModel{reply: `{"steps": [{"step_id": "s1", "tool": "sql.query"}]}`}
	c := NewLLMCollaborator(model, nil)
	run := &schema.Run{
		ID:       "run_1",
		Plan:     &schema.Plan{ID: "plan_old", Version: 2},
		Feedback: "use fewer rows",
	}

	plan, err := c.BuildPlan(context.Background(), run, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, plan.Version)
	assert.Contains(t, userPrompt(t, model), "use fewer rows")
}

func TestLLMCollaborator_BuildPlan_EmptySteps(t *testing.T) {
	model := &stubModel{reply: `{"steps": []}`}
	c := NewLLMCollaborator(model, nil)

	_, err := c.BuildPlan(context.Background(), &schema.Run{ID: "run_1"}, nil)
	require.Error(t, err)
}

func TestLLMCollaborator_RepairStep(t *testing.T) {
	model := &stubModel{reply: `{"inputs": {"max_rows": 100}, "reason": "lowered the row cap", "abandon": false}`}
	c := NewLLMCollaborator(model, nil)

	resp, err := c.RepairStep(context.Background(), &executor.RepairRequest{
		Step:    &schema.Step{ID: "s1", Tool: "sql.query"},
		Attempt: 1,
		Inputs:  map[string]any{"max_rows": 100000},
		Failure: schema.NewError(schema.ErrCodeToolExecution, "out of memory"),
	})
	require.NoError(t, err)
	assert.False(t, resp.Abandon)
	assert.Equal(t, "lowered the row cap", resp.Reason)
	assert.Equal(t, float64(100), resp.Inputs["max_rows"])
}

func TestLLMCollaborator_Summarize_TrimsReply(t *testing.T) {
	model := &stubModel{reply: "\n  The run profiled 3 tables.  \n"}
	c := NewLLMCollaborator(model, nil)

	summary, err := c.Summarize(context.Background(), &schema.Run{Task: "profile"})
	require.NoError(t, err)
	assert.Equal(t, "The run profiled 3 tables.", summary)
}

func TestDecodeJSONReply(t *testing.T) {
	type out struct {
		Goal string `json:"goal"`
	}

	cases := []struct {
		name string
		raw  string
	}{
		{"bare", `{"goal": "x"}`},
		{"fenced", "```json\n{\"goal\": \"x\"}\n```"},
		{"fenced no language", "```\n{\"goal\": \"x\"}\n```"},
		{"surrounding prose", "Here is the result:\n{\"goal\": \"x\"}\nHope that helps."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var v out
			require.NoError(t, decodeJSONReply(tc.raw, &v))
			assert.Equal(t, "x", v.Goal)
		})
	}
}

func TestDecodeJSONReply_Invalid(t *testing.T) {
	var v map[string]any
	require.Error(t, decodeJSONReply("no json here at all", &v))
}
