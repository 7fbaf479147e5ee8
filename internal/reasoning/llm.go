package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/avidal-labs/datarun/internal/executor"
	"github.com/avidal-labs/datarun/internal/registry"
	"github.com/avidal-labs/datarun/pkg/schema"
)

const understandSystemPrompt = `You are a data analysis planner. Read the user's task and return ONLY a JSON object with these fields:
{
  "analysis_goal": "one sentence goal",
  "business_context": "why this matters, if stated",
  "time_range": {"start": "", "end": "", "timezone": "", "grain": ""},
  "data_scope": {"tables": [], "columns": [], "filters": [], "metrics": []},
  "constraints": {},
  "expected_deliverables": {"charts": [], "tables": [], "report_sections": [], "format": []},
  "open_questions": [],
  "assumptions": []
}
List a question in open_questions ONLY if the task cannot proceed without an answer. Prefer a stated assumption over a question.`

const planSystemPrompt = `You are a data analysis planner. Given a task understanding and the available tools, return ONLY a JSON object:
{
  "steps": [
    {"step_id": "s1", "name": "...", "tool": "<tool name>", "inputs": {...}, "depends_on": []}
  ],
  "estimated_cost": {"db_queries": 0, "expected_rows": 0, "runtime_s": 0, "memory_mb": 0},
  "risks": []
}
Reference prior step outputs with "${{ steps.<id>.artifact }}" for artifact locations or "${{ steps.<id>.payload | <jq> }}" for payload fields. Use only the listed tools.`

const repairSystemPrompt = `A plan step failed. Given the tool contract, the inputs used, and the error, return ONLY a JSON object:
{"inputs": {...revised inputs...}, "reason": "what you changed and why", "abandon": false}
Set "abandon": true when no input change can fix the failure.`

const summarizeSystemPrompt = `Summarize the finished analysis run for the requester in a short paragraph. Mention what was produced and call out any step that failed or was skipped. Return plain text.`

// LLMCollaborator implements Collaborator over a langchaingo chat model.
type LLMCollaborator struct {
	model  llms.Model
	logger *slog.Logger
}

// NewLLMCollaborator creates an LLM-backed collaborator.
func NewLLMCollaborator(model llms.Model, logger *slog.Logger) *LLMCollaborator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMCollaborator{model: model, logger: logger}
}

func (c *LLMCollaborator) Understand(ctx context.Context, task, feedback string) (*schema.TaskUnderstanding, error) {
	prompt := "Task: " + task
	if feedback != "" {
		prompt += "\n\nClarifying feedback from the requester: " + feedback
	}

	raw, err := c.complete(ctx, understandSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var tu schema.TaskUnderstanding
	if err := decodeJSONReply(raw, &tu); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "model returned unparseable understanding").WithCause(err)
	}
	if tu.AnalysisGoal == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "model returned understanding without an analysis goal")
	}
	return &tu, nil
}

func (c *LLMCollaborator) BuildPlan(ctx context.Context, run *schema.Run, tools []registry.ToolInfo) (*schema.Plan, error) {
	understanding, err := json.MarshalIndent(run.Understanding, "", "  ")
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "marshal understanding").WithCause(err)
	}

	var toolList strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&toolList, "- %s: %s\n", t.Name, t.Description)
	}

	prompt := fmt.Sprintf("Task understanding:\n%s\n\nAvailable tools:\n%s", understanding, toolList.String())
	if run.Feedback != "" {
		prompt += "\n\nRequester feedback on the previous plan: " + run.Feedback
	}

	raw, err := c.complete(ctx, planSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var plan schema.Plan
	if err := decodeJSONReply(raw, &plan); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "model returned unparseable plan").WithCause(err)
	}
	if len(plan.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "model returned a plan with no steps")
	}

	plan.ID = schema.NewPlanID(run.ID)
	plan.RunID = run.ID
	if run.Plan != nil {
		plan.Version = run.Plan.Version + 1
	} else {
		plan.Version = 1
	}
	return &plan, nil
}

func (c *LLMCollaborator) RepairStep(ctx context.Context, req *executor.RepairRequest) (*executor.RepairResponse, error) {
	payload := map[string]any{
		"tool":         req.Step.Tool,
		"step_name":    req.Step.Name,
		"attempt":      req.Attempt,
		"inputs":       req.Inputs,
		"error":        req.Failure,
		"input_schema": json.RawMessage(req.Contract.InputSchema),
	}
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "marshal repair request").WithCause(err)
	}

	raw, err := c.complete(ctx, repairSystemPrompt, string(body))
	if err != nil {
		return nil, err
	}

	var resp executor.RepairResponse
	if err := decodeJSONReply(raw, &resp); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "model returned unparseable repair").WithCause(err)
	}
	return &resp, nil
}

func (c *LLMCollaborator) Summarize(ctx context.Context, run *schema.Run) (string, error) {
	digest := map[string]any{
		"task":          run.Task,
		"understanding": run.Understanding,
		"steps":         stepDigest(run),
		"artifacts":     len(run.Artifacts),
	}
	body, err := json.MarshalIndent(digest, "", "  ")
	if err != nil {
		return "", schema.NewError(schema.ErrCodeValidation, "marshal run digest").WithCause(err)
	}

	raw, err := c.complete(ctx, summarizeSystemPrompt, string(body))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

func (c *LLMCollaborator) complete(ctx context.Context, system, user string) (string, error) {
	messages := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(system)}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(user)}},
	}
	resp, err := c.model.GenerateContent(ctx, messages)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeToolExecution, "model call failed").WithCause(err)
	}
	if len(resp.Choices) == 0 {
		return "", schema.NewError(schema.ErrCodeToolExecution, "model returned no choices")
	}
	return resp.Choices[0].Content, nil
}

func stepDigest(run *schema.Run) []map[string]any {
	if run.Plan == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(run.Plan.Steps))
	for _, step := range run.Plan.Steps {
		entry := map[string]any{"step_id": step.ID, "name": step.Name, "tool": step.Tool}
		if exec, ok := run.Steps[step.ID]; ok {
			entry["status"] = exec.Status
			if exec.Error != nil {
				entry["error"] = exec.Error.Message
			}
		}
		out = append(out, entry)
	}
	return out
}

// decodeJSONReply extracts the JSON object from a model reply, tolerating
// markdown code fences and surrounding prose.
func decodeJSONReply(raw string, target any) error {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.TrimSpace(s)
	if start := strings.Index(s, "{"); start > 0 {
		s = s[start:]
	}
	if end := strings.LastIndex(s, "}"); end >= 0 && end < len(s)-1 {
		s = s[:end+1]
	}
	return json.Unmarshal([]byte(s), target)
}

var _ Collaborator = (*LLMCollaborator)(nil)
