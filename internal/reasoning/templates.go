package reasoning

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/avidal-labs/datarun/internal/executor"
	"github.com/avidal-labs/datarun/internal/registry"
	"github.com/avidal-labs/datarun/pkg/schema"
)

//go:embed templates/default.yaml
var defaultTemplates []byte

// PlanTemplate is a canned plan matched against the task text. Templates
// are the deterministic fallback when no model is configured, and double as
// regression fixtures for the engine.
type PlanTemplate struct {
	Name          string         `yaml:"name"`
	Match         []string       `yaml:"match"`
	AnalysisGoal  string         `yaml:"analysis_goal"`
	Deliverables  []string       `yaml:"deliverables,omitempty"`
	Steps         []TemplateStep `yaml:"steps"`
	EstimatedCost struct {
		DBQueries    int `yaml:"db_queries"`
		ExpectedRows int `yaml:"expected_rows"`
		RuntimeS     int `yaml:"runtime_s"`
		MemoryMB     int `yaml:"memory_mb"`
	} `yaml:"estimated_cost"`
	Risks []string `yaml:"risks,omitempty"`
}

// TemplateStep is one step of a plan template.
type TemplateStep struct {
	ID        string         `yaml:"step_id"`
	Name      string         `yaml:"name,omitempty"`
	Tool      string         `yaml:"tool"`
	Inputs    map[string]any `yaml:"inputs,omitempty"`
	DependsOn []string       `yaml:"depends_on,omitempty"`
}

type templateFile struct {
	Templates []PlanTemplate `yaml:"templates"`
}

// TemplateCollaborator is a model-free Collaborator that understands and
// plans from a library of YAML templates. Repairs retry with unchanged
// inputs; summaries are assembled mechanically.
type TemplateCollaborator struct {
	templates []PlanTemplate
}

// NewTemplateCollaborator loads templates from path, or the embedded
// defaults when path is empty.
func NewTemplateCollaborator(path string) (*TemplateCollaborator, error) {
	data := defaultTemplates
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read plan templates: %w", err)
		}
		data = b
	}

	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse plan templates: %w", err)
	}
	if len(f.Templates) == 0 {
		return nil, fmt.Errorf("plan template file has no templates")
	}
	return &TemplateCollaborator{templates: f.Templates}, nil
}

// match returns the first template whose keywords all appear in the task,
// falling back to the last template (the catch-all).
func (c *TemplateCollaborator) match(task string) *PlanTemplate {
	lower := strings.ToLower(task)
	for i := range c.templates {
		t := &c.templates[i]
		if len(t.Match) == 0 {
			continue
		}
		matched := false
		for _, kw := range t.Match {
			if strings.Contains(lower, strings.ToLower(kw)) {
				matched = true
				break
			}
		}
		if matched {
			return t
		}
	}
	return &c.templates[len(c.templates)-1]
}

func (c *TemplateCollaborator) Understand(ctx context.Context, task, feedback string) (*schema.TaskUnderstanding, error) {
	t := c.match(task)
	return &schema.TaskUnderstanding{
		AnalysisGoal: t.AnalysisGoal,
		Deliverables: schema.Deliverables{ReportSections: t.Deliverables},
		Assumptions:  []string{fmt.Sprintf("matched plan template %q", t.Name)},
	}, nil
}

func (c *TemplateCollaborator) BuildPlan(ctx context.Context, run *schema.Run, tools []registry.ToolInfo) (*schema.Plan, error) {
	t := c.match(run.Task)

	known := make(map[string]bool, len(tools))
	for _, info := range tools {
		known[info.Name] = true
	}

	plan := &schema.Plan{
		ID:    schema.NewPlanID(run.ID),
		RunID: run.ID,
		EstimatedCost: schema.PlanCost{
			DBQueries:    t.EstimatedCost.DBQueries,
			ExpectedRows: t.EstimatedCost.ExpectedRows,
			RuntimeS:     t.EstimatedCost.RuntimeS,
			MemoryMB:     t.EstimatedCost.MemoryMB,
		},
		Risks: t.Risks,
	}
	if run.Plan != nil {
		plan.Version = run.Plan.Version + 1
	} else {
		plan.Version = 1
	}

	for _, ts := range t.Steps {
		if !known[ts.Tool] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"template %q references unregistered tool %q", t.Name, ts.Tool)
		}
		plan.Steps = append(plan.Steps, schema.Step{
			ID:        ts.ID,
			Name:      ts.Name,
			Tool:      ts.Tool,
			Inputs:    normalizeYAML(ts.Inputs),
			DependsOn: ts.DependsOn,
		})
	}
	return plan, nil
}

func (c *TemplateCollaborator) RepairStep(ctx context.Context, req *executor.RepairRequest) (*executor.RepairResponse, error) {
	// Templates have no repair knowledge; retry unchanged.
	return &executor.RepairResponse{Reason: "template planner retries with unchanged inputs"}, nil
}

func (c *TemplateCollaborator) Summarize(ctx context.Context, run *schema.Run) (string, error) {
	var succeeded, failed, skipped int
	for _, exec := range run.Steps {
		switch exec.Status {
		case schema.StepStatusSucceeded:
			succeeded++
		case schema.StepStatusFailed:
			failed++
		case schema.StepStatusSkipped:
			skipped++
		}
	}
	summary := fmt.Sprintf("Run for task %q finished: %d step(s) succeeded, %d failed, %d skipped, %d artifact(s) produced.",
		run.Task, succeeded, failed, skipped, len(run.Artifacts))
	return summary, nil
}

// normalizeYAML rewrites yaml.v3 decoded values into JSON-shaped maps so
// template inputs round-trip through the validator like model output does.
func normalizeYAML(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeYAMLValue(v)
	}
	return out
}

func normalizeYAMLValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return normalizeYAML(val)
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[fmt.Sprint(k)] = normalizeYAMLValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = normalizeYAMLValue(inner)
		}
		return out
	default:
		return v
	}
}

var _ Collaborator = (*TemplateCollaborator)(nil)
