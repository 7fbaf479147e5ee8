package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avidal-labs/datarun/internal/registry"
	"github.com/avidal-labs/datarun/pkg/schema"
)

var reportInputSchema = []byte(`{
	"type": "object",
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"body": {"type": "string"},
		"sources": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["title"],
	"additionalProperties": false
}`)

var reportOutputSchema = []byte(`{
	"type": "object",
	"properties": {
		"location": {"type": "string"},
		"bytes": {"type": "integer"}
	},
	"required": ["location", "bytes"]
}`)

// ReportTool renders a markdown document artifact. Source locations, when
// given, are embedded as sections; JSON table and profile artifacts render
// as summaries.
type ReportTool struct {
	artifactsDir string
}

// NewReportTool creates the report.render tool.
func NewReportTool(artifactsDir string) *ReportTool {
	return &ReportTool{artifactsDir: artifactsDir}
}

func (t *ReportTool) Name() string { return "report.render" }

func (t *ReportTool) Contract() registry.Contract {
	return registry.Contract{
		Description:  "Render a markdown report document from prior artifacts",
		InputSchema:  reportInputSchema,
		OutputSchema: reportOutputSchema,
		NonEmpty:     "bytes > 0",
	}
}

func (t *ReportTool) Invoke(ctx context.Context, inputs map[string]any) (*schema.ToolOutcome, error) {
	title, _ := inputs["title"].(string)
	body, _ := inputs["body"].(string)

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "_Generated %s_\n\n", time.Now().UTC().Format(time.RFC3339))
	if body != "" {
		fmt.Fprintf(&b, "%s\n\n", body)
	}

	if sources, ok := inputs["sources"].([]any); ok {
		for _, src := range sources {
			location, ok := src.(string)
			if !ok {
				continue
			}
			b.WriteString(renderSource(location))
		}
	}

	content := b.String()
	location, err := t.write(content)
	if err != nil {
		return nil, err
	}

	return &schema.ToolOutcome{
		OK: true,
		Payload: map[string]any{
			"location": location,
			"bytes":    len(content),
		},
		Artifacts: []schema.ArtifactSpec{{
			Type:        schema.ArtifactTypeDocument,
			Location:    location,
			Description: title,
		}},
	}, nil
}

// renderSource summarizes one source artifact as a markdown section.
// Unreadable sources degrade to a note instead of failing the report.
func renderSource(location string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", filepath.Base(location))

	raw, err := os.ReadFile(location)
	if err != nil {
		fmt.Fprintf(&b, "_Source unavailable: %v_\n\n", err)
		return b.String()
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		// Non-JSON sources are embedded verbatim.
		b.Write(raw)
		b.WriteString("\n\n")
		return b.String()
	}

	if rows, ok := doc["rows"].([]any); ok {
		fmt.Fprintf(&b, "Table with %d row(s).\n\n", len(rows))
		if cols, ok := doc["columns"].([]any); ok {
			names := make([]string, 0, len(cols))
			for _, c := range cols {
				names = append(names, fmt.Sprint(c))
			}
			fmt.Fprintf(&b, "Columns: %s\n\n", strings.Join(names, ", "))
		}
		return b.String()
	}

	pretty, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		pretty = raw
	}
	fmt.Fprintf(&b, "```json\n%s\n```\n\n", pretty)
	return b.String()
}

func (t *ReportTool) write(content string) (string, error) {
	if err := os.MkdirAll(t.artifactsDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	name := fmt.Sprintf("report_%d.md", time.Now().UnixNano())
	path := filepath.Join(t.artifactsDir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write report artifact: %w", err)
	}
	return path, nil
}

var _ registry.Tool = (*ReportTool)(nil)
