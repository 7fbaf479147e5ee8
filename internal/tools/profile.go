package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/avidal-labs/datarun/internal/registry"
	"github.com/avidal-labs/datarun/pkg/schema"
)

var profileInputSchema = []byte(`{
	"type": "object",
	"properties": {
		"dataset": {"type": "string", "minLength": 1}
	},
	"required": ["dataset"],
	"additionalProperties": false
}`)

var profileOutputSchema = []byte(`{
	"type": "object",
	"properties": {
		"row_count": {"type": "integer"},
		"columns": {"type": "array"}
	},
	"required": ["row_count", "columns"]
}`)

// ProfileTool computes per-column descriptive statistics over a table
// artifact. The dataset input is the location of a table produced by a
// prior step; when the plan leaves it unbound, the executor injects the
// single table artifact in the manifest.
type ProfileTool struct {
	artifactsDir string
}

// NewProfileTool creates the table.profile tool.
func NewProfileTool(artifactsDir string) *ProfileTool {
	return &ProfileTool{artifactsDir: artifactsDir}
}

func (t *ProfileTool) Name() string { return "table.profile" }

func (t *ProfileTool) Contract() registry.Contract {
	return registry.Contract{
		Description:    "Compute per-column descriptive statistics for a table artifact",
		InputSchema:    profileInputSchema,
		OutputSchema:   profileOutputSchema,
		NonEmpty:       "row_count > 0",
		ArtifactInputs: map[string]string{"dataset": schema.ArtifactTypeTable},
	}
}

// columnStats are the statistics computed per column.
type columnStats struct {
	Name     string   `json:"name"`
	Count    int      `json:"count"`
	Nulls    int      `json:"nulls"`
	Distinct int      `json:"distinct"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Mean     *float64 `json:"mean,omitempty"`
}

func (t *ProfileTool) Invoke(ctx context.Context, inputs map[string]any) (*schema.ToolOutcome, error) {
	location, _ := inputs["dataset"].(string)

	table, err := readTable(location)
	if err != nil {
		return &schema.ToolOutcome{
			OK:    false,
			Error: &schema.ErrorInfo{Code: schema.ErrCodeToolExecution, Message: err.Error()},
		}, nil
	}

	stats := profileColumns(table)

	location, err = t.writeProfile(location, table, stats)
	if err != nil {
		return nil, err
	}

	columnsAny := make([]any, len(stats))
	for i, s := range stats {
		b, merr := json.Marshal(s)
		if merr != nil {
			return nil, merr
		}
		var m map[string]any
		if merr := json.Unmarshal(b, &m); merr != nil {
			return nil, merr
		}
		columnsAny[i] = m
	}

	return &schema.ToolOutcome{
		OK: true,
		Payload: map[string]any{
			"row_count": len(table.Rows),
			"columns":   columnsAny,
		},
		Artifacts: []schema.ArtifactSpec{{
			Type:        schema.ArtifactTypeDocument,
			Location:    location,
			Description: "dataset profile",
			SchemaMetadata: map[string]any{
				"row_count": len(table.Rows),
				"columns":   len(stats),
			},
		}},
	}, nil
}

// tableDoc is the on-disk shape of a table artifact.
type tableDoc struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

func readTable(location string) (*tableDoc, error) {
	b, err := os.ReadFile(location)
	if err != nil {
		return nil, fmt.Errorf("read table artifact: %w", err)
	}
	var doc tableDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("table artifact %q is not a valid table: %w", location, err)
	}
	return &doc, nil
}

func profileColumns(table *tableDoc) []columnStats {
	stats := make([]columnStats, 0, len(table.Columns))
	for _, col := range table.Columns {
		s := columnStats{Name: col}
		distinct := make(map[string]bool)
		var sum float64
		var numeric int
		for _, row := range table.Rows {
			v, ok := row[col]
			if !ok || v == nil {
				s.Nulls++
				continue
			}
			s.Count++
			distinct[fmt.Sprint(v)] = true
			if f, ok := asFloat(v); ok {
				numeric++
				sum += f
				if s.Min == nil || f < *s.Min {
					s.Min = ptr(f)
				}
				if s.Max == nil || f > *s.Max {
					s.Max = ptr(f)
				}
			}
		}
		s.Distinct = len(distinct)
		if numeric > 0 && numeric == s.Count {
			s.Mean = ptr(sum / float64(numeric))
		} else {
			// Mixed or non-numeric columns get no numeric stats.
			s.Min, s.Max = nil, nil
		}
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

func (t *ProfileTool) writeProfile(source string, table *tableDoc, stats []columnStats) (string, error) {
	if err := os.MkdirAll(t.artifactsDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	name := fmt.Sprintf("profile_%d.json", time.Now().UnixNano())
	path := filepath.Join(t.artifactsDir, name)

	doc := map[string]any{
		"source":    source,
		"row_count": len(table.Rows),
		"columns":   stats,
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal profile: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("write profile artifact: %w", err)
	}
	return path, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func ptr(f float64) *float64 { return &f }

var _ registry.Tool = (*ProfileTool)(nil)
