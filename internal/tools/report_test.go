package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avidal-labs/datarun/pkg/schema"
)

func TestReportTool_Invoke(t *testing.T) {
	table := writeTestTable(t, tableDoc{
		Columns: []string{"region", "n"},
		Rows:    []map[string]any{{"region": "emea", "n": float64(12)}},
	})
	tool := NewReportTool(t.TempDir())

	outcome, err := tool.Invoke(context.Background(), map[string]any{
		"title":   "Monthly sales",
		"body":    "Revenue held steady.",
		"sources": []any{table},
	})
	require.NoError(t, err)
	require.True(t, outcome.OK)

	bytes, ok := outcome.Payload["bytes"].(int)
	require.True(t, ok)
	assert.Greater(t, bytes, 0)

	require.Len(t, outcome.Artifacts, 1)
	assert.Equal(t, schema.ArtifactTypeDocument, outcome.Artifacts[0].Type)

	raw, err := os.ReadFile(outcome.Artifacts[0].Location)
	require.NoError(t, err)
	content := string(raw)
	assert.Contains(t, content, "# Monthly sales")
	assert.Contains(t, content, "Revenue held steady.")
	assert.Contains(t, content, "Table with 1 row(s).")
	assert.Contains(t, content, "Columns: region, n")
}

func TestReportTool_Invoke_NoSources(t *testing.T) {
	tool := NewReportTool(t.TempDir())

	outcome, err := tool.Invoke(context.Background(), map[string]any{"title": "Bare report"})
	require.NoError(t, err)
	require.True(t, outcome.OK)
	assert.Equal(t, outcome.Payload["location"], outcome.Artifacts[0].Location)
}

func TestRenderSource_MissingFileDegrades(t *testing.T) {
	section := renderSource(filepath.Join(t.TempDir(), "gone.json"))
	assert.Contains(t, section, "## gone.json")
	assert.Contains(t, section, "_Source unavailable:")
}

func TestRenderSource_NonJSONEmbeddedVerbatim(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("plain notes"), 0o644))

	section := renderSource(path)
	assert.Contains(t, section, "plain notes")
}

func TestRenderSource_JSONObjectPrettyPrinted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"row_count": 3}`), 0o644))

	section := renderSource(path)
	assert.Contains(t, section, "```json")
	assert.Contains(t, section, `"row_count": 3`)
}
