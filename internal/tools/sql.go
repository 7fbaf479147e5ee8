package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avidal-labs/datarun/internal/registry"
	"github.com/avidal-labs/datarun/pkg/schema"
)

const defaultMaxRows = 10000

var sqlInputSchema = []byte(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "minLength": 1},
		"max_rows": {"type": "integer", "minimum": 1}
	},
	"required": ["query"],
	"additionalProperties": false
}`)

var sqlOutputSchema = []byte(`{
	"type": "object",
	"properties": {
		"columns": {"type": "array", "items": {"type": "string"}},
		"rows": {"type": "array"},
		"row_count": {"type": "integer"}
	},
	"required": ["columns", "rows", "row_count"]
}`)

// SQLTool runs read-only queries against the analysis database and writes
// the result set to a table artifact. Only single SELECT (or WITH)
// statements are accepted.
type SQLTool struct {
	db           *sql.DB
	artifactsDir string
	maxRows      int
}

// NewSQLTool creates the sql.query tool over the given database.
func NewSQLTool(db *sql.DB, artifactsDir string) *SQLTool {
	return &SQLTool{db: db, artifactsDir: artifactsDir, maxRows: defaultMaxRows}
}

func (t *SQLTool) Name() string { return "sql.query" }

func (t *SQLTool) Contract() registry.Contract {
	return registry.Contract{
		Description:  "Run a read-only SQL query against the analysis database and store the result as a table artifact",
		InputSchema:  sqlInputSchema,
		OutputSchema: sqlOutputSchema,
		NonEmpty:     "row_count > 0",
	}
}

func (t *SQLTool) Invoke(ctx context.Context, inputs map[string]any) (*schema.ToolOutcome, error) {
	query, _ := inputs["query"].(string)
	if err := checkReadOnly(query); err != nil {
		return &schema.ToolOutcome{
			OK:    false,
			Error: &schema.ErrorInfo{Code: schema.ErrCodeValidation, Message: err.Error()},
		}, nil
	}

	limit := t.maxRows
	if v, ok := asInt(inputs["max_rows"]); ok && v > 0 && v < limit {
		limit = v
	}

	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &schema.ToolOutcome{
			OK:    false,
			Error: &schema.ErrorInfo{Code: schema.ErrCodeToolExecution, Message: fmt.Sprintf("query failed: %v", err)},
		}, nil
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var records []map[string]any
	for rows.Next() {
		if len(records) >= limit {
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]any, len(columns))
		for i, col := range columns {
			record[col] = normalizeSQLValue(values[i])
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if records == nil {
		records = []map[string]any{}
	}

	location, err := t.writeTable(columns, records)
	if err != nil {
		return nil, err
	}

	cols := make([]any, len(columns))
	for i, c := range columns {
		cols[i] = c
	}
	rowsAny := make([]any, len(records))
	for i, r := range records {
		rowsAny[i] = r
	}

	return &schema.ToolOutcome{
		OK: true,
		Payload: map[string]any{
			"columns":   cols,
			"rows":      rowsAny,
			"row_count": len(records),
		},
		Artifacts: []schema.ArtifactSpec{{
			Type:        schema.ArtifactTypeTable,
			Location:    location,
			Description: "query result set",
			SchemaMetadata: map[string]any{
				"columns":   cols,
				"row_count": len(records),
			},
		}},
	}, nil
}

// writeTable persists the result set as a JSON table file.
func (t *SQLTool) writeTable(columns []string, records []map[string]any) (string, error) {
	if err := os.MkdirAll(t.artifactsDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	name := fmt.Sprintf("table_%d.json", time.Now().UnixNano())
	path := filepath.Join(t.artifactsDir, name)

	doc := map[string]any{"columns": columns, "rows": records}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal table: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("write table artifact: %w", err)
	}
	return path, nil
}

// checkReadOnly accepts a single SELECT or WITH statement.
func checkReadOnly(query string) error {
	q := strings.TrimSpace(query)
	q = strings.TrimSuffix(q, ";")
	if strings.Contains(q, ";") {
		return fmt.Errorf("only a single statement is allowed")
	}
	upper := strings.ToUpper(strings.TrimSpace(q))
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("only read-only SELECT queries are allowed")
	}
	return nil
}

func normalizeSQLValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return v
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

var _ registry.Tool = (*SQLTool)(nil)
