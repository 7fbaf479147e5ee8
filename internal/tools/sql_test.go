package tools

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckReadOnly_AcceptsSelect(t *testing.T) {
	require.NoError(t, checkReadOnly("SELECT * FROM orders"))
	require.NoError(t, checkReadOnly("  select id from orders  "))
	require.NoError(t, checkReadOnly("SELECT 1;"))
}

func TestCheckReadOnly_AcceptsWith(t *testing.T) {
	require.NoError(t, checkReadOnly("WITH t AS (SELECT 1) SELECT * FROM t"))
}

func TestCheckReadOnly_RejectsMultipleStatements(t *testing.T) {
	err := checkReadOnly("SELECT 1; DROP TABLE orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "single statement")
}

func TestCheckReadOnly_RejectsWrites(t *testing.T) {
	for _, q := range []string{
		"UPDATE orders SET total = 0",
		"INSERT INTO orders VALUES (1)",
		"DELETE FROM orders",
		"DROP TABLE orders",
	} {
		require.Error(t, checkReadOnly(q), q)
	}
}

func TestSQLTool_WriteTable(t *testing.T) {
	tool := NewSQLTool(nil, t.TempDir())

	location, err := tool.writeTable([]string{"id", "name"}, []map[string]any{
		{"id": 1, "name": "a"},
		{"id": 2, "name": "b"},
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(location)
	require.NoError(t, err)

	var doc tableDoc
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, []string{"id", "name"}, doc.Columns)
	require.Len(t, doc.Rows, 2)
	assert.Equal(t, "a", doc.Rows[0]["name"])
}

func TestAsInt(t *testing.T) {
	v, ok := asInt(42)
	require.True(t, ok)
	assert.Equal(t, 42, v)

	v, ok = asInt(int64(7))
	require.True(t, ok)
	assert.Equal(t, 7, v)

	v, ok = asInt(float64(100))
	require.True(t, ok)
	assert.Equal(t, 100, v)

	v, ok = asInt(json.Number("9"))
	require.True(t, ok)
	assert.Equal(t, 9, v)

	_, ok = asInt("9")
	assert.False(t, ok)
}

func TestNormalizeSQLValue(t *testing.T) {
	assert.Equal(t, "bytes", normalizeSQLValue([]byte("bytes")))

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-01T12:00:00Z", normalizeSQLValue(ts))

	assert.Equal(t, int64(5), normalizeSQLValue(int64(5)))
	assert.Nil(t, normalizeSQLValue(nil))
}
