package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avidal-labs/datarun/internal/expressions"
	"github.com/avidal-labs/datarun/pkg/schema"
)

func newJQTool() *JQTool {
	return NewJQTool(expressions.NewJQEngine())
}

func TestJQTool_Invoke_ObjectData(t *testing.T) {
	outcome, err := newJQTool().Invoke(context.Background(), map[string]any{
		"expression": ".rows | length",
		"data": map[string]any{
			"rows": []any{map[string]any{"n": 1}, map[string]any{"n": 2}},
		},
	})
	require.NoError(t, err)
	require.True(t, outcome.OK)
	assert.Equal(t, 2, outcome.Payload["result"])
}

func TestJQTool_Invoke_ArrayDataIsWrapped(t *testing.T) {
	outcome, err := newJQTool().Invoke(context.Background(), map[string]any{
		"expression": "sort_by(-.n) | .[0].region",
		"data": []any{
			map[string]any{"region": "emea", "n": 3},
			map[string]any{"region": "apac", "n": 9},
		},
	})
	require.NoError(t, err)
	require.True(t, outcome.OK)
	assert.Equal(t, "apac", outcome.Payload["result"])
}

func TestJQTool_Invoke_ScalarDataRejected(t *testing.T) {
	outcome, err := newJQTool().Invoke(context.Background(), map[string]any{
		"expression": ".",
		"data":       "just a string",
	})
	require.NoError(t, err)
	require.False(t, outcome.OK)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, schema.ErrCodeValidation, outcome.Error.Code)
}

func TestJQTool_Invoke_BadExpression(t *testing.T) {
	outcome, err := newJQTool().Invoke(context.Background(), map[string]any{
		"expression": ".rows | |",
		"data":       map[string]any{"rows": []any{}},
	})
	require.NoError(t, err)
	require.False(t, outcome.OK)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, schema.ErrCodeToolExecution, outcome.Error.Code)
}
